package app

import (
	"context"
	"time"

	"medicare/pkg/domain"
	"medicare/pkg/scheduler"
)

// currentReminders feeds the monitor. Without a selected patient there is
// nothing to watch.
func (a *App) currentReminders(ctx context.Context) ([]domain.Reminder, error) {
	id, ok, err := a.store.CurrentPatientID(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return a.store.ListReminders(ctx, id)
}

// RunMonitor ticks the reminder monitor until ctx ends. Fired events stay
// visible through ActiveNotification; the queue is drained here. Expired
// review sessions are swept once per session TTL.
func (a *App) RunMonitor(ctx context.Context) error {
	go a.sweepLoop(ctx, a.sessions.ttl)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-a.monitor.Events():
				a.logger.Debug("notification dequeued",
					"key", ev.Key,
					"reminder_id", ev.Reminder.ID.String(),
					"time", ev.Reminder.Time,
					"drugs", ev.Reminder.Name(),
				)
			}
		}
	}()
	return a.monitor.Run(ctx)
}

func (a *App) sweepLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.SweepSessions(ctx)
			if err != nil {
				a.logger.Warn("session sweep failed", "err", err)
				continue
			}
			if n > 0 {
				a.logger.Info("expired scan sessions removed", "count", n)
			}
		}
	}
}

// CheckReminders runs one monitor tick.
func (a *App) CheckReminders(ctx context.Context) (scheduler.Event, bool) {
	return a.monitor.Tick(ctx)
}

// ActiveNotification is the reminder waiting to be dismissed, if any.
func (a *App) ActiveNotification() (scheduler.Event, bool) {
	return a.monitor.Active()
}

// DismissNotification clears the active notification.
func (a *App) DismissNotification() bool {
	return a.monitor.Dismiss()
}
