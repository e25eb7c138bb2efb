// Package scheduler watches the reminder list and raises one notification
// per reminder per minute.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"medicare/pkg/domain"
)

// DefaultInterval is how often the reminder list is re-read.
const DefaultInterval = 2 * time.Second

// Source returns the reminder list to watch. It is called on every tick.
type Source func(ctx context.Context) ([]domain.Reminder, error)

// Event is one fired notification.
type Event struct {
	Key      string          `json:"key"`
	Reminder domain.Reminder `json:"reminder"`
	FiredAt  time.Time       `json:"firedAt"`
}

// DropReason says why an eligible reminder did not fire.
type DropReason string

const (
	// DropBusy: a notification is still waiting to be dismissed.
	DropBusy DropReason = "busy"
	// DropCoincident: another reminder for the same minute fired instead.
	DropCoincident DropReason = "coincident"
)

// Monitor fires at most one notification at a time. While one is active,
// nothing else fires until Dismiss. When several reminders share a minute,
// only the first in list order fires.
type Monitor struct {
	source   Source
	interval time.Duration
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger

	events chan Event

	mu      sync.Mutex
	lastKey string
	active  *Event
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLocation sets the zone reminder times are read in.
func WithLocation(loc *time.Location) Option {
	return func(m *Monitor) {
		if loc != nil {
			m.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewMonitor(source Source, opts ...Option) *Monitor {
	m := &Monitor{
		source:   source,
		interval: DefaultInterval,
		loc:      time.Local,
		now:      time.Now,
		logger:   slog.Default(),
		events:   make(chan Event, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events delivers fired notifications. The buffer holds one event; when it
// is full the new event is only visible through Active.
func (m *Monitor) Events() <-chan Event { return m.events }

// Run ticks until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("reminder monitor started", "interval", m.interval.String(), "location", m.loc.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("reminder monitor stopped")
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick checks the list once against the current minute and returns the
// event it fired, if any.
func (m *Monitor) Tick(ctx context.Context) (Event, bool) {
	reminders, err := m.source(ctx)
	if err != nil {
		m.logger.Warn("reminder monitor read failed", "err", err)
		return Event{}, false
	}
	now := m.now().In(m.loc)
	minute := now.Format("15:04")

	var due []domain.Reminder
	for _, r := range reminders {
		if r.Time == minute {
			due = append(due, r)
		}
	}
	if len(due) == 0 {
		return Event{}, false
	}
	first := due[0]
	key := first.ID.String() + "-" + minute

	m.mu.Lock()
	if key == m.lastKey {
		m.mu.Unlock()
		return Event{}, false
	}
	if m.active != nil {
		m.mu.Unlock()
		m.logger.Debug("reminder dropped", "key", key, "reason", DropBusy, "active", m.active.Key)
		return Event{}, false
	}
	ev := Event{Key: key, Reminder: first, FiredAt: now}
	m.active = &ev
	m.lastKey = key
	m.mu.Unlock()

	for _, r := range due[1:] {
		m.logger.Info("reminder dropped", "key", r.ID.String()+"-"+minute, "reason", DropCoincident, "fired", key)
	}
	m.offer(ev)
	m.logger.Info("reminder fired", "key", key, "time", minute, "name", first.Name())
	return ev, true
}

func (m *Monitor) offer(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("notification queue full", "key", ev.Key)
	}
}

// Active returns the notification awaiting dismissal.
func (m *Monitor) Active() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Event{}, false
	}
	return *m.active, true
}

// Dismiss clears the active notification so the next reminder can fire.
func (m *Monitor) Dismiss() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	had := m.active != nil
	m.active = nil
	return had
}
