// Package app is the medicare core: patients, reminders, scan review,
// media, push notification and the reminder monitor.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"medicare/internal/util"
	"medicare/pkg/domain"
	"medicare/pkg/imageutil"
	"medicare/pkg/notify"
	"medicare/pkg/reconcile"
	"medicare/pkg/scan"
	"medicare/pkg/scheduler"
	"medicare/pkg/sharecode"
	"medicare/pkg/storage"
	"medicare/pkg/store"
)

// CurrentPatient is the path alias for the selected patient.
const CurrentPatient = "current"

var (
	ErrPatientNotFound = errors.New("patient not found")
	ErrNameRequired    = errors.New("patient name is required")
	ErrTimeRequired    = errors.New("reminder time is required")
)

// Notifier pushes a reminder list to the patient's phone.
type Notifier interface {
	PushReminders(ctx context.Context, patient domain.Patient, reminders []domain.Reminder) error
}

// Config holds runtime dependencies for the core application.
type Config struct {
	Store    *store.Store
	Scanner  *scan.Scanner
	Notifier Notifier
	Media    storage.ObjectStore
	// Redis is shared with the scan rate limiter; optional.
	Redis *redis.Client

	Location        *time.Location
	MonitorInterval time.Duration
	SessionTTL      time.Duration
	PresignExpiry   time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// App is the core application service.
type App struct {
	store     *store.Store
	scanner   *scan.Scanner
	notifier  Notifier
	media     storage.ObjectStore
	redis     *redis.Client
	ownsRedis bool
	monitor   *scheduler.Monitor
	sessions  *sessionStore
	ids       *reconcile.IDSource
	logger    *slog.Logger

	presignExpiry time.Duration
	now           func() time.Time
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	interval := cfg.MonitorInterval
	if interval <= 0 {
		interval = scheduler.DefaultInterval
	}
	presign := cfg.PresignExpiry
	if presign <= 0 {
		presign = 15 * time.Minute
	}
	scanner := cfg.Scanner
	if scanner == nil {
		scanner = scan.New(nil)
	}
	a := &App{
		store:         cfg.Store,
		scanner:       scanner,
		notifier:      cfg.Notifier,
		media:         cfg.Media,
		redis:         cfg.Redis,
		ids:           reconcile.NewIDSource(now),
		logger:        logger,
		presignExpiry: presign,
		now:           now,
	}
	a.sessions = newSessionStore(cfg.Store.KV(), cfg.SessionTTL, now)
	a.monitor = scheduler.NewMonitor(a.currentReminders,
		scheduler.WithInterval(interval),
		scheduler.WithLocation(loc),
		scheduler.WithClock(now),
		scheduler.WithLogger(logger),
	)
	return a, nil
}

// Redis returns the shared client, or nil when Redis is not configured.
func (a *App) Redis() *redis.Client { return a.redis }

// ScanEnabled reports whether a vision model is configured.
func (a *App) ScanEnabled() bool { return a.scanner.Enabled() }

// Close releases the store and a Redis client opened only for rate limiting.
func (a *App) Close() error {
	err := a.store.Close()
	if a.ownsRedis {
		err = errors.Join(err, a.redis.Close())
	}
	return err
}

// ResolvePatient maps a path id (or "current") to an existing patient.
func (a *App) ResolvePatient(ctx context.Context, id string) (domain.Patient, error) {
	id = strings.TrimSpace(id)
	if id == CurrentPatient {
		id = ""
	}
	resolved, err := a.store.ResolvePatientID(ctx, id)
	if err != nil {
		return domain.Patient{}, err
	}
	p, ok, err := a.store.GetPatient(ctx, resolved)
	if err != nil {
		return domain.Patient{}, err
	}
	if !ok {
		return domain.Patient{}, fmt.Errorf("%w: %s", ErrPatientNotFound, resolved)
	}
	return p, nil
}

func (a *App) ListPatients(ctx context.Context) ([]domain.Patient, error) {
	return a.store.ListPatients(ctx)
}

func (a *App) AddPatient(ctx context.Context, name, lineUserID string) (domain.Patient, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Patient{}, ErrNameRequired
	}
	p, err := a.store.AddPatient(ctx, name, strings.TrimSpace(lineUserID))
	if err != nil {
		return domain.Patient{}, err
	}
	a.logger.Info("patient added", "patient_id", p.ID)
	return p, nil
}

func (a *App) UpdatePatient(ctx context.Context, id string, patch store.PatientPatch) (domain.Patient, error) {
	p, err := a.ResolvePatient(ctx, id)
	if err != nil {
		return domain.Patient{}, err
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return domain.Patient{}, ErrNameRequired
	}
	if err := a.store.UpdatePatient(ctx, p.ID, patch); err != nil {
		return domain.Patient{}, err
	}
	return a.ResolvePatient(ctx, p.ID)
}

func (a *App) DeletePatient(ctx context.Context, id string) error {
	p, err := a.ResolvePatient(ctx, id)
	if err != nil {
		return err
	}
	if err := a.store.DeletePatient(ctx, p.ID); err != nil {
		return err
	}
	a.logger.Info("patient deleted", "patient_id", p.ID)
	return nil
}

// CurrentPatient returns the selected patient; ok is false when none is.
func (a *App) CurrentPatient(ctx context.Context) (domain.Patient, bool, error) {
	id, ok, err := a.store.CurrentPatientID(ctx)
	if err != nil || !ok {
		return domain.Patient{}, false, err
	}
	return a.store.GetPatient(ctx, id)
}

// SelectPatient sets the current pointer. An empty id clears it.
func (a *App) SelectPatient(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id != "" {
		if _, ok, err := a.store.GetPatient(ctx, id); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %s", ErrPatientNotFound, id)
		}
	}
	return a.store.SetCurrentPatientID(ctx, id)
}

func (a *App) ListReminders(ctx context.Context, patientID string) ([]domain.Reminder, error) {
	p, err := a.ResolvePatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return a.store.ListReminders(ctx, p.ID)
}

// SaveReminder upserts r. Missing ids, types and timestamps are filled in
// and inline photos are shrunk before they are stored.
func (a *App) SaveReminder(ctx context.Context, patientID string, r domain.Reminder) (domain.Reminder, error) {
	p, err := a.ResolvePatient(ctx, patientID)
	if err != nil {
		return domain.Reminder{}, err
	}
	r.Time = strings.TrimSpace(r.Time)
	if r.Time == "" {
		return domain.Reminder{}, ErrTimeRequired
	}
	if r.ID == "" {
		r.ID = domain.ID(util.NewID())
	}
	if r.Type == "" {
		r.Type = domain.TypeMedicine
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = a.now().UnixMilli()
	}
	for i := range r.SubItems {
		if r.SubItems[i].ID == "" {
			r.SubItems[i].ID = domain.ID(fmt.Sprintf("%s-%d", r.ID, i))
		}
		r.SubItems[i].ReferenceImage = imageutil.Compress(r.SubItems[i].ReferenceImage, imageutil.ReferenceWidth)
	}
	if len(r.SubItems) == 0 {
		r = r.WithReferenceImage(imageutil.Compress(r.ReferenceImage(), imageutil.ReferenceWidth))
	}
	if err := a.store.SaveReminder(ctx, p.ID, r); err != nil {
		return domain.Reminder{}, err
	}
	return r, nil
}

func (a *App) DeleteReminder(ctx context.Context, patientID, reminderID string) error {
	p, err := a.ResolvePatient(ctx, patientID)
	if err != nil {
		return err
	}
	return a.store.DeleteReminder(ctx, p.ID, reminderID)
}

func (a *App) Export(ctx context.Context, patientID string) ([]byte, error) {
	p, err := a.ResolvePatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return a.store.Export(ctx, p.ID)
}

func (a *App) Import(ctx context.Context, patientID string, text []byte) ([]domain.Reminder, error) {
	p, err := a.ResolvePatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if err := a.store.Import(ctx, p.ID, text); err != nil {
		return nil, err
	}
	return a.store.ListReminders(ctx, p.ID)
}

// ShareCode encodes the patient's list; link is empty without a base URL.
func (a *App) ShareCode(ctx context.Context, patientID, baseURL string) (code, link string, err error) {
	p, err := a.ResolvePatient(ctx, patientID)
	if err != nil {
		return "", "", err
	}
	code, err = sharecode.EncodePatient(ctx, a.store, p.ID)
	if err != nil {
		return "", "", err
	}
	if baseURL != "" {
		link = sharecode.ImportURL(baseURL, code)
	}
	return code, link, nil
}

// ImportShareCode replaces the patient's list with the decoded code.
func (a *App) ImportShareCode(ctx context.Context, patientID, code string) ([]domain.Reminder, error) {
	p, err := a.ResolvePatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	list, err := sharecode.ImportPatient(ctx, a.store, p.ID, code)
	if err != nil {
		return nil, err
	}
	a.logger.Info("share code imported", "patient_id", p.ID, "reminders", len(list))
	return list, nil
}

// Push sends the patient's whole list to the LINE bot bridge.
func (a *App) Push(ctx context.Context, patientID string) (int, error) {
	if a.notifier == nil {
		return 0, errors.New("notifier not configured")
	}
	p, err := a.ResolvePatient(ctx, patientID)
	if err != nil {
		return 0, err
	}
	list, err := a.store.ListReminders(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	if err := a.notifier.PushReminders(ctx, p, list); err != nil {
		var apiErr *notify.APIError
		if errors.As(err, &apiErr) {
			a.logger.Warn("line push rejected", "patient_id", p.ID, "status", apiErr.Status)
		}
		return 0, err
	}
	return len(list), nil
}
