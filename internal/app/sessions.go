package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"medicare/internal/util"
	"medicare/pkg/ai"
	"medicare/pkg/domain"
	"medicare/pkg/imageutil"
	"medicare/pkg/reconcile"
	"medicare/pkg/store"
)

const (
	sessionKeyPrefix = "medicare_scan_session_"
	// sessionIndexKey lists every session id so expired ones can be swept
	// without a key scan.
	sessionIndexKey = "medicare_scan_sessions"
)

var ErrSessionNotFound = errors.New("review session not found")

// sessionStore keeps open review sessions in the KV store so a review can
// span several requests. mu serializes every load-mutate-save.
type sessionStore struct {
	mu  sync.Mutex
	kv  store.KV
	ttl time.Duration
	now func() time.Time
}

func newSessionStore(kv store.KV, ttl time.Duration, now func() time.Time) *sessionStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &sessionStore{kv: kv, ttl: ttl, now: now}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func (s *sessionStore) expired(sess *reconcile.Session) bool {
	return s.now().Sub(sess.UpdatedAt) > s.ttl
}

func (s *sessionStore) load(ctx context.Context, id string) (*reconcile.Session, error) {
	raw, ok, err := s.kv.Get(ctx, sessionKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	var sess reconcile.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.expired(&sess) {
		_ = s.kv.Delete(ctx, sessionKey(id))
		return nil, fmt.Errorf("%w: %s expired", ErrSessionNotFound, id)
	}
	return &sess, nil
}

func (s *sessionStore) save(ctx context.Context, sess *reconcile.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, sessionKey(sess.ID), raw)
}

// mutate loads the session, applies fn and saves the result when fn succeeds.
func (s *sessionStore) mutate(ctx context.Context, id string, fn func(*reconcile.Session) error) (*reconcile.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// create indexes a new session and saves it. The id is indexed first so a
// stored session is always reachable by sweep.
func (s *sessionStore) create(ctx context.Context, sess *reconcile.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.kv.Update(ctx, sessionIndexKey, func(cur []byte) ([]byte, error) {
		ids, err := decodeSessionIndex(cur)
		if err != nil {
			return nil, err
		}
		return json.Marshal(append(ids, sess.ID))
	})
	if err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return s.save(ctx, sess)
}

// sweep deletes sessions idle for longer than the TTL and drops ids whose
// session is gone. It returns how many sessions it deleted.
func (s *sessionStore) sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, _, err := s.kv.Get(ctx, sessionIndexKey)
	if err != nil {
		return 0, err
	}
	ids, err := decodeSessionIndex(raw)
	if err != nil {
		return 0, err
	}
	gone := make(map[string]bool)
	removed := 0
	for _, id := range ids {
		raw, ok, err := s.kv.Get(ctx, sessionKey(id))
		if err != nil {
			return removed, err
		}
		if ok {
			var sess reconcile.Session
			if json.Unmarshal(raw, &sess) == nil && !s.expired(&sess) {
				continue
			}
			if err := s.kv.Delete(ctx, sessionKey(id)); err != nil {
				return removed, err
			}
			removed++
		}
		gone[id] = true
	}
	if len(gone) == 0 {
		return 0, nil
	}
	err = s.kv.Update(ctx, sessionIndexKey, func(cur []byte) ([]byte, error) {
		ids, err := decodeSessionIndex(cur)
		if err != nil {
			return nil, err
		}
		live := make([]string, 0, len(ids))
		for _, id := range ids {
			if !gone[id] {
				live = append(live, id)
			}
		}
		return json.Marshal(live)
	})
	return removed, err
}

func decodeSessionIndex(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode session index: %w", err)
	}
	return ids, nil
}

// StartScan reads a prescription photo and opens a review session with one
// entry per drug and suggested time.
func (a *App) StartScan(ctx context.Context, patientID string, photo []byte) (*reconcile.Session, error) {
	p, err := a.ResolvePatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	result, err := a.scanner.ScanPrescription(ctx, scanImage(photo))
	if err != nil {
		return nil, err
	}
	sess := reconcile.NewSession(util.NewID(), p.ID, result.Items, a.ids)
	sess.Warning = result.Warning
	if err := a.sessions.create(ctx, sess); err != nil {
		return nil, err
	}
	util.LoggerFromContext(ctx).Info("scan session opened", "session_id", sess.ID, "patient_id", p.ID, "entries", len(sess.Entries))
	return sess, nil
}

// SweepSessions deletes review sessions that have been idle longer than the
// session TTL.
func (a *App) SweepSessions(ctx context.Context) (int, error) {
	return a.sessions.sweep(ctx)
}

func (a *App) GetSession(ctx context.Context, id string) (*reconcile.Session, error) {
	a.sessions.mu.Lock()
	defer a.sessions.mu.Unlock()
	return a.sessions.load(ctx, id)
}

// ScanBags reads every bag photo concurrently and applies the readings in
// upload order once all of them are back.
func (a *App) ScanBags(ctx context.Context, sessionID string, photos [][]byte) (*reconcile.Session, reconcile.BagReport, error) {
	sess, err := a.GetSession(ctx, sessionID)
	if err != nil {
		return nil, reconcile.BagReport{}, err
	}
	if !sess.Open() {
		return nil, reconcile.BagReport{}, reconcile.ErrSessionClosed
	}
	readings := make([]domain.BagReading, len(photos))
	g, gctx := errgroup.WithContext(ctx)
	for i, photo := range photos {
		g.Go(func() error {
			readings[i] = a.scanner.ScanMedicineBag(gctx, scanImage(photo))
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, reconcile.BagReport{}, err
	}
	var report reconcile.BagReport
	sess, err = a.sessions.mutate(ctx, sessionID, func(s *reconcile.Session) error {
		var err error
		report, err = s.ApplyBags(readings, a.ids)
		return err
	})
	if err != nil {
		return nil, reconcile.BagReport{}, err
	}
	util.LoggerFromContext(ctx).Info("bag scans applied", "session_id", sessionID, "matched", report.Matched, "unmatched", report.Unmatched)
	return sess, report, nil
}

func (a *App) EditEntry(ctx context.Context, sessionID, entryID string, patch reconcile.EntryPatch) (*reconcile.Session, error) {
	if patch.ImageURL != nil {
		compressed := imageutil.Compress(*patch.ImageURL, imageutil.ReferenceWidth)
		patch.ImageURL = &compressed
	}
	return a.sessions.mutate(ctx, sessionID, func(s *reconcile.Session) error {
		_, err := s.EditEntry(entryID, patch, a.ids)
		return err
	})
}

func (a *App) RemoveEntry(ctx context.Context, sessionID, entryID string) (*reconcile.Session, error) {
	return a.sessions.mutate(ctx, sessionID, func(s *reconcile.Session) error {
		return s.RemoveEntry(entryID, a.ids)
	})
}

// CommitSession writes the grouped reminders in one store write.
func (a *App) CommitSession(ctx context.Context, sessionID string) ([]domain.Reminder, error) {
	a.sessions.mu.Lock()
	defer a.sessions.mu.Unlock()
	sess, err := a.sessions.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	reminders, err := sess.Commit(ctx, a.store, func(s *reconcile.Session) error {
		return a.sessions.save(ctx, s)
	}, a.ids)
	if err != nil {
		return nil, err
	}
	util.LoggerFromContext(ctx).Info("scan session committed", "session_id", sess.ID, "patient_id", sess.PatientID, "reminders", len(reminders))
	if reminders == nil {
		reminders = []domain.Reminder{}
	}
	return reminders, nil
}

func (a *App) DiscardSession(ctx context.Context, sessionID string) error {
	_, err := a.sessions.mutate(ctx, sessionID, func(s *reconcile.Session) error {
		return s.Discard(a.ids)
	})
	return err
}

// scanImage shrinks a photo for the vision model; undecodable bytes are
// sent as they are.
func scanImage(photo []byte) ai.Image {
	if small, err := imageutil.CompressBytes(photo, imageutil.ScanWidth); err == nil {
		return ai.NewImage(small)
	}
	return ai.NewImage(photo)
}
