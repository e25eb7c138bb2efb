package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"medicare/pkg/domain"
)

var (
	ErrEntryNotFound = errors.New("scan entry not found")
	ErrSessionClosed = errors.New("review session is closed")
)

// State of a review session.
type State string

const (
	StatePrescriptionScanned State = "prescription_scanned"
	StateCommitted           State = "committed"
	StateDiscarded           State = "discarded"
)

// Session is one prescription review: the candidate entries a caregiver
// corrects with bag scans and manual edits before committing them.
type Session struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patientId"`
	State     State     `json:"state"`
	Entries   []Entry   `json:"entries"`
	Warning   string    `json:"warning,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewSession flattens a prescription scan into an open session.
func NewSession(id, patientID string, items []domain.ExtractedItem, ids *IDSource) *Session {
	now := ids.Now()
	entries := Flatten(items, ids)
	return &Session{
		ID:        id,
		PatientID: patientID,
		State:     StatePrescriptionScanned,
		Entries:   entries,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Open reports whether the session still accepts changes.
func (s *Session) Open() bool { return s.State == StatePrescriptionScanned }

func (s *Session) touch(ids *IDSource) { s.UpdatedAt = ids.Now() }

// ApplyBags corrects entry times with bag readings in selection order.
func (s *Session) ApplyBags(readings []domain.BagReading, ids *IDSource) (BagReport, error) {
	if !s.Open() {
		return BagReport{}, ErrSessionClosed
	}
	var report BagReport
	s.Entries, report = ApplyBags(s.Entries, readings, ids)
	s.touch(ids)
	return report, nil
}

// EntryPatch holds the editable entry fields; nil leaves a field unchanged.
type EntryPatch struct {
	Name     *string `json:"name,omitempty"`
	Dosage   *string `json:"dosage,omitempty"`
	ImageURL *string `json:"imageUrl,omitempty"`
	Time     *string `json:"time,omitempty"`
}

// EditEntry patches the entry with id. Other entries that share the same
// scanned drug are not affected.
func (s *Session) EditEntry(id string, patch EntryPatch, ids *IDSource) (Entry, error) {
	if !s.Open() {
		return Entry{}, ErrSessionClosed
	}
	for i := range s.Entries {
		e := &s.Entries[i]
		if e.ID != id {
			continue
		}
		if patch.Name != nil {
			e.Item.Name = *patch.Name
		}
		if patch.Dosage != nil {
			e.Item.Dosage = *patch.Dosage
		}
		if patch.ImageURL != nil {
			e.Item.ImageURL = *patch.ImageURL
		}
		if patch.Time != nil {
			e.Time = *patch.Time
		}
		s.touch(ids)
		return *e, nil
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
}

// RemoveEntry drops the entry with id.
func (s *Session) RemoveEntry(id string, ids *IDSource) error {
	if !s.Open() {
		return ErrSessionClosed
	}
	for i, e := range s.Entries {
		if e.ID == id {
			s.Entries = append(s.Entries[:i:i], s.Entries[i+1:]...)
			s.touch(ids)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
}

// Saver persists a batch of reminders in one write.
type Saver interface {
	SaveReminders(ctx context.Context, patientID string, reminders ...domain.Reminder) error
}

// Checkpoint persists the session state.
type Checkpoint func(*Session) error

// Commit groups the entries into reminders and saves them all at once. The
// committed state is checkpointed before the reminders are written. When the
// checkpoint fails nothing is written. When the reminder write fails the
// session is reopened and checkpointed again.
func (s *Session) Commit(ctx context.Context, saver Saver, checkpoint Checkpoint, ids *IDSource) ([]domain.Reminder, error) {
	if !s.Open() {
		return nil, ErrSessionClosed
	}
	prev := *s
	reminders := Group(s.Entries, ids)
	s.State = StateCommitted
	s.touch(ids)
	if err := checkpoint(s); err != nil {
		*s = prev
		return nil, fmt.Errorf("commit scan: %w", err)
	}
	if len(reminders) > 0 {
		if err := saver.SaveReminders(ctx, s.PatientID, reminders...); err != nil {
			*s = prev
			s.touch(ids)
			if rerr := checkpoint(s); rerr != nil {
				return nil, fmt.Errorf("commit scan: %w", errors.Join(err, fmt.Errorf("reopen: %w", rerr)))
			}
			return nil, fmt.Errorf("commit scan: %w", err)
		}
	}
	return reminders, nil
}

// Discard closes the session without writing anything.
func (s *Session) Discard(ids *IDSource) error {
	if !s.Open() {
		return ErrSessionClosed
	}
	s.State = StateDiscarded
	s.Entries = nil
	s.touch(ids)
	return nil
}
