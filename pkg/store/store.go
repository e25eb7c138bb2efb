// Package store persists patients and their reminder lists in a key-value
// backend. The key layout is shared with the browser client:
//
//	medicare_patients_v1             JSON array of patients
//	medicare_current_patient_id      current patient id (JSON string)
//	medicare_medications_<patientId> JSON array of reminders
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"medicare/pkg/domain"
)

const (
	PatientsKey       = "medicare_patients_v1"
	CurrentPatientKey = "medicare_current_patient_id"
	remindersPrefix   = "medicare_medications_"
)

// RemindersKey is the key holding one patient's reminder list.
func RemindersKey(patientID string) string {
	return remindersPrefix + patientID
}

// Store implements patient and reminder operations over a KV backend.
type Store struct {
	kv    KV
	now   func() time.Time
	newID func() string
}

func New(kv KV) *Store {
	return &Store{
		kv:    kv,
		now:   time.Now,
		newID: func() string { return "patient_" + uuid.NewString() },
	}
}

// KV returns the backend, for callers that keep their own keys next to ours.
func (s *Store) KV() KV { return s.kv }

func (s *Store) Close() error { return s.kv.Close() }

// PatientPatch carries the mutable patient fields; nil means unchanged.
type PatientPatch struct {
	Name       *string `json:"name,omitempty"`
	LineUserID *string `json:"lineUserId,omitempty"`
}

func (s *Store) ListPatients(ctx context.Context) ([]domain.Patient, error) {
	raw, ok, err := s.kv.Get(ctx, PatientsKey)
	if err != nil || !ok {
		return []domain.Patient{}, err
	}
	return decodePatients(raw)
}

func decodePatients(raw []byte) ([]domain.Patient, error) {
	patients := []domain.Patient{}
	if len(raw) == 0 {
		return patients, nil
	}
	if err := json.Unmarshal(raw, &patients); err != nil {
		return nil, fmt.Errorf("decode patients: %w", err)
	}
	return patients, nil
}

// GetPatient returns the patient with id, if any.
func (s *Store) GetPatient(ctx context.Context, id string) (domain.Patient, bool, error) {
	patients, err := s.ListPatients(ctx)
	if err != nil {
		return domain.Patient{}, false, err
	}
	for _, p := range patients {
		if p.ID == id {
			return p, true, nil
		}
	}
	return domain.Patient{}, false, nil
}

// AddPatient appends a new patient with a generated id.
func (s *Store) AddPatient(ctx context.Context, name, lineUserID string) (domain.Patient, error) {
	p := domain.Patient{
		ID:         s.newID(),
		Name:       strings.TrimSpace(name),
		LineUserID: strings.TrimSpace(lineUserID),
		CreatedAt:  s.now().UnixMilli(),
	}
	err := s.kv.Update(ctx, PatientsKey, func(raw []byte) ([]byte, error) {
		patients, err := decodePatients(raw)
		if err != nil {
			return nil, err
		}
		return json.Marshal(append(patients, p))
	})
	if err != nil {
		return domain.Patient{}, fmt.Errorf("add patient: %w", err)
	}
	return p, nil
}

// UpdatePatient applies patch to the patient with id. Unknown ids are a no-op.
func (s *Store) UpdatePatient(ctx context.Context, id string, patch PatientPatch) error {
	err := s.kv.Update(ctx, PatientsKey, func(raw []byte) ([]byte, error) {
		patients, err := decodePatients(raw)
		if err != nil {
			return nil, err
		}
		for i := range patients {
			if patients[i].ID != id {
				continue
			}
			if patch.Name != nil {
				patients[i].Name = strings.TrimSpace(*patch.Name)
			}
			if patch.LineUserID != nil {
				patients[i].LineUserID = strings.TrimSpace(*patch.LineUserID)
			}
			return json.Marshal(patients)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	return nil
}

// DeletePatient drops the patient's reminders, then the patient record.
// A current-patient pointer to it is cleared as well.
func (s *Store) DeletePatient(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, RemindersKey(id)); err != nil {
		return fmt.Errorf("delete reminders: %w", err)
	}
	err := s.kv.Update(ctx, PatientsKey, func(raw []byte) ([]byte, error) {
		patients, err := decodePatients(raw)
		if err != nil {
			return nil, err
		}
		kept := patients[:0]
		for _, p := range patients {
			if p.ID != id {
				kept = append(kept, p)
			}
		}
		if len(kept) == len(patients) {
			return nil, nil
		}
		return json.Marshal(kept)
	})
	if err != nil {
		return fmt.Errorf("delete patient: %w", err)
	}
	if current, ok, err := s.CurrentPatientID(ctx); err == nil && ok && current == id {
		return s.kv.Delete(ctx, CurrentPatientKey)
	}
	return nil
}

// CurrentPatientID returns the selected patient id, if one is set.
func (s *Store) CurrentPatientID(ctx context.Context) (string, bool, error) {
	raw, ok, err := s.kv.Get(ctx, CurrentPatientKey)
	if err != nil || !ok {
		return "", false, err
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		// Browser exports hold the bare id.
		id = string(raw)
	}
	id = strings.TrimSpace(id)
	return id, id != "", nil
}

func (s *Store) SetCurrentPatientID(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return s.kv.Delete(ctx, CurrentPatientKey)
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, CurrentPatientKey, raw)
}

// ResolvePatientID returns id when set, else the current patient id.
func (s *Store) ResolvePatientID(ctx context.Context, id string) (string, error) {
	if id = strings.TrimSpace(id); id != "" {
		return id, nil
	}
	current, ok, err := s.CurrentPatientID(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoPatient
	}
	return current, nil
}

// ListReminders returns the patient's reminders in stored order.
func (s *Store) ListReminders(ctx context.Context, patientID string) ([]domain.Reminder, error) {
	if patientID == "" {
		return []domain.Reminder{}, nil
	}
	raw, ok, err := s.kv.Get(ctx, RemindersKey(patientID))
	if err != nil || !ok {
		return []domain.Reminder{}, err
	}
	return decodeReminders(raw)
}

func decodeReminders(raw []byte) ([]domain.Reminder, error) {
	reminders := []domain.Reminder{}
	if len(raw) == 0 {
		return reminders, nil
	}
	if err := json.Unmarshal(raw, &reminders); err != nil {
		return nil, fmt.Errorf("decode reminders: %w", err)
	}
	return reminders, nil
}

// SaveReminder replaces the reminder with the same id in place, or appends it.
func (s *Store) SaveReminder(ctx context.Context, patientID string, r domain.Reminder) error {
	return s.SaveReminders(ctx, patientID, r)
}

// SaveReminders upserts every reminder in one atomic write.
func (s *Store) SaveReminders(ctx context.Context, patientID string, batch ...domain.Reminder) error {
	if patientID == "" {
		return ErrNoPatient
	}
	if len(batch) == 0 {
		return nil
	}
	err := s.kv.Update(ctx, RemindersKey(patientID), func(raw []byte) ([]byte, error) {
		current, err := decodeReminders(raw)
		if err != nil {
			return nil, err
		}
		for _, r := range batch {
			current = upsertReminder(current, r)
		}
		return json.Marshal(current)
	})
	if err != nil {
		return fmt.Errorf("save reminders: %w", err)
	}
	return nil
}

func upsertReminder(list []domain.Reminder, r domain.Reminder) []domain.Reminder {
	for i := range list {
		if list[i].ID.String() == r.ID.String() {
			list[i] = r
			return list
		}
	}
	return append(list, r)
}

// DeleteReminder removes the reminder with id. An empty patient id is a no-op.
func (s *Store) DeleteReminder(ctx context.Context, patientID, id string) error {
	if patientID == "" {
		return nil
	}
	err := s.kv.Update(ctx, RemindersKey(patientID), func(raw []byte) ([]byte, error) {
		if raw == nil {
			return nil, nil
		}
		current, err := decodeReminders(raw)
		if err != nil {
			return nil, err
		}
		kept := make([]domain.Reminder, 0, len(current))
		for _, r := range current {
			if r.ID.String() != id {
				kept = append(kept, r)
			}
		}
		return json.Marshal(kept)
	})
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	return nil
}

// ReplaceReminders overwrites the whole list.
func (s *Store) ReplaceReminders(ctx context.Context, patientID string, list []domain.Reminder) error {
	if patientID == "" {
		return ErrNoPatient
	}
	if list == nil {
		list = []domain.Reminder{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, RemindersKey(patientID), raw); err != nil {
		return fmt.Errorf("replace reminders: %w", err)
	}
	return nil
}

// Export renders the patient's list as indented JSON.
func (s *Store) Export(ctx context.Context, patientID string) ([]byte, error) {
	list, err := s.ListReminders(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(list, "", "  ")
}

// Import replaces the patient's list with text after checking that it is an
// array whose entries each have an id and a name or subItems.
func (s *Store) Import(ctx context.Context, patientID string, text []byte) error {
	if patientID == "" {
		return ErrNoPatient
	}
	list, err := ParseImport(text)
	if err != nil {
		return err
	}
	return s.ReplaceReminders(ctx, patientID, list)
}

// ParseImport validates and decodes an exported reminder list.
func ParseImport(text []byte) ([]domain.Reminder, error) {
	var elems []map[string]json.RawMessage
	if err := json.Unmarshal(text, &elems); err != nil || elems == nil {
		return nil, ErrInvalidImport
	}
	for i, e := range elems {
		_, hasSubItems := e["subItems"]
		if hasSubItems && isNull(e["subItems"]) {
			hasSubItems = false
		}
		if !truthy(e["id"]) || !(truthy(e["name"]) || hasSubItems) {
			return nil, fmt.Errorf("%w: entry %d needs an id and a name or subItems", ErrInvalidImport, i)
		}
	}
	var list []domain.Reminder
	if err := json.Unmarshal(text, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	return list, nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// truthy follows the loose rules the browser client used when validating:
// null, false, 0, "" and a missing value are false.
func truthy(raw json.RawMessage) bool {
	v := strings.TrimSpace(string(raw))
	switch v {
	case "", "null", "false", `""`:
		return false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0
	}
	return true
}
