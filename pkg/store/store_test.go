package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"medicare/pkg/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(NewMemoryKV(0))
}

func reminder(id, at string, names ...string) domain.Reminder {
	r := domain.Reminder{ID: domain.ID(id), Time: at, Type: domain.TypeMedicine, CreatedAt: 1}
	for i, n := range names {
		r.SubItems = append(r.SubItems, domain.MedicationItem{
			ID:             domain.ID(id + "-" + string(rune('a'+i))),
			Name:           n,
			Dosage:         "1 pill",
			ReferenceImage: domain.DefaultImage,
		})
	}
	return r
}

func TestPatientLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.AddPatient(ctx, " Grandma ", "U123")
	if err != nil {
		t.Fatalf("add patient: %v", err)
	}
	if !strings.HasPrefix(a.ID, "patient_") || a.Name != "Grandma" || a.CreatedAt == 0 {
		t.Fatalf("unexpected patient: %+v", a)
	}
	b, err := s.AddPatient(ctx, "Grandpa", "")
	if err != nil {
		t.Fatalf("add patient: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("patient ids must be unique")
	}

	name := "Grandma Lin"
	if err := s.UpdatePatient(ctx, a.ID, PatientPatch{Name: &name}); err != nil {
		t.Fatalf("update patient: %v", err)
	}
	if err := s.UpdatePatient(ctx, "patient_missing", PatientPatch{Name: &name}); err != nil {
		t.Fatalf("update missing patient should be a no-op: %v", err)
	}
	got, ok, err := s.GetPatient(ctx, a.ID)
	if err != nil || !ok {
		t.Fatalf("get patient: ok %v err %v", ok, err)
	}
	if got.Name != name || got.LineUserID != "U123" {
		t.Fatalf("patched patient = %+v", got)
	}

	if err := s.SaveReminder(ctx, a.ID, reminder("r1", "09:00", "Aspirin")); err != nil {
		t.Fatalf("save reminder: %v", err)
	}
	if err := s.SetCurrentPatientID(ctx, a.ID); err != nil {
		t.Fatalf("set current: %v", err)
	}
	if err := s.DeletePatient(ctx, a.ID); err != nil {
		t.Fatalf("delete patient: %v", err)
	}
	if _, ok, _ := s.KV().Get(ctx, RemindersKey(a.ID)); ok {
		t.Fatal("reminder list should be removed with its patient")
	}
	if _, ok, _ := s.CurrentPatientID(ctx); ok {
		t.Fatal("current pointer should be cleared when its patient is deleted")
	}
	patients, _ := s.ListPatients(ctx)
	if len(patients) != 1 || patients[0].ID != b.ID {
		t.Fatalf("patients after delete = %+v", patients)
	}
}

func TestResolvePatientID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.ResolvePatientID(ctx, ""); !errors.Is(err, ErrNoPatient) {
		t.Fatalf("resolve without current = %v, want ErrNoPatient", err)
	}
	if err := s.SetCurrentPatientID(ctx, "patient_1"); err != nil {
		t.Fatalf("set current: %v", err)
	}
	if id, _ := s.ResolvePatientID(ctx, ""); id != "patient_1" {
		t.Fatalf("resolve current = %q", id)
	}
	if id, _ := s.ResolvePatientID(ctx, "patient_2"); id != "patient_2" {
		t.Fatalf("explicit id = %q", id)
	}
}

func TestCurrentPatientIDAcceptsBareValue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.KV().Set(ctx, CurrentPatientKey, []byte("patient_42")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if id, ok, err := s.CurrentPatientID(ctx); err != nil || !ok || id != "patient_42" {
		t.Fatalf("current = %q ok %v err %v", id, ok, err)
	}
}

func TestSaveReminderUpsertsInPlace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pid := "patient_1"

	for _, r := range []domain.Reminder{
		reminder("1", "08:00", "A"),
		reminder("2", "12:00", "B"),
		reminder("3", "20:00", "C"),
	} {
		if err := s.SaveReminder(ctx, pid, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := s.SaveReminder(ctx, pid, reminder("2", "13:00", "B2")); err != nil {
		t.Fatalf("save update: %v", err)
	}
	list, err := s.ListReminders(ctx, pid)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if list[1].ID != "2" || list[1].Time != "13:00" || list[1].Name() != "B2" {
		t.Fatalf("updated reminder = %+v", list[1])
	}
}

func TestSaveReminderMatchesNumericIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pid := "patient_1"
	if err := s.KV().Set(ctx, RemindersKey(pid), []byte(`[{"id":1700000000000,"time":"08:00","name":"Old","dosage":"1"}]`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.SaveReminder(ctx, pid, reminder("1700000000000", "09:00", "New")); err != nil {
		t.Fatalf("save: %v", err)
	}
	list, _ := s.ListReminders(ctx, pid)
	if len(list) != 1 || list[0].Time != "09:00" {
		t.Fatalf("list = %+v", list)
	}
}

func TestSaveReminderRequiresPatient(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveReminder(context.Background(), "", reminder("1", "08:00", "A")); !errors.Is(err, ErrNoPatient) {
		t.Fatalf("save without patient = %v, want ErrNoPatient", err)
	}
}

func TestSaveRemindersQuota(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryKV(400))
	pid := "patient_1"
	if err := s.SaveReminder(ctx, pid, reminder("1", "08:00", "A")); err != nil {
		t.Fatalf("first save: %v", err)
	}
	huge := reminder("2", "09:00", strings.Repeat("x", 500))
	if err := s.SaveReminder(ctx, pid, huge); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("save huge = %v, want ErrQuotaExceeded", err)
	}
	list, _ := s.ListReminders(ctx, pid)
	if len(list) != 1 {
		t.Fatalf("quota failure must keep the old list, got %d entries", len(list))
	}
}

func TestDeleteReminder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pid := "patient_1"
	_ = s.SaveReminders(ctx, pid, reminder("1", "08:00", "A"), reminder("2", "09:00", "B"))

	if err := s.DeleteReminder(ctx, pid, "1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteReminder(ctx, "", "2"); err != nil {
		t.Fatalf("delete without patient should be a no-op: %v", err)
	}
	list, _ := s.ListReminders(ctx, pid)
	if len(list) != 1 || list[0].ID != "2" {
		t.Fatalf("list = %+v", list)
	}
	if empty, _ := s.ListReminders(ctx, ""); len(empty) != 0 {
		t.Fatalf("empty patient id should list nothing, got %d", len(empty))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.SaveReminders(ctx, "p1", reminder("1", "08:00", "A", "B"), reminder("2", "21:00", "C"))

	out, err := s.Export(ctx, "p1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(string(out), "\n  {") {
		t.Fatalf("export should be indented with two spaces:\n%s", out)
	}
	if err := s.Import(ctx, "p2", out); err != nil {
		t.Fatalf("import: %v", err)
	}
	src, _ := s.ListReminders(ctx, "p1")
	dst, _ := s.ListReminders(ctx, "p2")
	a, _ := json.Marshal(src)
	b, _ := json.Marshal(dst)
	if string(a) != string(b) {
		t.Fatalf("round trip mismatch:\n%s\n%s", a, b)
	}
}

func TestExportImportRoundTripWithoutItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed := `[{"id":"r1","time":"09:00","type":"medicine","audioNote":"","subItems":[],"name":"","dosage":"","referenceImage":"","createdAt":1}]`
	if err := s.Import(ctx, "p1", []byte(seed)); err != nil {
		t.Fatalf("import seed: %v", err)
	}
	if err := s.SaveReminder(ctx, "p1", domain.Reminder{ID: "r2", Time: "10:00", Type: domain.TypeMedicine, CreatedAt: 2}); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := s.Export(ctx, "p1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var elems []map[string]json.RawMessage
	if err := json.Unmarshal(out, &elems); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	for i, e := range elems {
		if got := string(e["subItems"]); got != "[]" {
			t.Fatalf("entry %d subItems = %q, want %q", i, got, "[]")
		}
	}
	if err := s.Import(ctx, "p2", out); err != nil {
		t.Fatalf("re-import export: %v", err)
	}
	dst, _ := s.ListReminders(ctx, "p2")
	if len(dst) != 2 || dst[0].ID != "r1" || dst[1].ID != "r2" {
		t.Fatalf("re-imported = %+v", dst)
	}
	if dst[0].SubItems == nil || len(dst[0].SubItems) != 0 {
		t.Fatalf("subItems = %#v, want empty slice", dst[0].SubItems)
	}
}

func TestImportValidation(t *testing.T) {
	tests := []struct {
		name string
		text string
		ok   bool
	}{
		{"legacy entry", `[{"id":"1","time":"08:00","name":"A"}]`, true},
		{"subitems only", `[{"id":2,"time":"08:00","subItems":[]}]`, true},
		{"empty array", `[]`, true},
		{"missing id", `[{"time":"08:00","name":"A"}]`, false},
		{"zero id", `[{"id":0,"name":"A"}]`, false},
		{"empty name no subitems", `[{"id":"1","name":""}]`, false},
		{"null subitems", `[{"id":"1","subItems":null}]`, false},
		{"object", `{"id":"1"}`, false},
		{"garbage", `not json`, false},
		{"null", `null`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t)
			_ = s.SaveReminder(ctx, "p", reminder("keep", "07:00", "Keep"))
			err := s.Import(ctx, "p", []byte(tt.text))
			if tt.ok && err != nil {
				t.Fatalf("import: %v", err)
			}
			if !tt.ok {
				if !errors.Is(err, ErrInvalidImport) {
					t.Fatalf("import = %v, want ErrInvalidImport", err)
				}
				list, _ := s.ListReminders(ctx, "p")
				if len(list) != 1 || list[0].ID != "keep" {
					t.Fatalf("failed import must not write, list = %+v", list)
				}
			}
		})
	}
}

func TestImportRequiresPatient(t *testing.T) {
	s := newTestStore(t)
	if err := s.Import(context.Background(), "", []byte(`[]`)); !errors.Is(err, ErrNoPatient) {
		t.Fatalf("import = %v, want ErrNoPatient", err)
	}
}

func TestLegacyReminderSurvivesReadWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	raw := `[{"id":"9","time":"10:00","type":"medicine","audioNote":"","name":"Metformin","dosage":"500mg","referenceImage":"data:x","createdAt":5}]`
	if err := s.KV().Set(ctx, RemindersKey("p"), []byte(raw)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.SaveReminder(ctx, "p", reminder("10", "11:00", "Other")); err != nil {
		t.Fatalf("save: %v", err)
	}
	list, _ := s.ListReminders(ctx, "p")
	legacy := list[0]
	if legacy.Name() != "Metformin" || legacy.Dosage() != "500mg" || legacy.ReferenceImage() != "data:x" {
		t.Fatalf("legacy fields lost: %+v", legacy)
	}
	items := legacy.Items()
	if len(items) != 1 || items[0].Name != "Metformin" {
		t.Fatalf("legacy projection = %+v", items)
	}
}
