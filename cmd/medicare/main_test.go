package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"medicare/pkg/domain"
	"medicare/pkg/sharecode"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func useSQLite(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(dir, "medicare.db"))
	t.Setenv("MEDIA_DIR", filepath.Join(dir, "media"))
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("MINIO_ENDPOINT", "")
}

func TestPatientsAddExportImport(t *testing.T) {
	useSQLite(t)
	out, err := run(t, "", "patients", "add", "王伯伯", "--select")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	id := strings.TrimSpace(out)
	if !strings.HasPrefix(id, "patient_") {
		t.Fatalf("add printed %q", out)
	}

	out, err = run(t, "", "patients", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "* "+id) || !strings.Contains(out, "王伯伯") {
		t.Fatalf("list = %q", out)
	}

	backup := `[{"id":"r1","time":"08:00","name":"Aspirin","dosage":"1 顆"}]`
	if out, err = run(t, backup, "import"); err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "imported 1 reminders") {
		t.Fatalf("import = %q", out)
	}
	out, err = run(t, "", "export", "--patient", id)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, `"name": "Aspirin"`) {
		t.Fatalf("export = %q", out)
	}

	if _, err := run(t, `{"bad":true}`, "import"); err == nil {
		t.Fatalf("expected invalid import error")
	}
}

func TestShareDecode(t *testing.T) {
	code, err := sharecode.Encode([]domain.Reminder{domain.NewLegacyReminder("r1", "09:00", "Concor", "1 顆", "data:image/jpeg;base64,AAAA", 1)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := run(t, "", "share", "decode", code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(out, `"time": "09:00"`) || !strings.Contains(out, domain.DefaultImage) {
		t.Fatalf("decode = %q", out)
	}
	if _, err := run(t, "", "share", "decode", "!!!"); err == nil {
		t.Fatalf("expected invalid code error")
	}
}
