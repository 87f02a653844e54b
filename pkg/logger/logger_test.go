package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterRotatesBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "runs.log")
	w, err := newRotatingWriter(path, 1, 2, 1)
	if err != nil {
		t.Fatalf("new rotating writer: %v", err)
	}
	w.limit = 16
	defer w.Close()

	for _, line := range []string{"0123456789\n", "abcdefghij\n", "klmnopqrst\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if string(current) != "klmnopqrst\n" {
		t.Fatalf("unexpected current content: %q", current)
	}
	first, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(first) != "abcdefghij\n" {
		t.Fatalf("unexpected backup content: %q", first)
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatalf("expected second backup: %v", err)
	}
}

func TestInitWritesAuditToFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.log")
	if err := Init(Config{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{filepath.Join(dir, "app.log")},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		_ = Init(Config{})
	})

	Audit().Info("run_finished", "run_id", "r-1")
	Named("api").Debug("debug line")

	content, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if !strings.Contains(string(content), `"run_id":"r-1"`) {
		t.Fatalf("audit record missing: %s", content)
	}
	app, err := os.ReadFile(filepath.Join(dir, "app.log"))
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(app), `"component":"api"`) {
		t.Fatalf("component attribute missing: %s", app)
	}
}
