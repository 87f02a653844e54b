package runconfig

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_add_index.sql": {Data: []byte("CREATE INDEX idx ON agent_settings (updated_at);")},
		"0001_init.sql":      {Data: []byte("CREATE TABLE a (id INT);\n\nCREATE TABLE b (id INT);\n")},
		"0003_empty.sql":     {Data: []byte(" ;\n ")},
		"README.md":          {Data: []byte("not sql")},
		"nested/0004_x.sql":  {Data: []byte("SELECT 1;")},
	}
	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %+v", files)
	}
	if files[0].version != "0001" || len(files[0].statements) != 2 || files[1].version != "0002" {
		t.Fatalf("unexpected order: %+v", files)
	}
}

func TestEmbeddedMigrationsCreateSettingsTable(t *testing.T) {
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) == 0 || !strings.Contains(files[0].statements[0], "agent_settings") {
		t.Fatalf("embedded migrations = %+v", files)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_init.sql": "0001",
		"0002.sql":      "0002",
		"plain":         "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("%s: got %q want %q", name, got, want)
		}
	}
}
