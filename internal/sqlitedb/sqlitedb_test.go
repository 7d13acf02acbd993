package sqlitedb

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var testSchema = Schema{
	Version: 2,
	DDL: `CREATE TABLE IF NOT EXISTS notes (id INTEGER PRIMARY KEY, body TEXT NOT NULL, tag TEXT);`,
	Migrations: map[int]string{
		2: `ALTER TABLE notes ADD COLUMN tag TEXT;`,
	},
}

func TestOpenWithRecovery_FreshDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "test.db")
	db, recovered, err := OpenWithRecovery(t.Context(), path, 1, testSchema)
	if err != nil {
		t.Fatalf("OpenWithRecovery: %v", err)
	}
	defer db.Close()
	if recovered {
		t.Error("fresh database should not report recovery")
	}

	version, err := getSchemaVersion(t.Context(), db)
	if err != nil {
		t.Fatalf("getSchemaVersion: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
	if err := ValidateIntegrity(t.Context(), db); err != nil {
		t.Errorf("ValidateIntegrity: %v", err)
	}
}

func TestOpenWithRecovery_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, _, err := OpenWithRecovery(t.Context(), path, 1, testSchema)
	if err != nil {
		t.Fatalf("OpenWithRecovery: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO notes (body) VALUES ('kept')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	db.Close()

	db, recovered, err := OpenWithRecovery(t.Context(), path, 1, testSchema)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if recovered {
		t.Error("healthy database should not be recovered")
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM notes`).Scan(&n); err != nil || n != 1 {
		t.Errorf("count = %d, err = %v", n, err)
	}
}

func TestOpenWithRecovery_QuarantinesGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	if err := os.WriteFile(path, []byte(strings.Repeat("this is not sqlite ", 512)), 0644); err != nil {
		t.Fatal(err)
	}

	db, recovered, err := OpenWithRecovery(t.Context(), path, 1, testSchema)
	if err != nil {
		t.Fatalf("OpenWithRecovery: %v", err)
	}
	defer db.Close()
	if !recovered {
		t.Error("expected recovery for a garbage file")
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "test.db.corrupt-*"))
	if len(matches) != 1 {
		t.Errorf("expected one quarantined file, got %v", matches)
	}
}
