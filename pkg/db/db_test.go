package db

import (
	"path/filepath"
	"testing"
)

func TestNewCreatesFileAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "aggregator.db")

	d, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	// Running migrations twice must be a no-op.
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}

	for _, table := range []string{"contract_specs", "risk_daily"} {
		var name string
		err := d.DB.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}

	ok, err := columnExists(d.DB, "risk_daily", "violations")
	if err != nil || !ok {
		t.Fatalf("migrated column missing: ok=%v err=%v", ok, err)
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New with empty path should fail")
	}
}
