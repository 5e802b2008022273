package db

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMigrationFile(t *testing.T, dir, name, sql string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o644); err != nil {
		t.Fatalf("write migration file: %v", err)
	}
}

func TestLoadMigrations_SortsByVersionAndSkipsNonNumericPrefix(t *testing.T) {
	dir := t.TempDir()
	writeMigrationFile(t, dir, "0002_indexes.sql", "CREATE INDEX x;")
	writeMigrationFile(t, dir, "0001_core.sql", "CREATE TABLE x (id text);")
	writeMigrationFile(t, dir, "readme.sql", "-- not a migration")
	writeMigrationFile(t, dir, "notes.txt", "ignored, not even sql")

	m := NewMigrator(nil, dir)
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("len(migrations) = %d, want 2", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Fatalf("migrations = %+v, want versions [1,2] in order", migrations)
	}
}

func TestLoadMigrations_EmptyDirectoryYieldsNoMigrations(t *testing.T) {
	dir := t.TempDir()
	m := NewMigrator(nil, dir)
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migrations) != 0 {
		t.Fatalf("migrations = %+v, want empty", migrations)
	}
}

func TestLoadMigrations_MissingDirectoryErrors(t *testing.T) {
	m := NewMigrator(nil, filepath.Join(t.TempDir(), "does-not-exist"))
	if _, err := m.LoadMigrations(); err == nil {
		t.Fatal("LoadMigrations with missing dir: want error, got nil")
	}
}
