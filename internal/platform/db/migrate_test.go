package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"001_core.sql":      {Data: []byte("CREATE TABLE users (id BIGSERIAL PRIMARY KEY);")},
		"002_cases.sql":     {Data: []byte("CREATE TABLE medical_cases (id BIGSERIAL PRIMARY KEY);")},
		"003_procedure.sql": {Data: []byte("CREATE TABLE exam_procedures (id BIGSERIAL PRIMARY KEY);")},
	}

	migrations, err := NewMigratorFS(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_core.sql" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
	if !strings.HasPrefix(migrations[1].SQL, "CREATE TABLE medical_cases") {
		t.Errorf("unexpected SQL content: %s", migrations[1].SQL)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	migrations, err := NewMigratorFS(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	expected := []int{1, 2, 5, 10}
	if len(migrations) != len(expected) {
		t.Fatalf("expected %d migrations, got %d", len(expected), len(migrations))
	}
	for i, v := range expected {
		if migrations[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_SkipsInvalidNames(t *testing.T) {
	fsys := fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no version prefix")},
		"notes.txt":          {Data: []byte("not sql")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric prefix")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
		"old/003_nested.sql": {Data: []byte("SELECT 3;")},
	}

	migrations, err := NewMigratorFS(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migrations))
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_core.sql":  {Data: []byte("SELECT 1;")},
		"1_shadow.sql":  {Data: []byte("SELECT 1;")},
		"002_cases.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := NewMigratorFS(nil, fsys).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestNewMigrator_ReadsDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_core.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatalf("write migration: %v", err)
	}

	migrations, err := NewMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(migrations))
	}
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	if _, err := NewMigrator(nil, "/nonexistent/path/that/does/not/exist").LoadMigrations(); err == nil {
		t.Error("expected error for non-existent directory")
	}
}

func TestPending(t *testing.T) {
	all := []Migration{{Version: 1}, {Version: 2}, {Version: 3}}
	done := map[int]time.Time{1: time.Now(), 3: time.Now()}

	got := pending(all, done)
	if len(got) != 1 || got[0].Version != 2 {
		t.Errorf("expected only version 2 pending, got %+v", got)
	}
}

func TestMigrationVersion(t *testing.T) {
	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"001_core.sql", 1, true},
		{"12_late.sql", 12, true},
		{"001_core.txt", 0, false},
		{"core.sql", 0, false},
		{"v1_core.sql", 0, false},
	}
	for _, tc := range tests {
		got, ok := migrationVersion(tc.name)
		if got != tc.want || ok != tc.ok {
			t.Errorf("migrationVersion(%q) = %d, %v; want %d, %v", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestRepositoryMigrationsLoad(t *testing.T) {
	migrations, err := NewMigrator(nil, "../../../migrations").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected repository migrations")
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("expected contiguous versions, migration %s has version %d", m.Name, m.Version)
		}
	}
}
