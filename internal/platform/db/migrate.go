package db

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one NNN_name.sql file.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationStatus is a migration as seen from one schema.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies numbered SQL files to a tenant schema. Applied versions
// are tracked in that schema's _migrations table.
type Migrator struct {
	pool *pgxpool.Pool
	fsys fs.FS
}

func NewMigrator(pool *pgxpool.Pool, migrationsDir string) *Migrator {
	return NewMigratorFS(pool, os.DirFS(migrationsDir))
}

func NewMigratorFS(pool *pgxpool.Pool, fsys fs.FS) *Migrator {
	return &Migrator{pool: pool, fsys: fsys}
}

// migrationVersion parses the numeric prefix of "007_cases.sql".
func migrationVersion(name string) (int, bool) {
	if path.Ext(name) != ".sql" {
		return 0, false
	}
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(prefix)
	return v, err == nil
}

// LoadMigrations reads the top-level migration files in version order.
// Files without a numeric prefix are ignored; a repeated version is an error.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	byVersion := make(map[int]string, len(entries))
	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, ok := migrationVersion(entry.Name())
		if !ok {
			continue
		}
		if prev, dup := byVersion[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, prev, entry.Name())
		}
		byVersion[version] = entry.Name()

		body, err := fs.ReadFile(m.fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: entry.Name(), SQL: string(body)})
	}
	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}

// plan loads the migration files and the versions already applied to schema.
func (m *Migrator) plan(ctx context.Context, schema string) ([]Migration, map[int]time.Time, error) {
	qs := quoteSchema(schema)
	if _, err := m.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+qs+`._migrations (
    version INTEGER PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return nil, nil, fmt.Errorf("create _migrations table in %s: %w", schema, err)
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, nil, err
	}

	rows, err := m.pool.Query(ctx, `SELECT version, applied_at FROM `+qs+`._migrations`)
	if err != nil {
		return nil, nil, fmt.Errorf("query applied versions in %s: %w", schema, err)
	}
	type appliedRow struct {
		Version   int
		AppliedAt time.Time
	}
	applied, err := pgx.CollectRows(rows, pgx.RowToStructByPos[appliedRow])
	if err != nil {
		return nil, nil, fmt.Errorf("scan applied versions: %w", err)
	}
	done := make(map[int]time.Time, len(applied))
	for _, a := range applied {
		done[a.Version] = a.AppliedAt
	}
	return migrations, done, nil
}

func pending(all []Migration, done map[int]time.Time) []Migration {
	return slices.DeleteFunc(slices.Clone(all), func(mig Migration) bool {
		_, ok := done[mig.Version]
		return ok
	})
}

// Up runs every pending migration, one transaction each, and reports how
// many were applied before any failure.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	migrations, done, err := m.plan(ctx, schema)
	if err != nil {
		return 0, err
	}
	todo := pending(migrations, done)
	for i, mig := range todo {
		if err := m.apply(ctx, schema, mig); err != nil {
			return i, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	return len(todo), nil
}

func (m *Migrator) apply(ctx context.Context, schema string, mig Migration) error {
	return pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+quoteSchema(schema)+", public"); err != nil {
			return fmt.Errorf("set search_path: %w", err)
		}
		if _, err := tx.Exec(ctx, mig.SQL); err != nil {
			return fmt.Errorf("execute SQL: %w", err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO _migrations (version, name) VALUES ($1, $2)", mig.Version, mig.Name); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
		return nil
	})
}

// Status lists every migration file with whether schema has it applied.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	migrations, done, err := m.plan(ctx, schema)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, len(migrations))
	for i, mig := range migrations {
		out[i] = MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := done[mig.Version]; ok {
			out[i].Applied = true
			out[i].AppliedAt = &at
		}
	}
	return out, nil
}
