package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// RunMigrations applies the embedded SQL files for the store's dialect in
// lexicographic order and records them in schema_migrations.
func (s *SQLStore) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);`
	if _, err := s.db.ExecContext(ctx, createTracker); err != nil {
		return fmt.Errorf("%s: create schema_migrations table: %w", s.d.name, err)
	}

	dir := "migrations/" + s.d.name
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("%s: read migrations dir: %w", s.d.name, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		if err := s.applyMigration(ctx, dir, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) applyMigration(ctx context.Context, dir, name string) error {
	var applied int
	err := s.db.QueryRowContext(ctx,
		s.d.rebind(`SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`), name).Scan(&applied)
	if err != nil {
		return fmt.Errorf("%s: check migration %s: %w", s.d.name, name, err)
	}
	if applied > 0 {
		return nil
	}

	data, err := migrationsFS.ReadFile(dir + "/" + name)
	if err != nil {
		return fmt.Errorf("%s: read migration %s: %w", s.d.name, name, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin tx for %s: %w", s.d.name, name, err)
	}
	if _, err := tx.ExecContext(ctx, string(data)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%s: exec migration %s: %w", s.d.name, name, err)
	}
	if _, err := tx.ExecContext(ctx,
		s.d.rebind(`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`),
		name, nowText()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%s: record migration %s: %w", s.d.name, name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit migration %s: %w", s.d.name, name, err)
	}
	return nil
}
