package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atmx/league-engine/internal/config"
)

// Open builds the store selected by c.Driver, applying migrations when
// enabled. The returned close function releases its connections.
func Open(ctx context.Context, c config.DatabaseConfig) (Store, func(), error) {
	switch c.Driver {
	case "postgres":
		pool, err := OpenPostgres(ctx, c.DSN, int32(c.MaxConns))
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		st := NewPostgresStore(pool)
		closeFn := func() {
			st.Close()
			pool.Close()
		}
		if c.RunMigrations {
			if err := st.RunMigrations(ctx); err != nil {
				closeFn()
				return nil, nil, fmt.Errorf("migrations: %w", err)
			}
		}
		slog.Info("connected to PostgreSQL")
		return st, closeFn, nil

	case "sqlite":
		st, err := NewSQLiteStore(c.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if c.RunMigrations {
			if err := st.RunMigrations(ctx); err != nil {
				st.Close()
				return nil, nil, fmt.Errorf("migrations: %w", err)
			}
		}
		slog.Info("opened SQLite store", "dsn", c.DSN)
		return st, func() { st.Close() }, nil

	default:
		slog.Warn("using in-memory store (data will not persist)")
		return NewMemoryStore(), func() {}, nil
	}
}
