package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/league-engine/internal/config"
	"github.com/atmx/league-engine/internal/model"
	"github.com/atmx/league-engine/internal/store"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	st, closeFn, err := store.Open(ctx, config.DatabaseConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, st)
	closeFn()

	path := filepath.Join(t.TempDir(), "league.db")
	st, closeFn, err = store.Open(ctx, config.DatabaseConfig{Driver: "sqlite", DSN: path, RunMigrations: true})
	require.NoError(t, err)
	seed(t, st)
	closeFn()

	// Reopening the same file keeps the data and reapplies no migration.
	st, closeFn, err = store.Open(ctx, config.DatabaseConfig{Driver: "sqlite", DSN: path, RunMigrations: true})
	require.NoError(t, err)
	defer closeFn()
	m, err := st.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, m.Status)
}
