// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package database_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uhcare/recoveryd/internal/database"
)

func TestOpenRunsMigrations(t *testing.T) {
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var tables []string
	require.NoError(t, db.Select(&tables,
		`SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`))

	assert.Contains(t, tables, "users")
	assert.Contains(t, tables, "recovery_tokens")
}

func TestOpenIsIdempotent(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "recovery.db")

	db, err := database.Open(dsn)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening applies no pending migrations and succeeds
	db, err = database.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var count int64
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM users`))
	assert.Equal(t, int64(0), count)
}
