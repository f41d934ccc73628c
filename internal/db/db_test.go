package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE b = ? AND c = ?"
	assert.Equal(t, q, Rebind(SQLite, q))
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2", Rebind(Postgres, q))
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect("mongo", "x")
	require.Error(t, err)
}

func TestConnectAndMigrate_SQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "experiment.db")

	dbx, err := Connect(SQLite, path)
	require.NoError(t, err)
	defer dbx.Close()

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, dbx, SQLite))
	// idempotent
	require.NoError(t, Migrate(ctx, dbx, SQLite))

	for _, table := range []string{"participants", "chat_messages", "survey_responses", "llm_analyses", "events"} {
		var name string
		err := dbx.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		require.NoError(t, err, table)
	}
}
