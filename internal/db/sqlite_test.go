package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.db")

	conn, err := Open(path)
	require.NoError(t, err)
	defer conn.Close()

	for _, table := range []string{"snapshots", "workspaces", "workspace_activity", "dead_letters"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestOpen_IsReentrant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.db")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	assert.NoError(t, second.Close())
}

func TestNewTestDB(t *testing.T) {
	conn, err := NewTestDB()
	require.NoError(t, err)
	defer conn.Close()

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM workspaces`).Scan(&n))
	assert.Zero(t, n)
}
