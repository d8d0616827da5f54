package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaEnforcesForeignKeys(t *testing.T) {
	conn, err := InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer CloseDB(conn)

	require.NoError(t, EnsureSchema(conn))
	require.NoError(t, EnsureSchema(conn), "schema must be idempotent")

	_, err = conn.Exec(`INSERT INTO team_members (team_id, user_id, joined_at) VALUES ('nope', 'nobody', 'now')`)
	assert.Error(t, err)

	_, err = conn.Exec(`INSERT INTO users (id, username) VALUES ('u1', 'octocat')`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO teams (id, name, owner_id, created_at) VALUES ('t1', 'core', 'u1', 'now')`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO team_members (team_id, user_id, role, joined_at) VALUES ('t1', 'u1', 'owner', 'now')`)
	require.NoError(t, err)

	_, err = conn.Exec(`DELETE FROM teams WHERE id = 't1'`)
	require.NoError(t, err)
	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM team_members`).Scan(&n))
	assert.Equal(t, 0, n, "members cascade with their team")
}
