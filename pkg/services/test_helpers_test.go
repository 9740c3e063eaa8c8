package services

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/leeoohoo/mcp-subagent-router/pkg/database"
	"github.com/stretchr/testify/require"
)

// newTestDB opens a fresh migrated database in a per-test temp directory.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	client, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "state.db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client.DB()
}
