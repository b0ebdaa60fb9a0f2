// Package testutil provides test utilities for database setup.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zmcptools/zmcp/internal/store"
)

// NewDB creates a fully migrated store in a per-test temp directory.
// Close is registered as test cleanup.
func NewDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "zmcp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
