// Package dbtest opens throwaway databases for tests.
package dbtest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angariumd/gpuledger/internal/db"
)

// New opens a fresh database file under t.TempDir with the schema applied.
// It is closed when the test finishes.
func New(t testing.TB) *db.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "gpuledger_test.db"), db.Options{
		BusyTimeout:     5 * time.Second,
		MaxRetryElapsed: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, database.Init())
	return database
}
