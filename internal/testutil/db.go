// Package testutil provides shared fixtures for component tests: a migrated
// throwaway store plus builders and presets that seed it with domain rows.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ordo-sh/ordo/internal/store"
)

// NewTestStore opens a migrated database under the test's temp directory.
// The handle closes with the test.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ordo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}
