// Package kvstoretest provides an ephemeral kvstore.Store for tests.
//
// Adapted from the teacher's testdb.NewDatabase (same New(t) *T shape,
// same t.Cleanup teardown), re-targeted from a spun-up Postgres database to
// an in-memory sqlite file since the embedded store needs no external
// server to tear down.
package kvstoretest

import (
	"testing"

	"github.com/clems4ever/evmcacheproxy/internal/kvstore"
	"github.com/stretchr/testify/require"
)

// New opens a fresh, isolated kvstore.Store backed by an in-memory sqlite
// database, closed automatically at test cleanup.
func New(t *testing.T) *kvstore.Store {
	t.Helper()
	// A unique name (rather than the bare ":memory:") keeps parallel tests
	// from ever sharing a connection-pooled in-memory database.
	store, err := kvstore.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
