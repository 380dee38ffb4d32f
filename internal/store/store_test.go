package store

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aionixone/openact/internal/vault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)
	s.WithVault(v)
	return s
}

func TestOpenAppliesMigrationsIdempotently(t *testing.T) {
	s := newTestStore(t)

	var count int
	err := s.db.Get(&count, `SELECT COUNT(*) FROM schema_migrations`)
	require.NoError(t, err)
	require.GreaterOrEqual(t, count, 1)

	// Re-opening the same schema via migrate() again must be a no-op.
	require.NoError(t, s.migrate(context.Background()))
}

func TestNormalizePagination(t *testing.T) {
	require.Equal(t, DefaultPageLimit, normalizePagination(0))
	require.Equal(t, DefaultPageLimit, normalizePagination(-5))
	require.Equal(t, 50, normalizePagination(50))
	require.Equal(t, MaxPageLimit, normalizePagination(100000))
}

func mustExpiry(d time.Duration) time.Time {
	return time.Now().UTC().Add(d)
}
