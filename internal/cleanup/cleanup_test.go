package cleanup

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/openacterr"
	"github.com/aionixone/openact/internal/store"
	"github.com/aionixone/openact/internal/vault"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)
	st.WithVault(v)
	return st
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedCheckpoint(t *testing.T, st *store.Store, runID string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, st.PutCheckpoint(context.Background(), &domain.Checkpoint{
		RunID:       runID,
		PausedState: "AwaitingCallback",
		Context:     map[string]any{"tenant": "acme"},
		AwaitMeta:   map[string]any{"state": "s"},
		ExpiresAt:   expiresAt,
	}))
}

func TestRunPurgesExpiredCheckpointsOnly(t *testing.T) {
	st := newTestStore(t)
	seedCheckpoint(t, st, "expired", time.Now().UTC().Add(-time.Minute))
	seedCheckpoint(t, st, "live", time.Now().UTC().Add(time.Hour))

	svc := NewService(st, testLogger(), false)
	result, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.CheckpointsDeleted)
	assert.Zero(t, result.TokensPurged)

	_, err = st.GetCheckpoint(context.Background(), "live")
	require.NoError(t, err)
}

func TestRunPurgesRevokedTokensWhenEnabled(t *testing.T) {
	st := newTestStore(t)

	auth := &domain.AuthConnection{
		TRN:         "trn:openact:acme:auth_connection/gh",
		Tenant:      "acme",
		Provider:    "gh",
		AccessToken: "tok",
	}
	_, err := st.UpsertAuthConnection(context.Background(), "acme", auth)
	require.NoError(t, err)
	require.NoError(t, st.RevokeAuthConnection(context.Background(), auth.TRN))

	svc := NewService(st, testLogger(), true)
	result, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.TokensPurged)

	_, err = st.GetAuthConnection(context.Background(), auth.TRN)
	assert.Equal(t, openacterr.KindNotFound, openacterr.KindOf(err))

	// The purge leaves an audit trail: Create, then Delete.
	history, err := st.ListAuthConnectionHistory(context.Background(), auth.TRN, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.HistoryDelete, history[0].Operation)
}

func TestRunSkipsRevokedTokensWhenDisabled(t *testing.T) {
	st := newTestStore(t)

	auth := &domain.AuthConnection{
		TRN:         "trn:openact:acme:auth_connection/gh",
		Tenant:      "acme",
		Provider:    "gh",
		AccessToken: "tok",
	}
	_, err := st.UpsertAuthConnection(context.Background(), "acme", auth)
	require.NoError(t, err)
	require.NoError(t, st.RevokeAuthConnection(context.Background(), auth.TRN))

	svc := NewService(st, testLogger(), false)
	result, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.TokensPurged)

	_, err = st.GetAuthConnection(context.Background(), auth.TRN)
	require.NoError(t, err)
}
