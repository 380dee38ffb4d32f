package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/openacterr"
)

func sampleAuthConnection(trn string) *domain.AuthConnection {
	expires := time.Now().UTC().Add(time.Hour)
	return &domain.AuthConnection{
		TRN:          trn,
		Tenant:       "acme",
		Provider:     "okta",
		UserID:       "user-1",
		AccessToken:  "access-token-value",
		RefreshToken: "refresh-token-value",
		ExtraData:    map[string]any{"id_token": "opaque"},
		TokenType:    "Bearer",
		ExpiresAt:    &expires,
		Scope:        "read write",
	}
}

func TestUpsertAuthConnectionCreateThenGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	auth := sampleAuthConnection("trn:openact:acme:auth_connection/okta-run1")

	created, err := s.UpsertAuthConnection(ctx, "acme", auth)
	require.NoError(t, err)
	require.Equal(t, 1, created.Version)

	got, err := s.GetAuthConnection(ctx, auth.TRN)
	require.NoError(t, err)
	require.Equal(t, "access-token-value", got.AccessToken)
	require.Equal(t, "refresh-token-value", got.RefreshToken)
	require.Equal(t, "opaque", got.ExtraData["id_token"])
	require.NotNil(t, got.ExpiresAt)

	history, err := s.ListAuthConnectionHistory(ctx, auth.TRN, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, domain.HistoryCreate, history[0].Operation)
}

func TestUpsertAuthConnectionWithoutRefreshToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	auth := sampleAuthConnection("trn:openact:acme:auth_connection/okta-run2")
	auth.RefreshToken = ""
	auth.ExtraData = nil

	_, err := s.UpsertAuthConnection(ctx, "acme", auth)
	require.NoError(t, err)

	got, err := s.GetAuthConnection(ctx, auth.TRN)
	require.NoError(t, err)
	require.Empty(t, got.RefreshToken)
	require.Empty(t, got.ExtraData)
}

func TestUpsertAuthConnectionVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	auth := sampleAuthConnection("trn:openact:acme:auth_connection/okta-run3")
	_, err := s.UpsertAuthConnection(ctx, "acme", auth)
	require.NoError(t, err)

	stale := *auth
	stale.Version = 1
	_, err = s.UpsertAuthConnection(ctx, "acme", &stale)
	require.NoError(t, err)

	stale2 := *auth
	stale2.Version = 1
	_, err = s.UpsertAuthConnection(ctx, "acme", &stale2)
	require.Error(t, err)
	require.Equal(t, openacterr.KindVersionConflict, openacterr.KindOf(err))
}

func TestDeleteAuthConnectionWritesHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	auth := sampleAuthConnection("trn:openact:acme:auth_connection/okta-run4")
	_, err := s.UpsertAuthConnection(ctx, "acme", auth)
	require.NoError(t, err)

	require.NoError(t, s.DeleteAuthConnection(ctx, auth.TRN, "user revoked access"))

	_, err = s.GetAuthConnection(ctx, auth.TRN)
	require.Error(t, err)
	require.Equal(t, openacterr.KindNotFound, openacterr.KindOf(err))

	history, err := s.ListAuthConnectionHistory(ctx, auth.TRN, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, domain.HistoryDelete, history[0].Operation)
	require.Equal(t, "user revoked access", history[0].Reason)
}

func TestRevokeAuthConnection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	auth := sampleAuthConnection("trn:openact:acme:auth_connection/okta-run5")
	_, err := s.UpsertAuthConnection(ctx, "acme", auth)
	require.NoError(t, err)

	require.NoError(t, s.RevokeAuthConnection(ctx, auth.TRN))

	err = s.RevokeAuthConnection(ctx, auth.TRN)
	require.Error(t, err)
	require.Equal(t, openacterr.KindNotFound, openacterr.KindOf(err))
}

func TestListAuthConnectionsByProvider(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := sampleAuthConnection("trn:openact:acme:auth_connection/okta-a")
	a2 := sampleAuthConnection("trn:openact:acme:auth_connection/okta-b")
	a2.Provider = "auth0"

	_, err := s.UpsertAuthConnection(ctx, "acme", a1)
	require.NoError(t, err)
	_, err = s.UpsertAuthConnection(ctx, "acme", a2)
	require.NoError(t, err)

	list, err := s.ListAuthConnectionsByProvider(ctx, "acme", "okta", 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, a1.TRN, list[0].TRN)
}
