package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/openacterr"
)

func sampleConnection(trn string) *domain.Connection {
	return &domain.Connection{
		TRN:               trn,
		Name:              "github",
		AuthorizationType: domain.AuthAPIKey,
		AuthParameters: domain.AuthParameters{
			APIKeyName:     "Authorization",
			APIKeyLocation: "header",
			APIKeyValue:    "secret-token",
		},
		DefaultHeaders: domain.ValuesMap{"accept": {"application/json"}},
	}
}

func TestUpsertConnectionCreateThenGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := sampleConnection("trn:openact:acme:connection/github")

	created, err := s.UpsertConnection(ctx, "acme", conn)
	require.NoError(t, err)
	require.Equal(t, 1, created.Version)

	got, err := s.GetConnection(ctx, conn.TRN)
	require.NoError(t, err)
	require.Equal(t, "secret-token", got.AuthParameters.APIKeyValue)
	require.Equal(t, conn.Name, got.Name)
}

func TestUpsertConnectionVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := sampleConnection("trn:openact:acme:connection/github")

	_, err := s.UpsertConnection(ctx, "acme", conn)
	require.NoError(t, err)

	stale := sampleConnection(conn.TRN)
	stale.Version = 1
	stale.Name = "renamed"
	_, err = s.UpsertConnection(ctx, "acme", stale)
	require.NoError(t, err)

	stale2 := sampleConnection(conn.TRN)
	stale2.Version = 1 // already advanced to 2 by the previous update
	_, err = s.UpsertConnection(ctx, "acme", stale2)
	require.Error(t, err)
	require.Equal(t, openacterr.KindVersionConflict, openacterr.KindOf(err))
}

func TestGetConnectionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConnection(context.Background(), "trn:openact:acme:connection/missing")
	require.Error(t, err)
	require.Equal(t, openacterr.KindNotFound, openacterr.KindOf(err))
}

func TestListConnectionsOrderedByTRN(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"b", "a", "c"} {
		conn := sampleConnection("trn:openact:acme:connection/" + name)
		_, err := s.UpsertConnection(ctx, "acme", conn)
		require.NoError(t, err)
	}

	list, err := s.ListConnections(ctx, "acme", 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "trn:openact:acme:connection/a", list[0].TRN)
	require.Equal(t, "trn:openact:acme:connection/b", list[1].TRN)
	require.Equal(t, "trn:openact:acme:connection/c", list[2].TRN)
}

func TestDeleteConnectionCascadesTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := sampleConnection("trn:openact:acme:connection/github")
	_, err := s.UpsertConnection(ctx, "acme", conn)
	require.NoError(t, err)

	task := &domain.Task{
		TRN:           "trn:openact:acme:task/create-issue",
		Name:          "create-issue",
		ConnectionTRN: conn.TRN,
		APIEndpoint:   "https://api.github.com/issues",
		Method:        domain.MethodPOST,
	}
	_, err = s.UpsertTask(ctx, "acme", task)
	require.NoError(t, err)

	require.NoError(t, s.DeleteConnection(ctx, conn.TRN))

	_, err = s.GetTask(ctx, task.TRN)
	require.Error(t, err)
	require.Equal(t, openacterr.KindNotFound, openacterr.KindOf(err))
}

func TestDeleteConnectionNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.DeleteConnection(context.Background(), "trn:openact:acme:connection/missing")
	require.Error(t, err)
	require.Equal(t, openacterr.KindNotFound, openacterr.KindOf(err))
}
