package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/openacterr"
)

func seedConnection(t *testing.T, s *Store, trn string) *domain.Connection {
	t.Helper()
	conn := sampleConnection(trn)
	created, err := s.UpsertConnection(context.Background(), "acme", conn)
	require.NoError(t, err)
	return created
}

func TestUpsertTaskCreateThenGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, "trn:openact:acme:connection/github")

	task := &domain.Task{
		TRN:           "trn:openact:acme:task/create-issue",
		Name:          "create-issue",
		ConnectionTRN: conn.TRN,
		APIEndpoint:   "https://api.github.com/repos/acme/widgets/issues",
		Method:        domain.MethodPOST,
		Headers:       domain.ValuesMap{"content-type": {"application/json"}},
		RequestBody:   map[string]any{"title": "bug report"},
	}

	created, err := s.UpsertTask(ctx, "acme", task)
	require.NoError(t, err)
	require.Equal(t, 1, created.Version)

	got, err := s.GetTask(ctx, task.TRN)
	require.NoError(t, err)
	require.Equal(t, task.APIEndpoint, got.APIEndpoint)
	require.Equal(t, domain.MethodPOST, got.Method)
	require.NotNil(t, got.RequestBody)
}

func TestUpsertTaskVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, "trn:openact:acme:connection/github")

	task := &domain.Task{
		TRN:           "trn:openact:acme:task/create-issue",
		Name:          "create-issue",
		ConnectionTRN: conn.TRN,
		APIEndpoint:   "https://api.github.com/issues",
		Method:        domain.MethodPOST,
	}
	_, err := s.UpsertTask(ctx, "acme", task)
	require.NoError(t, err)

	stale := *task
	stale.Version = 1
	_, err = s.UpsertTask(ctx, "acme", &stale)
	require.NoError(t, err)

	stale2 := *task
	stale2.Version = 1
	_, err = s.UpsertTask(ctx, "acme", &stale2)
	require.Error(t, err)
	require.Equal(t, openacterr.KindVersionConflict, openacterr.KindOf(err))
}

func TestListTasksOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn := seedConnection(t, s, "trn:openact:acme:connection/github")

	for _, name := range []string{"z-task", "a-task"} {
		task := &domain.Task{
			TRN:           "trn:openact:acme:task/" + name,
			Name:          name,
			ConnectionTRN: conn.TRN,
			APIEndpoint:   "https://api.example.com",
			Method:        domain.MethodGET,
		}
		_, err := s.UpsertTask(ctx, "acme", task)
		require.NoError(t, err)
	}

	list, err := s.ListTasks(ctx, "acme", 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "trn:openact:acme:task/a-task", list[0].TRN)
}

func TestDeleteTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.DeleteTask(context.Background(), "trn:openact:acme:task/missing")
	require.Error(t, err)
	require.Equal(t, openacterr.KindNotFound, openacterr.KindOf(err))
}
