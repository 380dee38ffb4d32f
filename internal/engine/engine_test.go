package engine

import (
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aionixone/openact/internal/clientpool"
	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/merge"
	"github.com/aionixone/openact/internal/oauth2"
	"github.com/aionixone/openact/internal/openacterr"
	"github.com/aionixone/openact/internal/store"
	"github.com/aionixone/openact/internal/vault"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
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

	rt := oauth2.New(st, 0, 0)
	pool := clientpool.New(4)
	return New(st, rt, pool), st
}

func seedConnAndTask(t *testing.T, st *store.Store, tenant, endpoint string, authType domain.AuthorizationType, params domain.AuthParameters) *domain.Task {
	t.Helper()
	conn := &domain.Connection{
		TRN:               "trn:openact:" + tenant + ":connection/acme",
		Name:              "acme",
		AuthorizationType: authType,
		AuthParameters:    params,
	}
	_, err := st.UpsertConnection(context.Background(), tenant, conn)
	require.NoError(t, err)

	task := &domain.Task{
		TRN:           "trn:openact:" + tenant + ":task/acme-get",
		Name:          "acme-get",
		ConnectionTRN: conn.TRN,
		APIEndpoint:   endpoint,
		Method:        domain.MethodGET,
	}
	saved, err := st.UpsertTask(context.Background(), tenant, task)
	require.NoError(t, err)
	return saved
}

func TestExecuteInjectsAPIKeyAndReturnsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret123", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	eng, st := newTestEngine(t)
	task := seedConnAndTask(t, st, "acme", server.URL, domain.AuthAPIKey, domain.AuthParameters{
		APIKeyName: "X-Api-Key", APIKeyLocation: "header", APIKeyValue: "secret123",
	})

	result, err := eng.Execute(context.Background(), "acme", task.TRN, merge.Overrides{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.JSONEq(t, `{"ok":true}`, string(result.Body))
	assert.Equal(t, 1, result.Attempts)
}

func TestExecuteRetriesOn503ThenSucceeds(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	eng, st := newTestEngine(t)
	task := seedConnAndTask(t, st, "acme", server.URL, domain.AuthAPIKey, domain.AuthParameters{
		APIKeyName: "X-Api-Key", APIKeyValue: "v",
	})
	retryPolicy := &domain.RetryPolicy{MaxRetries: 2, BaseDelayMS: 1, MaxDelayMS: 10, BackoffMultiplier: 2.0, RetryStatusCodes: []int{503}}
	task.RetryPolicy = retryPolicy
	_, err := st.UpsertTask(context.Background(), "acme", task)
	require.NoError(t, err)

	result, err := eng.Execute(context.Background(), "acme", task.TRN, merge.Overrides{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 2, calls)
}

func TestExecuteRejectsBinaryWhenNotAllowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte{0x00, 0x01, 0x02})
	}))
	defer server.Close()

	eng, st := newTestEngine(t)
	task := seedConnAndTask(t, st, "acme", server.URL, domain.AuthAPIKey, domain.AuthParameters{
		APIKeyName: "X-Api-Key", APIKeyValue: "v",
	})

	_, err := eng.Execute(context.Background(), "acme", task.TRN, merge.Overrides{})
	assert.Error(t, err)
}

func TestExecuteForceRefreshesOn401ForOAuth2(t *testing.T) {
	tokenCalls := 0
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-` + itoaForTest(tokenCalls) + `","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	apiCalls := 0
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer apiServer.Close()

	eng, st := newTestEngine(t)
	task := seedConnAndTask(t, st, "acme", apiServer.URL, domain.AuthOAuth2ClientCredentials, domain.AuthParameters{
		ClientID: "id", ClientSecret: "secret", TokenURL: tokenServer.URL,
	})

	result, err := eng.Execute(context.Background(), "acme", task.TRN, merge.Overrides{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, 2, apiCalls)
	assert.Equal(t, 2, tokenCalls)
}

func itoaForTest(n int) string {
	if n == 1 {
		return "1"
	}
	return "2"
}

func TestExecuteRejectsResponseContentTypeOutsideWhitelist(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer server.Close()

	eng, st := newTestEngine(t)
	task := seedConnAndTask(t, st, "acme", server.URL, domain.AuthAPIKey, domain.AuthParameters{
		APIKeyName: "X-Api-Key", APIKeyValue: "v",
	})
	policy := domain.DefaultHTTPPolicy()
	policy.AllowedContentTypes = []string{"application/json"}
	task.HTTPPolicy = &policy
	task, err := st.UpsertTask(context.Background(), "acme", task)
	require.NoError(t, err)

	_, err = eng.Execute(context.Background(), "acme", task.TRN, merge.Overrides{})
	require.Error(t, err)
	assert.Equal(t, openacterr.KindPolicyViolation, openacterr.KindOf(err))
}

func TestExecuteAllowsWhitelistedResponseContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	eng, st := newTestEngine(t)
	task := seedConnAndTask(t, st, "acme", server.URL, domain.AuthAPIKey, domain.AuthParameters{
		APIKeyName: "X-Api-Key", APIKeyValue: "v",
	})
	policy := domain.DefaultHTTPPolicy()
	policy.AllowedContentTypes = []string{"application/json"}
	task.HTTPPolicy = &policy
	task, err := st.UpsertTask(context.Background(), "acme", task)
	require.NoError(t, err)

	result, err := eng.Execute(context.Background(), "acme", task.TRN, merge.Overrides{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)
}
