package oauth2

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/store"
	"github.com/aionixone/openact/internal/vault"
)

func newTestRuntime(t *testing.T) (*Runtime, *store.Store) {
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

	return New(st, 0, 0), st
}

func seedConnection(t *testing.T, st *store.Store, tenant string, authType domain.AuthorizationType, params domain.AuthParameters) *domain.Connection {
	t.Helper()
	conn := &domain.Connection{
		TRN:               "trn:openact:" + tenant + ":connection/test-provider",
		Name:              "test-provider",
		AuthorizationType: authType,
		AuthParameters:    params,
	}
	saved, err := st.UpsertConnection(context.Background(), tenant, conn)
	require.NoError(t, err)
	return saved
}

func TestClientCredentialsFetchIssuesAndPersists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.FormValue("grant_type"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	rt, st := newTestRuntime(t)
	conn := seedConnection(t, st, "acme", domain.AuthOAuth2ClientCredentials, domain.AuthParameters{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURL:     server.URL,
	})

	cred, err := rt.FetchOrRefresh(context.Background(), "acme", conn)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.AccessToken)
	assert.Equal(t, "Bearer", cred.TokenType)
	require.NotNil(t, cred.ExpiresAt)
}

func TestClientCredentialsFetchReusesValidToken(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	rt, st := newTestRuntime(t)
	conn := seedConnection(t, st, "acme", domain.AuthOAuth2ClientCredentials, domain.AuthParameters{
		ClientID: "id", ClientSecret: "secret", TokenURL: server.URL,
	})

	_, err := rt.FetchOrRefresh(context.Background(), "acme", conn)
	require.NoError(t, err)
	_, err = rt.FetchOrRefresh(context.Background(), "acme", conn)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestAuthorizationCodeFetchWithoutIssuedCredentialFails(t *testing.T) {
	rt, st := newTestRuntime(t)
	conn := seedConnection(t, st, "acme", domain.AuthOAuth2AuthorizationCode, domain.AuthParameters{
		ClientID: "id", ClientSecret: "secret", TokenURL: "https://example.test/token", AuthURL: "https://example.test/authorize",
	})

	_, err := rt.FetchOrRefresh(context.Background(), "acme", conn)
	assert.Error(t, err)
}

func TestBeginAndResumeAuthorizationCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.FormValue("grant_type"))
		assert.Equal(t, "auth-code-xyz", r.FormValue("code"))
		assert.NotEmpty(t, r.FormValue("code_verifier"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "tok-ac",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "refresh-1",
		})
	}))
	defer server.Close()

	rt, st := newTestRuntime(t)
	conn := seedConnection(t, st, "acme", domain.AuthOAuth2AuthorizationCode, domain.AuthParameters{
		ClientID: "id", ClientSecret: "secret", TokenURL: server.URL, AuthURL: "https://example.test/authorize", UsePKCE: true,
	})

	begin, err := rt.Begin(context.Background(), "acme", conn, "https://callback.example/cb")
	require.NoError(t, err)
	assert.NotEmpty(t, begin.RunID)
	assert.NotEmpty(t, begin.State)
	assert.Contains(t, begin.AuthorizeURL, "code_challenge=")

	cred, err := rt.Resume(context.Background(), begin.RunID, "auth-code-xyz", begin.State)
	require.NoError(t, err)
	assert.Equal(t, "tok-ac", cred.AccessToken)

	_, err = st.GetCheckpoint(context.Background(), begin.RunID)
	assert.Error(t, err, "checkpoint should be deleted after a successful resume")
}

func TestResumeRejectsStateMismatch(t *testing.T) {
	rt, st := newTestRuntime(t)
	conn := seedConnection(t, st, "acme", domain.AuthOAuth2AuthorizationCode, domain.AuthParameters{
		ClientID: "id", ClientSecret: "secret", TokenURL: "https://example.test/token", AuthURL: "https://example.test/authorize",
	})

	begin, err := rt.Begin(context.Background(), "acme", conn, "https://callback.example/cb")
	require.NoError(t, err)

	_, err = rt.Resume(context.Background(), begin.RunID, "code", "wrong-state")
	assert.Error(t, err)

	// The checkpoint survives a failed resume so the caller can retry.
	_, err = st.GetCheckpoint(context.Background(), begin.RunID)
	assert.NoError(t, err)
}

func TestForceRefreshReissuesClientCredentials(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-" + itoaForTest(calls),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	rt, st := newTestRuntime(t)
	conn := seedConnection(t, st, "acme", domain.AuthOAuth2ClientCredentials, domain.AuthParameters{
		ClientID: "id", ClientSecret: "secret", TokenURL: server.URL,
	})

	first, err := rt.FetchOrRefresh(context.Background(), "acme", conn)
	require.NoError(t, err)
	second, err := rt.ForceRefresh(context.Background(), "acme", conn)
	require.NoError(t, err)

	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, 2, calls)
}

func itoaForTest(n int) string {
	return strconv.Itoa(n)
}

func TestConcurrentFetchesSingleFlight(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond) // hold the flight open so callers pile up
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-shared",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	rt, st := newTestRuntime(t)
	conn := seedConnection(t, st, "acme", domain.AuthOAuth2ClientCredentials, domain.AuthParameters{
		ClientID: "id", ClientSecret: "secret", TokenURL: server.URL,
	})

	const workers = 20
	tokens := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := rt.FetchOrRefresh(context.Background(), "acme", conn)
			errs[i] = err
			if err == nil {
				tokens[i] = cred.AccessToken
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-shared", tokens[i])
	}
	// Callers either coalesced onto the single flight or arrived after it
	// finished and read the fresh token; both are one round trip total.
	assert.Equal(t, uint64(1), rt.Stats().RefreshCalls)
	assert.LessOrEqual(t, rt.Stats().Coalesced, uint64(workers-1))
}

func TestRefreshAppendsOneHistoryRow(t *testing.T) {
	token := "tok-1"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": token,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	rt, st := newTestRuntime(t)
	conn := seedConnection(t, st, "acme", domain.AuthOAuth2ClientCredentials, domain.AuthParameters{
		ClientID: "id", ClientSecret: "secret", TokenURL: server.URL,
	})

	_, err := rt.FetchOrRefresh(context.Background(), "acme", conn)
	require.NoError(t, err)

	authRef, err := authRefFor(conn)
	require.NoError(t, err)
	before, err := st.ListAuthConnectionHistory(context.Background(), authRef, 100)
	require.NoError(t, err)

	token = "tok-2"
	_, err = rt.ForceRefresh(context.Background(), "acme", conn)
	require.NoError(t, err)

	after, err := st.ListAuthConnectionHistory(context.Background(), authRef, 100)
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)
	assert.Equal(t, domain.HistoryUpdate, after[0].Operation)
}
