package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aionixone/openact/internal/config"
)

func newTestApp(t *testing.T) *App {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	cfg := &config.Config{
		Server:     config.ServerConfig{Address: ":0", Env: "test"},
		Database:   config.DatabaseConfig{URL: ":memory:"},
		Credential: config.CredentialConfig{MasterKey: hex.EncodeToString(key)},
		ClientPool: config.ClientPoolConfig{Capacity: 4},
		OAuth2:     config.OAuth2Config{CheckpointTTLSeconds: 900, TokenSkewSeconds: 60},
		Cleanup:    config.CleanupConfig{Schedule: "@every 5m"},
		Observability: config.ObservabilityConfig{
			LogLevel:       "error",
			MetricsEnabled: true,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	app, err := NewApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, tenant string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func TestMissingTenantHeaderIsRejected(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodGet, "/v1/connections", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["code"], "validation")
}

func TestConnectionCRUDRoundTrip(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	connTRN := "trn:openact:acme:connection/billing"
	resp, body := doJSON(t, srv, http.MethodPost, "/v1/connections", "acme", map[string]any{
		"trn":                connTRN,
		"name":               "billing",
		"authorization_type": "ApiKey",
		"auth_parameters": map[string]any{
			"api_key_name":     "X-API-Key",
			"api_key_location": "header",
			"api_key_value":    "s3cr3t",
		},
		"default_headers": map[string]any{"user-agent": "openact/1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Secrets never leave the surface.
	data := body["data"].(map[string]any)
	authParams := data["auth_parameters"].(map[string]any)
	assert.NotContains(t, authParams, "api_key_value")
	assert.Equal(t, true, data["secret_set"])

	resp, body = doJSON(t, srv, http.MethodGet, "/v1/connections/"+connTRN, "acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = body["data"].(map[string]any)
	assert.Equal(t, connTRN, data["trn"])

	resp, body = doJSON(t, srv, http.MethodGet, "/v1/connections", "acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"], 1)

	// A different tenant cannot address the resource.
	resp, _ = doJSON(t, srv, http.MethodGet, "/v1/connections/"+connTRN, "rival", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, srv, http.MethodDelete, "/v1/connections/"+connTRN, "acme", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, srv, http.MethodGet, "/v1/connections/"+connTRN, "acme", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteTaskThroughAPI(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	var gotAPIKey, gotUserAgent string
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("X-Api-Key")
		gotUserAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer downstream.Close()

	connTRN := "trn:openact:acme:connection/echo"
	resp, _ := doJSON(t, srv, http.MethodPost, "/v1/connections", "acme", map[string]any{
		"trn":                connTRN,
		"name":               "echo",
		"authorization_type": "ApiKey",
		"auth_parameters": map[string]any{
			"api_key_name":     "X-API-Key",
			"api_key_location": "header",
			"api_key_value":    "secret",
		},
		"default_headers": map[string]any{"user-agent": "openact/1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	taskTRN := "trn:openact:acme:task/echo-get"
	resp, _ = doJSON(t, srv, http.MethodPost, "/v1/tasks", "acme", map[string]any{
		"trn":            taskTRN,
		"name":           "echo-get",
		"connection_trn": connTRN,
		"api_endpoint":   downstream.URL + "/echo",
		"method":         "GET",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, srv, http.MethodPost, "/v1/execute/"+taskTRN, "acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(http.StatusOK), body["status"])
	assert.Equal(t, float64(1), body["attempts"])
	assert.Equal(t, "secret", gotAPIKey)
	assert.Equal(t, "openact/1", gotUserAgent)
}

func TestOAuth2BeginAndResumeThroughAPI(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	tokenCalls := 0
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"T","token_type":"Bearer","expires_in":3600}`)
	}))
	defer provider.Close()

	connTRN := "trn:openact:acme:connection/gh"
	resp, _ := doJSON(t, srv, http.MethodPost, "/v1/connections", "acme", map[string]any{
		"trn":                connTRN,
		"name":               "gh",
		"authorization_type": "OAuth2AuthorizationCode",
		"auth_parameters": map[string]any{
			"client_id":     "id",
			"client_secret": "shh",
			"auth_url":      "https://provider.test/authorize",
			"token_url":     provider.URL + "/token",
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, srv, http.MethodPost, "/v1/oauth2/begin", "acme", map[string]any{
		"connection_trn": connTRN,
		"redirect_uri":   "https://app.test/cb",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	runID := data["run_id"].(string)
	state := data["state"].(string)
	assert.Contains(t, data["authorize_url"], "state=")

	// Wrong state: rejected, checkpoint retained.
	resp, _ = doJSON(t, srv, http.MethodPost, "/v1/oauth2/resume", "acme", map[string]any{
		"run_id": runID, "code": "abc", "state": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, tokenCalls)

	resp, body = doJSON(t, srv, http.MethodPost, "/v1/oauth2/resume", "acme", map[string]any{
		"run_id": runID, "code": "abc", "state": state,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = body["data"].(map[string]any)
	assert.Equal(t, true, data["access_token_present"])
	assert.NotContains(t, data, "access_token")
	assert.Equal(t, 1, tokenCalls)

	// Checkpoint is gone: resuming again fails.
	resp, _ = doJSON(t, srv, http.MethodPost, "/v1/oauth2/resume", "acme", map[string]any{
		"run_id": runID, "code": "abc", "state": state,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsAndCleanupEndpoints(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodGet, "/v1/stats", "acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "client_pool")
	assert.Contains(t, body, "oauth2")

	resp, body = doJSON(t, srv, http.MethodPost, "/v1/cleanup", "acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "checkpoints_deleted")
}

func TestHealthEndpointNeedsNoTenant(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
