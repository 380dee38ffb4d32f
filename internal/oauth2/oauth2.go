// Package oauth2 drives the OAuth2 token lifecycle: the
// Client-Credentials and Authorization-Code flows, the checkpoint-based
// resumable state machine for the latter, single-flight refresh
// de-duplication, and the fetch-or-refresh entry point the execution
// engine calls before dispatch.
package oauth2

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	xoauth2 "golang.org/x/oauth2"

	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/metrics"
	"github.com/aionixone/openact/internal/openacterr"
	"github.com/aionixone/openact/internal/store"
	"github.com/aionixone/openact/internal/trn"
)

// DefaultCheckpointTTL is the Authorization-Code checkpoint lifetime.
const DefaultCheckpointTTL = 15 * time.Minute

// DefaultTokenSkew is how far before expires_at a token is treated as
// already expired.
const DefaultTokenSkew = 60 * time.Second

// inflightEntry is a single refresh-in-progress for one AuthConnection TRN.
// Waiters block on wg rather than re-issuing the network call.
type inflightEntry struct {
	wg   sync.WaitGroup
	cred *domain.Credential
	err  error
}

// Runtime is the OAuth2 Runtime component. Safe for concurrent use.
type Runtime struct {
	store         *store.Store
	metrics       *metrics.Metrics
	httpClient    *http.Client
	checkpointTTL time.Duration
	tokenSkew     time.Duration

	inflightMu sync.Mutex
	inflight   map[string]*inflightEntry

	refreshCalls atomic.Uint64
	coalesced    atomic.Uint64
}

// Stats is a point-in-time snapshot of runtime activity: how many token-
// endpoint round trips the process has made and how many callers were
// coalesced onto another caller's in-flight refresh.
type Stats struct {
	RefreshCalls uint64 `json:"refresh_calls"`
	Coalesced    uint64 `json:"coalesced"`
}

// New constructs a Runtime backed by st. checkpointTTL/tokenSkew fall back
// to the package defaults when zero.
func New(st *store.Store, checkpointTTL, tokenSkew time.Duration) *Runtime {
	if checkpointTTL <= 0 {
		checkpointTTL = DefaultCheckpointTTL
	}
	if tokenSkew <= 0 {
		tokenSkew = DefaultTokenSkew
	}
	return &Runtime{
		store:         st,
		httpClient:    http.DefaultClient,
		checkpointTTL: checkpointTTL,
		tokenSkew:     tokenSkew,
		inflight:      make(map[string]*inflightEntry),
	}
}

// WithMetrics attaches a metrics recorder.
func (r *Runtime) WithMetrics(m *metrics.Metrics) *Runtime {
	r.metrics = m
	return r
}

// WithHTTPClient overrides the client used for token-endpoint requests
// (e.g. one drawn from the HTTP Client Pool with the Connection's network
// profile).
func (r *Runtime) WithHTTPClient(c *http.Client) *Runtime {
	r.httpClient = c
	return r
}

// Stats returns current runtime statistics.
func (r *Runtime) Stats() Stats {
	return Stats{
		RefreshCalls: r.refreshCalls.Load(),
		Coalesced:    r.coalesced.Load(),
	}
}

// tokenResponse is the JSON shape every provider's token endpoint is
// expected to return.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// credentialFromAuthConnection projects the normalized Credential out of a
// persisted AuthConnection.
func credentialFromAuthConnection(a *domain.AuthConnection) *domain.Credential {
	return &domain.Credential{
		AccessToken: a.AccessToken,
		TokenType:   a.TokenType,
		ExpiresAt:   a.ExpiresAt,
		Scope:       a.Scope,
	}
}

// authRefFor resolves the AuthConnection TRN a Connection's credential
// lives under: the Connection's explicit auth_ref if set, else a TRN
// deterministically derived from the Connection's own TRN so a
// Client-Credentials connection never needs a pre-provisioned auth_ref.
func authRefFor(conn *domain.Connection) (string, error) {
	if conn.AuthRef != "" {
		return conn.AuthRef, nil
	}
	t, err := trn.Parse(conn.TRN)
	if err != nil {
		return "", err
	}
	return trn.TRN{Tenant: t.Tenant, Kind: trn.KindAuthConnection, LocalName: t.LocalName}.String(), nil
}

// classifyTokenEndpointFailure maps a token endpoint's HTTP status to the
// error taxonomy: 4xx is a caller/credential problem (Auth), 5xx and
// network-level failures are Transient and eligible for retry by callers
// that choose to.
func classifyTokenEndpointFailure(op string, statusCode int, body []byte) error {
	kind := openacterr.KindTransient
	if statusCode >= 400 && statusCode < 500 {
		kind = openacterr.KindAuth
	}
	return openacterr.New(kind, op, "token endpoint returned an error").
		WithDetails(map[string]any{"status_code": statusCode, "body": truncate(string(body), 2048)})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// exchangeToken POSTs form to params.TokenURL, authenticating per
// params.CredentialStyle (default "basic"), and decodes the resulting
// tokenResponse.
func (r *Runtime) exchangeToken(ctx context.Context, op string, params domain.AuthParameters, form url.Values) (tokenResponse, error) {
	style := params.CredentialStyle
	if style == "" {
		style = "basic"
	}
	if style == "body" {
		form.Set("client_id", params.ClientID)
		form.Set("client_secret", params.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, params.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, openacterr.Wrap(openacterr.KindValidation, op, "failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if style != "body" {
		req.SetBasicAuth(params.ClientID, params.ClientSecret)
	}

	r.refreshCalls.Add(1)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return tokenResponse{}, openacterr.Wrap(openacterr.KindTransient, op, "token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return tokenResponse{}, openacterr.Wrap(openacterr.KindTransient, op, "failed to read token response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tokenResponse{}, classifyTokenEndpointFailure(op, resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return tokenResponse{}, openacterr.Wrap(openacterr.KindInternal, op, "failed to decode token response", err)
	}
	if tr.AccessToken == "" {
		return tokenResponse{}, openacterr.New(openacterr.KindAuth, op, "token endpoint response has no access_token")
	}
	return tr, nil
}

// persistToken builds an AuthConnection from tr and upserts it, carrying
// forward the prior row's Version for optimistic concurrency, if any.
func (r *Runtime) persistToken(ctx context.Context, tenant, authRef, provider string, tr tokenResponse, prior *domain.AuthConnection) (*domain.AuthConnection, error) {
	auth := &domain.AuthConnection{
		TRN:          authRef,
		Tenant:       tenant,
		Provider:     provider,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
	}
	if prior != nil {
		auth.Version = prior.Version
		auth.UserID = prior.UserID
		if auth.RefreshToken == "" {
			// Providers commonly omit refresh_token on a refresh response,
			// meaning "unchanged"; never drop a previously-issued one.
			auth.RefreshToken = prior.RefreshToken
		}
	}
	if tr.ExpiresIn > 0 {
		expiresAt := time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second)
		auth.ExpiresAt = &expiresAt
	}
	return r.store.UpsertAuthConnection(ctx, tenant, auth)
}

// runClientCredentials performs the Client-Credentials flow end to end.
func (r *Runtime) runClientCredentials(ctx context.Context, tenant string, conn *domain.Connection, prior *domain.AuthConnection) (*domain.AuthConnection, error) {
	const op = "oauth2.runClientCredentials"
	start := time.Now()
	params := conn.AuthParameters

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if len(params.Scopes) > 0 {
		form.Set("scope", strings.Join(params.Scopes, " "))
	}
	if params.Audience != "" {
		form.Set("audience", params.Audience)
	}

	tr, err := r.exchangeToken(ctx, op, params, form)
	if r.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		r.metrics.RecordOAuth2Refresh(conn.Name, status, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	authRef, err := authRefFor(conn)
	if err != nil {
		return nil, err
	}
	return r.persistToken(ctx, tenant, authRef, conn.Name, tr, prior)
}

// refreshAuthorizationCode exchanges a refresh_token for a new access
// token.
func (r *Runtime) refreshAuthorizationCode(ctx context.Context, tenant string, conn *domain.Connection, prior *domain.AuthConnection) (*domain.AuthConnection, error) {
	const op = "oauth2.refreshAuthorizationCode"
	if prior.RefreshToken == "" {
		return nil, openacterr.New(openacterr.KindCredentialNotIssued, op, "no refresh_token available; the authorization-code flow must be re-run")
	}
	start := time.Now()
	params := conn.AuthParameters

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", prior.RefreshToken)

	tr, err := r.exchangeToken(ctx, op, params, form)
	if r.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		r.metrics.RecordOAuth2Refresh(conn.Name, status, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	return r.persistToken(ctx, tenant, prior.TRN, conn.Name, tr, prior)
}

// singleFlight de-duplicates concurrent refreshes for the same key: the
// map is guarded by a single mutex, and the deferred cleanup guarantees a
// panicking fn never leaves a stuck entry for future waiters.
func (r *Runtime) singleFlight(key string, fn func() (*domain.AuthConnection, error)) (*domain.Credential, error) {
	r.inflightMu.Lock()
	if e, ok := r.inflight[key]; ok {
		r.inflightMu.Unlock()
		r.coalesced.Add(1)
		if r.metrics != nil {
			r.metrics.RecordOAuth2SingleFlightCoalesced(key)
		}
		e.wg.Wait()
		return e.cred, e.err
	}
	e := &inflightEntry{}
	e.wg.Add(1)
	r.inflight[key] = e
	r.inflightMu.Unlock()

	defer func() {
		r.inflightMu.Lock()
		delete(r.inflight, key)
		r.inflightMu.Unlock()
		e.wg.Done()
	}()

	auth, err := fn()
	if err != nil {
		e.err = err
		return nil, err
	}
	e.cred = credentialFromAuthConnection(auth)
	return e.cred, nil
}

// FetchOrRefresh is the executor's entry point: return a currently valid
// Credential for conn, transparently issuing or refreshing one if needed.
func (r *Runtime) FetchOrRefresh(ctx context.Context, tenant string, conn *domain.Connection) (*domain.Credential, error) {
	const op = "oauth2.FetchOrRefresh"

	authRef, err := authRefFor(conn)
	if err != nil {
		return nil, err
	}

	auth, err := r.store.GetAuthConnection(ctx, authRef)
	if err != nil {
		if openacterr.KindOf(err) != openacterr.KindNotFound {
			return nil, err
		}
		if conn.AuthorizationType == domain.AuthOAuth2AuthorizationCode {
			return nil, openacterr.New(openacterr.KindCredentialNotIssued, op, "no auth_connection issued; run begin/resume first").WithDetails(map[string]any{"connection_trn": conn.TRN})
		}
		return r.singleFlight(authRef, func() (*domain.AuthConnection, error) {
			return r.runClientCredentials(ctx, tenant, conn, nil)
		})
	}

	if auth.IsValid(time.Now(), r.tokenSkew) {
		return credentialFromAuthConnection(auth), nil
	}

	return r.refresh(ctx, tenant, conn, auth)
}

// ForceRefresh unconditionally re-issues or refreshes the credential for
// conn. The engine calls it after a 401 from a downstream request.
func (r *Runtime) ForceRefresh(ctx context.Context, tenant string, conn *domain.Connection) (*domain.Credential, error) {
	authRef, err := authRefFor(conn)
	if err != nil {
		return nil, err
	}
	auth, err := r.store.GetAuthConnection(ctx, authRef)
	if err != nil {
		if openacterr.KindOf(err) == openacterr.KindNotFound && conn.AuthorizationType == domain.AuthOAuth2ClientCredentials {
			auth = nil
		} else {
			return nil, err
		}
	}
	return r.refresh(ctx, tenant, conn, auth)
}

func (r *Runtime) refresh(ctx context.Context, tenant string, conn *domain.Connection, prior *domain.AuthConnection) (*domain.Credential, error) {
	authRef, err := authRefFor(conn)
	if err != nil {
		return nil, err
	}
	return r.singleFlight(authRef, func() (*domain.AuthConnection, error) {
		if conn.AuthorizationType == domain.AuthOAuth2ClientCredentials {
			return r.runClientCredentials(ctx, tenant, conn, prior)
		}
		return r.refreshAuthorizationCode(ctx, tenant, conn, prior)
	})
}

// BeginResult is returned by Begin.
type BeginResult struct {
	AuthorizeURL string
	RunID        string
	State        string
}

// Begin starts an Authorization-Code flow run: generate state (and a PKCE
// verifier/challenge if configured), persist a resumable checkpoint, and
// return the URL the user-agent should be redirected to.
func (r *Runtime) Begin(ctx context.Context, tenant string, conn *domain.Connection, redirectURI string) (*BeginResult, error) {
	const op = "oauth2.Begin"
	params := conn.AuthParameters
	if params.AuthURL == "" {
		return nil, openacterr.New(openacterr.KindValidation, op, "connection has no auth_url configured")
	}

	state, err := generateState()
	if err != nil {
		return nil, err
	}

	var verifier, challenge string
	if params.UsePKCE {
		verifier, err = generatePKCEVerifier()
		if err != nil {
			return nil, err
		}
		challenge = generatePKCEChallenge(verifier)
	}

	authRef, err := authRefFor(conn)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	authorizeURL := buildAuthorizeURL(params, redirectURI, state, challenge)

	cp := &domain.Checkpoint{
		RunID:       runID,
		PausedState: "AwaitingCallback",
		Context: map[string]any{
			"tenant":         tenant,
			"connection_trn": conn.TRN,
			"auth_ref":       authRef,
			"redirect_uri":   redirectURI,
			"provider":       conn.Name,
		},
		AwaitMeta: map[string]any{
			"state":         state,
			"code_verifier": verifier,
		},
		ExpiresAt: time.Now().UTC().Add(r.checkpointTTL),
	}
	if err := r.store.PutCheckpoint(ctx, cp); err != nil {
		return nil, err
	}

	return &BeginResult{AuthorizeURL: authorizeURL, RunID: runID, State: state}, nil
}

func buildAuthorizeURL(params domain.AuthParameters, redirectURI, state, challenge string) string {
	cfg := xoauth2.Config{
		ClientID:    params.ClientID,
		RedirectURL: redirectURI,
		Scopes:      params.Scopes,
		Endpoint:    xoauth2.Endpoint{AuthURL: params.AuthURL},
	}
	var opts []xoauth2.AuthCodeOption
	if challenge != "" {
		opts = append(opts,
			xoauth2.SetAuthURLParam("code_challenge", challenge),
			xoauth2.SetAuthURLParam("code_challenge_method", "S256"))
	}
	if params.Audience != "" {
		opts = append(opts, xoauth2.SetAuthURLParam("audience", params.Audience))
	}
	return cfg.AuthCodeURL(state, opts...)
}

// Resume completes an Authorization-Code flow run started by Begin:
// verify state in constant time, exchange code for a token,
// and materialize the AuthConnection. On a token-endpoint failure the
// checkpoint is left in place so the caller may retry until it succeeds
// or the checkpoint expires.
func (r *Runtime) Resume(ctx context.Context, runID, code, state string) (*domain.Credential, error) {
	const op = "oauth2.Resume"

	cp, err := r.store.GetCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}

	expectedState, _ := cp.AwaitMeta["state"].(string)
	if subtle.ConstantTimeCompare([]byte(state), []byte(expectedState)) != 1 {
		return nil, openacterr.New(openacterr.KindAuth, op, "state mismatch").WithDetails(map[string]any{"run_id": runID})
	}

	tenant, _ := cp.Context["tenant"].(string)
	connTRN, _ := cp.Context["connection_trn"].(string)
	authRef, _ := cp.Context["auth_ref"].(string)
	redirectURI, _ := cp.Context["redirect_uri"].(string)
	provider, _ := cp.Context["provider"].(string)
	verifier, _ := cp.AwaitMeta["code_verifier"].(string)

	conn, err := r.store.GetConnection(ctx, connTRN)
	if err != nil {
		return nil, err
	}
	params := conn.AuthParameters

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}

	start := time.Now()
	tr, err := r.exchangeToken(ctx, op, params, form)
	if r.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		r.metrics.RecordOAuth2Refresh(provider, status, time.Since(start).Seconds())
	}
	if err != nil {
		// Leave the checkpoint in place: the caller may retry resume()
		// until it succeeds or the checkpoint expires.
		return nil, err
	}

	auth, err := r.persistToken(ctx, tenant, authRef, provider, tr, nil)
	if err != nil {
		return nil, err
	}
	if err := r.store.DeleteCheckpoint(ctx, runID); err != nil {
		return nil, err
	}
	return credentialFromAuthConnection(auth), nil
}
