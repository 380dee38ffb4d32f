package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/aionixone/openact/internal/api/response"
	"github.com/aionixone/openact/internal/domain"
	oauth2rt "github.com/aionixone/openact/internal/oauth2"
	"github.com/aionixone/openact/internal/openacterr"
	"github.com/aionixone/openact/internal/pkg/tenantctx"
	"github.com/aionixone/openact/internal/store"
	"github.com/aionixone/openact/internal/trn"
)

// OAuth2Handler handles the Authorization-Code begin/resume endpoints and
// the provider callback.
type OAuth2Handler struct {
	store    *store.Store
	runtime  *oauth2rt.Runtime
	logger   *slog.Logger
	validate *validator.Validate
}

// NewOAuth2Handler creates a new OAuth2 handler.
func NewOAuth2Handler(st *store.Store, rt *oauth2rt.Runtime, logger *slog.Logger) *OAuth2Handler {
	return &OAuth2Handler{
		store:    st,
		runtime:  rt,
		logger:   logger,
		validate: validator.New(),
	}
}

type beginRequest struct {
	ConnectionTRN string `json:"connection_trn" validate:"required"`
	RedirectURI   string `json:"redirect_uri" validate:"required,url"`
}

type beginResponse struct {
	AuthorizeURL string `json:"authorize_url"`
	RunID        string `json:"run_id"`
	State        string `json:"state"`
}

// credentialResponse is the redacted wire shape of an issued credential:
// the token itself never crosses the API surface, only its metadata.
type credentialResponse struct {
	TokenType          string `json:"token_type"`
	ExpiresAt          string `json:"expires_at,omitempty"`
	Scope              string `json:"scope,omitempty"`
	AccessTokenPresent bool   `json:"access_token_present"`
	AccessTokenLength  int    `json:"access_token_length"`
}

func credentialToResponse(cred *domain.Credential) *credentialResponse {
	out := &credentialResponse{
		TokenType:          cred.TokenType,
		Scope:              cred.Scope,
		AccessTokenPresent: cred.AccessToken != "",
		AccessTokenLength:  len(cred.AccessToken),
	}
	if cred.ExpiresAt != nil {
		out.ExpiresAt = cred.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return out
}

// Begin handles POST /v1/oauth2/begin: start an Authorization-Code run for
// the named Connection and return the URL to send the user-agent to.
func (h *OAuth2Handler) Begin(w http.ResponseWriter, r *http.Request) {
	const op = "api.OAuth2Handler.Begin"

	var req beginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, h.logger, openacterr.Wrap(openacterr.KindValidation, op, "invalid JSON body", err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, h.logger, openacterr.Wrap(openacterr.KindValidation, op, "missing or malformed required fields", err))
		return
	}
	parsed, err := tenantScopedTRN(r, req.ConnectionTRN, trn.KindConnection)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	conn, err := h.store.GetConnection(r.Context(), parsed.String())
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	if conn.AuthorizationType != domain.AuthOAuth2AuthorizationCode {
		response.Error(w, h.logger, openacterr.New(openacterr.KindValidation, op, "connection is not an OAuth2 authorization-code connection").
			WithDetails(map[string]any{"authorization_type": string(conn.AuthorizationType)}))
		return
	}

	tenant := tenantctx.GetTenantID(r.Context())
	begin, err := h.runtime.Begin(r.Context(), tenant, conn, req.RedirectURI)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.Data(w, h.logger, http.StatusOK, beginResponse{
		AuthorizeURL: begin.AuthorizeURL,
		RunID:        begin.RunID,
		State:        begin.State,
	})
}

type resumeRequest struct {
	RunID string `json:"run_id" validate:"required"`
	Code  string `json:"code" validate:"required"`
	State string `json:"state" validate:"required"`
}

// Resume handles POST /v1/oauth2/resume: complete a run with the code and
// state delivered to the caller's redirect URI.
func (h *OAuth2Handler) Resume(w http.ResponseWriter, r *http.Request) {
	const op = "api.OAuth2Handler.Resume"

	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, h.logger, openacterr.Wrap(openacterr.KindValidation, op, "invalid JSON body", err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, h.logger, openacterr.Wrap(openacterr.KindValidation, op, "missing required fields", err))
		return
	}

	cred, err := h.runtime.Resume(r.Context(), req.RunID, req.Code, req.State)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.Data(w, h.logger, http.StatusOK, credentialToResponse(cred))
}

// Callback handles GET /oauth/callback?run_id=...&code=...&state=...: the
// provider redirect target. The run_id rides along on the redirect_uri the
// caller registered in Begin.
func (h *OAuth2Handler) Callback(w http.ResponseWriter, r *http.Request) {
	const op = "api.OAuth2Handler.Callback"

	q := r.URL.Query()
	runID, code, state := q.Get("run_id"), q.Get("code"), q.Get("state")
	if runID == "" || code == "" || state == "" {
		response.Error(w, h.logger, openacterr.New(openacterr.KindValidation, op, "run_id, code, and state query parameters are required"))
		return
	}

	cred, err := h.runtime.Resume(r.Context(), runID, code, state)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.Data(w, h.logger, http.StatusOK, credentialToResponse(cred))
}
