package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/aionixone/openact/internal/api/response"
	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/openacterr"
	"github.com/aionixone/openact/internal/pkg/tenantctx"
	"github.com/aionixone/openact/internal/store"
	"github.com/aionixone/openact/internal/trn"
)

// ConnectionHandler handles connection CRUD endpoints.
type ConnectionHandler struct {
	store    *store.Store
	logger   *slog.Logger
	validate *validator.Validate
}

// NewConnectionHandler creates a new connection handler.
func NewConnectionHandler(st *store.Store, logger *slog.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		store:    st,
		logger:   logger,
		validate: validator.New(),
	}
}

// ConnectionRequest is the wire shape for upserting a Connection, shared
// by the REST and CLI adapters. Secret auth parameter fields arrive in
// plaintext and are sealed by the store.
type ConnectionRequest struct {
	TRN                string                `json:"trn" validate:"required"`
	Name               string                `json:"name" validate:"required"`
	AuthorizationType  string                `json:"authorization_type" validate:"required"`
	AuthParameters     domain.AuthParameters `json:"auth_parameters"`
	AuthRef            string                `json:"auth_ref,omitempty"`
	DefaultHeaders     map[string]any        `json:"default_headers,omitempty"`
	DefaultQueryParams map[string]any        `json:"default_query_params,omitempty"`
	DefaultBody        domain.JSONBody       `json:"default_body,omitempty"`
	TimeoutConfig      *domain.TimeoutConfig `json:"timeout_config,omitempty"`
	NetworkConfig      *domain.NetworkConfig `json:"network_config,omitempty"`
	HTTPPolicy         *domain.HTTPPolicy    `json:"http_policy,omitempty"`
	RetryPolicy        *domain.RetryPolicy   `json:"retry_policy,omitempty"`
	Version            int                   `json:"version,omitempty"`
}

// ToDomain converts the wire shape into a validated domain Connection.
func (req *ConnectionRequest) ToDomain() (*domain.Connection, error) {
	headers, _, err := valuesFromWire(req.DefaultHeaders)
	if err != nil {
		return nil, err
	}
	query, _, err := valuesFromWire(req.DefaultQueryParams)
	if err != nil {
		return nil, err
	}
	conn := &domain.Connection{
		TRN:                req.TRN,
		Name:               req.Name,
		AuthorizationType:  domain.AuthorizationType(req.AuthorizationType),
		AuthParameters:     req.AuthParameters,
		AuthRef:            req.AuthRef,
		DefaultHeaders:     headers,
		DefaultQueryParams: query,
		DefaultBody:        req.DefaultBody,
		TimeoutConfig:      req.TimeoutConfig,
		NetworkConfig:      req.NetworkConfig,
		HTTPPolicy:         req.HTTPPolicy,
		RetryPolicy:        req.RetryPolicy,
		Version:            req.Version,
	}
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	return conn, nil
}

// ConnectionResponse is the wire shape of a Connection leaving either
// adapter: secret fields are redacted to a present flag.
type ConnectionResponse struct {
	TRN               string                `json:"trn"`
	Name              string                `json:"name"`
	AuthorizationType string                `json:"authorization_type"`
	AuthParameters    domain.AuthParameters `json:"auth_parameters"`
	SecretSet         bool                  `json:"secret_set"`
	AuthRef           string                `json:"auth_ref,omitempty"`
	DefaultHeaders    domain.ValuesMap      `json:"default_headers,omitempty"`
	DefaultQueryParams domain.ValuesMap     `json:"default_query_params,omitempty"`
	DefaultBody       domain.JSONBody       `json:"default_body,omitempty"`
	TimeoutConfig     *domain.TimeoutConfig `json:"timeout_config,omitempty"`
	NetworkConfig     *domain.NetworkConfig `json:"network_config,omitempty"`
	HTTPPolicy        *domain.HTTPPolicy    `json:"http_policy,omitempty"`
	RetryPolicy       *domain.RetryPolicy   `json:"retry_policy,omitempty"`
	CreatedAt         string                `json:"created_at"`
	UpdatedAt         string                `json:"updated_at"`
	Version           int                   `json:"version"`
}

// ConnectionToResponse redacts and converts a Connection for output.
func ConnectionToResponse(c *domain.Connection) *ConnectionResponse {
	secretSet := c.AuthParameters.APIKeyValue != "" || c.AuthParameters.Password != "" || c.AuthParameters.ClientSecret != ""
	return &ConnectionResponse{
		TRN:                c.TRN,
		Name:               c.Name,
		AuthorizationType:  string(c.AuthorizationType),
		AuthParameters:     redactAuthParameters(c.AuthParameters),
		SecretSet:          secretSet,
		AuthRef:            c.AuthRef,
		DefaultHeaders:     c.DefaultHeaders,
		DefaultQueryParams: c.DefaultQueryParams,
		DefaultBody:        c.DefaultBody,
		TimeoutConfig:      c.TimeoutConfig,
		NetworkConfig:      c.NetworkConfig,
		HTTPPolicy:         c.HTTPPolicy,
		RetryPolicy:        c.RetryPolicy,
		CreatedAt:          c.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:          c.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		Version:            c.Version,
	}
}

// Upsert handles POST /v1/connections.
func (h *ConnectionHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	const op = "api.ConnectionHandler.Upsert"

	var req ConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, h.logger, openacterr.Wrap(openacterr.KindValidation, op, "invalid JSON body", err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, h.logger, openacterr.Wrap(openacterr.KindValidation, op, "missing required fields", err))
		return
	}
	if _, err := tenantScopedTRN(r, req.TRN, trn.KindConnection); err != nil {
		response.Error(w, h.logger, err)
		return
	}

	conn, err := req.ToDomain()
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	tenant := tenantctx.GetTenantID(r.Context())
	saved, err := h.store.UpsertConnection(r.Context(), tenant, conn)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.Data(w, h.logger, http.StatusOK, ConnectionToResponse(saved))
}

// Get handles GET /v1/connections/{trn}.
func (h *ConnectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	parsed, err := tenantScopedTRN(r, trnFromPath(r), trn.KindConnection)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	conn, err := h.store.GetConnection(r.Context(), parsed.String())
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.Data(w, h.logger, http.StatusOK, ConnectionToResponse(conn))
}

// List handles GET /v1/connections.
func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	tenant := tenantctx.GetTenantID(r.Context())
	offset, limit := pagination(r)
	conns, err := h.store.ListConnections(r.Context(), tenant, offset, limit)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	out := make([]*ConnectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnectionToResponse(c))
	}
	response.JSON(w, h.logger, http.StatusOK, response.PaginatedResponse{Data: out, Limit: limit, Offset: offset})
}

// Delete handles DELETE /v1/connections/{trn}. Dependent Tasks cascade.
func (h *ConnectionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	parsed, err := tenantScopedTRN(r, trnFromPath(r), trn.KindConnection)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	if err := h.store.DeleteConnection(r.Context(), parsed.String()); err != nil {
		response.Error(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
