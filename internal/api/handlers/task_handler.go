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

// TaskHandler handles task CRUD endpoints.
type TaskHandler struct {
	store    *store.Store
	logger   *slog.Logger
	validate *validator.Validate
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(st *store.Store, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		store:    st,
		logger:   logger,
		validate: validator.New(),
	}
}

// TaskRequest is the wire shape for upserting a Task, shared by the REST
// and CLI adapters.
type TaskRequest struct {
	TRN            string                 `json:"trn" validate:"required"`
	Name           string                 `json:"name" validate:"required"`
	ConnectionTRN  string                 `json:"connection_trn" validate:"required"`
	APIEndpoint    string                 `json:"api_endpoint" validate:"required,url"`
	Method         string                 `json:"method" validate:"required"`
	Headers        map[string]any         `json:"headers,omitempty"`
	QueryParams    map[string]any         `json:"query_params,omitempty"`
	RequestBody    domain.JSONBody        `json:"request_body,omitempty"`
	TimeoutConfig  *domain.TimeoutConfig  `json:"timeout_config,omitempty"`
	NetworkConfig  *domain.NetworkConfig  `json:"network_config,omitempty"`
	HTTPPolicy     *domain.HTTPPolicy     `json:"http_policy,omitempty"`
	ResponsePolicy *domain.ResponsePolicy `json:"response_policy,omitempty"`
	RetryPolicy    *domain.RetryPolicy    `json:"retry_policy,omitempty"`
	Version        int                    `json:"version,omitempty"`
}

// ToDomain converts the wire shape into a validated domain Task.
func (req *TaskRequest) ToDomain() (*domain.Task, error) {
	headers, _, err := valuesFromWire(req.Headers)
	if err != nil {
		return nil, err
	}
	query, _, err := valuesFromWire(req.QueryParams)
	if err != nil {
		return nil, err
	}
	task := &domain.Task{
		TRN:            req.TRN,
		Name:           req.Name,
		ConnectionTRN:  req.ConnectionTRN,
		APIEndpoint:    req.APIEndpoint,
		Method:         domain.Method(req.Method),
		Headers:        headers,
		QueryParams:    query,
		RequestBody:    req.RequestBody,
		TimeoutConfig:  req.TimeoutConfig,
		NetworkConfig:  req.NetworkConfig,
		HTTPPolicy:     req.HTTPPolicy,
		ResponsePolicy: req.ResponsePolicy,
		RetryPolicy:    req.RetryPolicy,
		Version:        req.Version,
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return task, nil
}

// TaskResponse is the wire shape of a Task leaving either adapter.
type TaskResponse struct {
	TRN            string                 `json:"trn"`
	Name           string                 `json:"name"`
	ConnectionTRN  string                 `json:"connection_trn"`
	APIEndpoint    string                 `json:"api_endpoint"`
	Method         string                 `json:"method"`
	Headers        domain.ValuesMap       `json:"headers,omitempty"`
	QueryParams    domain.ValuesMap       `json:"query_params,omitempty"`
	RequestBody    domain.JSONBody        `json:"request_body,omitempty"`
	TimeoutConfig  *domain.TimeoutConfig  `json:"timeout_config,omitempty"`
	NetworkConfig  *domain.NetworkConfig  `json:"network_config,omitempty"`
	HTTPPolicy     *domain.HTTPPolicy     `json:"http_policy,omitempty"`
	ResponsePolicy *domain.ResponsePolicy `json:"response_policy,omitempty"`
	RetryPolicy    *domain.RetryPolicy    `json:"retry_policy,omitempty"`
	CreatedAt      string                 `json:"created_at"`
	UpdatedAt      string                 `json:"updated_at"`
	Version        int                    `json:"version"`
}

// TaskToResponse converts a Task for output.
func TaskToResponse(t *domain.Task) *TaskResponse {
	return &TaskResponse{
		TRN:            t.TRN,
		Name:           t.Name,
		ConnectionTRN:  t.ConnectionTRN,
		APIEndpoint:    t.APIEndpoint,
		Method:         string(t.Method),
		Headers:        t.Headers,
		QueryParams:    t.QueryParams,
		RequestBody:    t.RequestBody,
		TimeoutConfig:  t.TimeoutConfig,
		NetworkConfig:  t.NetworkConfig,
		HTTPPolicy:     t.HTTPPolicy,
		ResponsePolicy: t.ResponsePolicy,
		RetryPolicy:    t.RetryPolicy,
		CreatedAt:      t.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:      t.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		Version:        t.Version,
	}
}

// Upsert handles POST /v1/tasks.
func (h *TaskHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	const op = "api.TaskHandler.Upsert"

	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, h.logger, openacterr.Wrap(openacterr.KindValidation, op, "invalid JSON body", err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, h.logger, openacterr.Wrap(openacterr.KindValidation, op, "missing or malformed required fields", err))
		return
	}
	if _, err := tenantScopedTRN(r, req.TRN, trn.KindTask); err != nil {
		response.Error(w, h.logger, err)
		return
	}
	if _, err := tenantScopedTRN(r, req.ConnectionTRN, trn.KindConnection); err != nil {
		response.Error(w, h.logger, err)
		return
	}

	task, err := req.ToDomain()
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	tenant := tenantctx.GetTenantID(r.Context())
	saved, err := h.store.UpsertTask(r.Context(), tenant, task)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.Data(w, h.logger, http.StatusOK, TaskToResponse(saved))
}

// Get handles GET /v1/tasks/{trn}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	parsed, err := tenantScopedTRN(r, trnFromPath(r), trn.KindTask)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	task, err := h.store.GetTask(r.Context(), parsed.String())
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.Data(w, h.logger, http.StatusOK, TaskToResponse(task))
}

// List handles GET /v1/tasks.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	tenant := tenantctx.GetTenantID(r.Context())
	offset, limit := pagination(r)
	tasks, err := h.store.ListTasks(r.Context(), tenant, offset, limit)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	out := make([]*TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskToResponse(t))
	}
	response.JSON(w, h.logger, http.StatusOK, response.PaginatedResponse{Data: out, Limit: limit, Offset: offset})
}

// Delete handles DELETE /v1/tasks/{trn}.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	parsed, err := tenantScopedTRN(r, trnFromPath(r), trn.KindTask)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	if err := h.store.DeleteTask(r.Context(), parsed.String()); err != nil {
		response.Error(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
