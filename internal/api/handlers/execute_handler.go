package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/aionixone/openact/internal/api/response"
	"github.com/aionixone/openact/internal/engine"
	"github.com/aionixone/openact/internal/merge"
	"github.com/aionixone/openact/internal/openacterr"
	"github.com/aionixone/openact/internal/pkg/tenantctx"
	"github.com/aionixone/openact/internal/trn"
)

// ExecuteHandler handles POST /v1/execute/{task_trn}.
type ExecuteHandler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewExecuteHandler creates a new execute handler.
func NewExecuteHandler(e *engine.Engine, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{engine: e, logger: logger}
}

// executeRequest is the wire shape of caller overrides. Body is kept raw
// so an explicit JSON null can be told apart from an absent key.
type executeRequest struct {
	Headers     map[string]any  `json:"headers,omitempty"`
	QueryParams map[string]any  `json:"query_params,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

func (req *executeRequest) toOverrides() (merge.Overrides, error) {
	const op = "api.ExecuteHandler"
	var body any
	hasBody := false
	if len(req.Body) > 0 && string(req.Body) != "null" {
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return merge.Overrides{}, openacterr.Wrap(openacterr.KindValidation, op, "invalid override body", err)
		}
		hasBody = true
	}
	return merge.OverridesFromWire(req.Headers, req.QueryParams, body, hasBody)
}

// Execute runs the Task addressed by the path TRN with the request's
// overrides and returns the normalized result.
func (h *ExecuteHandler) Execute(w http.ResponseWriter, r *http.Request) {
	const op = "api.ExecuteHandler.Execute"

	parsed, err := tenantScopedTRN(r, trnFromPath(r), trn.KindTask)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	var req executeRequest
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		response.Error(w, h.logger, openacterr.Wrap(openacterr.KindValidation, op, "failed to read request body", err))
		return
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			response.Error(w, h.logger, openacterr.Wrap(openacterr.KindValidation, op, "invalid JSON body", err))
			return
		}
	}

	overrides, err := req.toOverrides()
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}

	tenant := tenantctx.GetTenantID(r.Context())
	result, err := h.engine.Execute(r.Context(), tenant, parsed.String(), overrides)
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.JSON(w, h.logger, http.StatusOK, result)
}
