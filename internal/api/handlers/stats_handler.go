package handlers

import (
	"log/slog"
	"net/http"

	"github.com/aionixone/openact/internal/api/response"
	"github.com/aionixone/openact/internal/buildinfo"
	"github.com/aionixone/openact/internal/cleanup"
	"github.com/aionixone/openact/internal/clientpool"
	oauth2rt "github.com/aionixone/openact/internal/oauth2"
)

// StatsHandler serves runtime statistics, the manual cleanup trigger, and
// health probes.
type StatsHandler struct {
	pool    *clientpool.Pool
	runtime *oauth2rt.Runtime
	cleanup *cleanup.Service
	logger  *slog.Logger
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(pool *clientpool.Pool, rt *oauth2rt.Runtime, cl *cleanup.Service, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{pool: pool, runtime: rt, cleanup: cl, logger: logger}
}

type poolStatsResponse struct {
	clientpool.Stats
	HitRate float64 `json:"hit_rate"`
}

type statsResponse struct {
	ClientPool poolStatsResponse `json:"client_pool"`
	OAuth2     oauth2rt.Stats    `json:"oauth2"`
}

// Stats handles GET /v1/stats.
func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ps := h.pool.Stats()
	response.JSON(w, h.logger, http.StatusOK, statsResponse{
		ClientPool: poolStatsResponse{Stats: ps, HitRate: ps.HitRate()},
		OAuth2:     h.runtime.Stats(),
	})
}

// Cleanup handles POST /v1/cleanup: one immediate best-effort sweep.
func (h *StatsHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	result, err := h.cleanup.Run(r.Context())
	if err != nil {
		response.Error(w, h.logger, err)
		return
	}
	response.JSON(w, h.logger, http.StatusOK, result)
}

// Health handles GET /health.
func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, h.logger, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildinfo.GetVersion(),
	})
}
