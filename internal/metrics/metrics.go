// Package metrics defines the Prometheus collectors shared by the store,
// client pool, OAuth2 runtime, and execution engine. Collectors are
// registered against a caller-owned registry; a Metrics value left nil on
// a component behaves as a no-op recorder.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector OpenAct registers.
type Metrics struct {
	// Execution Engine metrics
	TaskExecutionsTotal   *prometheus.CounterVec
	TaskExecutionDuration *prometheus.HistogramVec
	TaskAttemptsTotal     *prometheus.CounterVec

	// HTTP Client Pool metrics
	ClientPoolHitsTotal      *prometheus.CounterVec
	ClientPoolBuildsTotal    *prometheus.CounterVec
	ClientPoolEvictionsTotal *prometheus.CounterVec
	ClientPoolSize           prometheus.Gauge

	// OAuth2 Runtime metrics
	OAuth2RefreshesTotal          *prometheus.CounterVec
	OAuth2RefreshDuration         *prometheus.HistogramVec
	OAuth2SingleFlightCoalescedTotal *prometheus.CounterVec
	OAuth2CheckpointsActive       prometheus.Gauge

	// Retry & Backoff metrics
	RetryAttemptsTotal *prometheus.CounterVec
	RetryDelaySeconds  *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueriesTotal  *prometheus.CounterVec

	// REST adapter metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics constructs every collector, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		TaskExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openact_task_executions_total",
				Help: "Total number of task executions by tenant and final status",
			},
			[]string{"tenant", "status"},
		),
		TaskExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openact_task_execution_duration_seconds",
				Help:    "End-to-end task execution duration in seconds, including retries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"tenant"},
		),
		TaskAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openact_task_attempts_total",
				Help: "Total number of dispatch attempts by outcome (success, retryable, forbidden, auth_retry)",
			},
			[]string{"tenant", "outcome"},
		),
		ClientPoolHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openact_client_pool_hits_total",
				Help: "Total number of HTTP client pool lookups served from cache",
			},
			[]string{},
		),
		ClientPoolBuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openact_client_pool_builds_total",
				Help: "Total number of new HTTP clients constructed on a pool miss",
			},
			[]string{},
		),
		ClientPoolEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openact_client_pool_evictions_total",
				Help: "Total number of HTTP clients evicted from the LRU pool",
			},
			[]string{},
		),
		ClientPoolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "openact_client_pool_size",
				Help: "Current number of cached HTTP clients",
			},
		),
		OAuth2RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openact_oauth2_refreshes_total",
				Help: "Total number of OAuth2 token refreshes by provider and status",
			},
			[]string{"provider", "status"},
		),
		OAuth2RefreshDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openact_oauth2_refresh_duration_seconds",
				Help:    "OAuth2 refresh round-trip duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider"},
		),
		OAuth2SingleFlightCoalescedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openact_oauth2_singleflight_coalesced_total",
				Help: "Total number of refresh calls coalesced onto an in-flight request",
			},
			[]string{"provider"},
		),
		OAuth2CheckpointsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "openact_oauth2_checkpoints_active",
				Help: "Number of Authorization-Code checkpoints currently awaiting callback",
			},
		),
		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openact_retry_attempts_total",
				Help: "Total number of retry attempts by tenant and final outcome",
			},
			[]string{"tenant", "outcome"},
		),
		RetryDelaySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openact_retry_delay_seconds",
				Help:    "Computed backoff delay in seconds before a retry attempt",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"tenant"},
		),
		DBQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openact_db_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"operation", "table"},
		),
		DBQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openact_db_queries_total",
				Help: "Total number of database queries by operation, table, and status",
			},
			[]string{"operation", "table", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openact_http_requests_total",
				Help: "Total number of REST adapter requests by method, route, and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openact_http_request_duration_seconds",
				Help:    "REST adapter request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Register registers every collector with registry.
func (m *Metrics) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.TaskExecutionsTotal,
		m.TaskExecutionDuration,
		m.TaskAttemptsTotal,
		m.ClientPoolHitsTotal,
		m.ClientPoolBuildsTotal,
		m.ClientPoolEvictionsTotal,
		m.ClientPoolSize,
		m.OAuth2RefreshesTotal,
		m.OAuth2RefreshDuration,
		m.OAuth2SingleFlightCoalescedTotal,
		m.OAuth2CheckpointsActive,
		m.RetryAttemptsTotal,
		m.RetryDelaySeconds,
		m.DBQueryDuration,
		m.DBQueriesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordTaskExecution records one completed execute_task call.
func (m *Metrics) RecordTaskExecution(tenant, status string, durationSeconds float64) {
	m.TaskExecutionsTotal.WithLabelValues(tenant, status).Inc()
	m.TaskExecutionDuration.WithLabelValues(tenant).Observe(durationSeconds)
}

// RecordTaskAttempt records one dispatch attempt within a task execution.
func (m *Metrics) RecordTaskAttempt(tenant, outcome string) {
	m.TaskAttemptsTotal.WithLabelValues(tenant, outcome).Inc()
}

// RecordClientPoolHit records a client pool lookup served from cache.
func (m *Metrics) RecordClientPoolHit() {
	m.ClientPoolHitsTotal.WithLabelValues().Inc()
}

// RecordClientPoolBuild records a client pool miss that constructed a new client.
func (m *Metrics) RecordClientPoolBuild() {
	m.ClientPoolBuildsTotal.WithLabelValues().Inc()
}

// RecordClientPoolEviction records an LRU eviction from the client pool.
func (m *Metrics) RecordClientPoolEviction() {
	m.ClientPoolEvictionsTotal.WithLabelValues().Inc()
}

// SetClientPoolSize sets the current number of cached clients.
func (m *Metrics) SetClientPoolSize(n int) {
	m.ClientPoolSize.Set(float64(n))
}

// RecordOAuth2Refresh records a token refresh attempt.
func (m *Metrics) RecordOAuth2Refresh(provider, status string, durationSeconds float64) {
	m.OAuth2RefreshesTotal.WithLabelValues(provider, status).Inc()
	m.OAuth2RefreshDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordOAuth2SingleFlightCoalesced records a refresh call that was
// coalesced onto an already in-flight request for the same credential.
func (m *Metrics) RecordOAuth2SingleFlightCoalesced(provider string) {
	m.OAuth2SingleFlightCoalescedTotal.WithLabelValues(provider).Inc()
}

// SetOAuth2CheckpointsActive sets the current count of pending checkpoints.
func (m *Metrics) SetOAuth2CheckpointsActive(n int) {
	m.OAuth2CheckpointsActive.Set(float64(n))
}

// RecordRetryAttempt records one retry attempt and its computed delay.
func (m *Metrics) RecordRetryAttempt(tenant, outcome string, delaySeconds float64) {
	m.RetryAttemptsTotal.WithLabelValues(tenant, outcome).Inc()
	m.RetryDelaySeconds.WithLabelValues(tenant).Observe(delaySeconds)
}

// RecordDBQuery records a store query's operation/table/status/duration.
func (m *Metrics) RecordDBQuery(operation, table, status string, durationSeconds float64) {
	m.DBQueriesTotal.WithLabelValues(operation, table, status).Inc()
	m.DBQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}

// RecordHTTPRequest records one REST adapter request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, durationSeconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}
