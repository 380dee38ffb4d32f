package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/aionixone/openact/internal/metrics"
)

// StructuredLogger returns a middleware that logs requests with slog:
// ERROR for 5xx, WARN for 4xx, DEBUG otherwise. Health probes are skipped.
func StructuredLogger(logger *slog.Logger, m *metrics.Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				duration := time.Since(start)

				if m != nil {
					m.RecordHTTPRequest(r.Method, routePattern(r), httpStatusClass(status), duration.Seconds())
				}

				if r.URL.Path == "/health" || r.URL.Path == "/ready" {
					return
				}

				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration_ms", duration.Milliseconds(),
					"request_id", chimiddleware.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
				}

				switch {
				case status >= 500:
					logger.Error("http server error", attrs...)
				case status >= 400:
					logger.Warn("http client error", attrs...)
				default:
					logger.Debug("http request", attrs...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// routePattern returns the chi route pattern so metrics stay bounded in
// cardinality even though TRN paths vary per request.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func httpStatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
