// Package middleware holds the REST adapter's HTTP middleware: tenant
// resolution and request logging.
package middleware

import (
	"net/http"
	"regexp"

	"github.com/aionixone/openact/internal/api/response"
	"github.com/aionixone/openact/internal/openacterr"
	"github.com/aionixone/openact/internal/pkg/tenantctx"
)

// TenantHeader is the header every authenticated request must carry to
// identify its tenant.
const TenantHeader = "X-Tenant-ID"

var tenantPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// TenantContext extracts and validates the tenant from the request header
// and places it in the context for handlers and the engine to read.
func TenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			response.Error(w, nil, openacterr.New(openacterr.KindValidation, "api.TenantContext", "missing "+TenantHeader+" header"))
			return
		}
		if !tenantPattern.MatchString(tenant) {
			response.Error(w, nil, openacterr.New(openacterr.KindValidation, "api.TenantContext", "invalid tenant identifier"))
			return
		}
		next.ServeHTTP(w, r.WithContext(tenantctx.WithTenantID(r.Context(), tenant)))
	})
}
