package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aionixone/openact/internal/pkg/tenantctx"
)

func TestTenantContextSetsTenant(t *testing.T) {
	var got string
	handler := TenantContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = tenantctx.GetTenantID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/connections", nil)
	req.Header.Set(TenantHeader, "acme")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", got)
}

func TestTenantContextRejectsMissingHeader(t *testing.T) {
	handler := TenantContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/connections", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantContextRejectsMalformedTenant(t *testing.T) {
	handler := TenantContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/connections", nil)
	req.Header.Set(TenantHeader, "Not A Tenant!")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
