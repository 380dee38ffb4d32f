// Package handlers implements the thin REST handlers of the interface
// adapter: decode, validate, delegate to the core operation, encode.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/merge"
	"github.com/aionixone/openact/internal/openacterr"
	"github.com/aionixone/openact/internal/pkg/tenantctx"
	"github.com/aionixone/openact/internal/trn"
)

// trnFromPath reads the wildcard tail of the route as a TRN. TRNs carry
// colons and slashes, so routes mount them as catch-alls rather than
// single path params.
func trnFromPath(r *http.Request) string {
	return chi.URLParam(r, "*")
}

// tenantScopedTRN parses raw, checks it addresses wantKind, and checks its
// tenant segment matches the request's tenant.
func tenantScopedTRN(r *http.Request, raw string, wantKind trn.ResourceKind) (trn.TRN, error) {
	const op = "api.tenantScopedTRN"
	parsed, err := trn.Parse(raw)
	if err != nil {
		return trn.TRN{}, err
	}
	if parsed.Kind != wantKind {
		return trn.TRN{}, openacterr.New(openacterr.KindValidation, op, "trn addresses the wrong resource kind").
			WithDetails(map[string]any{"trn": raw, "expected_kind": string(wantKind)})
	}
	tenant := tenantctx.GetTenantID(r.Context())
	if parsed.Tenant != tenant {
		return trn.TRN{}, openacterr.New(openacterr.KindValidation, op, "trn tenant does not match request tenant").
			WithDetails(map[string]any{"trn_tenant": parsed.Tenant})
	}
	return parsed, nil
}

// pagination reads offset/limit query params with the store's defaults.
func pagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	return offset, limit
}

// valuesFromWire converts the wire form of a header/query map into a
// ValuesMap plus explicit deletes; see merge.ValuesFromWire.
func valuesFromWire(in map[string]any) (domain.ValuesMap, map[string]bool, error) {
	return merge.ValuesFromWire(in)
}

// redactAuthParameters clears secret fields before a Connection leaves the
// API surface; presence is reported separately by the handler.
func redactAuthParameters(p domain.AuthParameters) domain.AuthParameters {
	p.APIKeyValue = ""
	p.Password = ""
	p.ClientSecret = ""
	return p
}
