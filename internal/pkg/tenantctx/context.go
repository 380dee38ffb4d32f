// Package tenantctx carries the request's tenant segment through context.Context.
package tenantctx

import (
	"context"
	"errors"
)

type contextKey string

const tenantIDKey contextKey = "tenant_id"

// ErrNoTenant is returned when no tenant ID is found in context.
var ErrNoTenant = errors.New("no tenant ID in context")

// WithTenantID returns a new context with the tenant ID set.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GetTenantID retrieves the tenant ID from the context, or "" if absent.
func GetTenantID(ctx context.Context) string {
	if tenantID, ok := ctx.Value(tenantIDKey).(string); ok {
		return tenantID
	}
	return ""
}

// MustGetTenantID retrieves the tenant ID from the context or returns ErrNoTenant.
func MustGetTenantID(ctx context.Context) (string, error) {
	tenantID := GetTenantID(ctx)
	if tenantID == "" {
		return "", ErrNoTenant
	}
	return tenantID, nil
}
