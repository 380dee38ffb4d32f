// Package response provides standardized HTTP response helpers for the
// REST adapter: JSON encoding with logged failures and the uniform
// {code, message, details} error shape every surface returns.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/aionixone/openact/internal/openacterr"
)

// PaginatedResponse wraps a list result with its paging window.
type PaginatedResponse struct {
	Data   any `json:"data"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// DataResponse wraps a single result in a data envelope.
type DataResponse struct {
	Data any `json:"data"`
}

// JSON sends a JSON response with proper error handling. If encoding fails
// the headers are already written, so the failure is logged, not resent.
func JSON(w http.ResponseWriter, logger *slog.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		if logger != nil {
			logger.Error("failed to encode JSON response", "error", err)
		}
	}
}

// Data sends a JSON response wrapped in a data envelope.
func Data(w http.ResponseWriter, logger *slog.Logger, status int, data any) {
	JSON(w, logger, status, DataResponse{Data: data})
}

// Error renders err into the uniform error shape with a status derived
// from its kind.
func Error(w http.ResponseWriter, logger *slog.Logger, err error) {
	JSON(w, logger, StatusFor(err), openacterr.ToResponse(err))
}

// StatusFor maps an error kind to its HTTP status code.
func StatusFor(err error) int {
	switch openacterr.KindOf(err) {
	case openacterr.KindValidation, openacterr.KindForbiddenHeader, openacterr.KindPolicyViolation:
		return http.StatusBadRequest
	case openacterr.KindNotFound:
		return http.StatusNotFound
	case openacterr.KindVersionConflict:
		return http.StatusConflict
	case openacterr.KindAuth, openacterr.KindCredentialNotIssued:
		return http.StatusUnauthorized
	case openacterr.KindTransient:
		return http.StatusBadGateway
	case openacterr.KindBinaryNotAllowed, openacterr.KindResponseTooLarge:
		return http.StatusUnprocessableEntity
	case openacterr.KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}
