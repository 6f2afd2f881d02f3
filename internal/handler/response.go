// Package handler contains the HTTP handlers of the runner API.
//
// HANDLER RESPONSIBILITIES:
// 1. Parse the incoming HTTP request (query params, body, headers)
// 2. Call the service layer
// 3. Write the HTTP response (status code, headers, body)
//
// Handlers hold no business logic. Everything they know about failures comes
// from the apperror sentinels, mapped to status codes in statusFor.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/polyglot-runner/internal/apperror"
)

// ErrorResponse is the body of every non-run error. Run failures use
// RunResponse instead, which also carries captured output.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`           // Human-readable description
	Code    string `json:"code"`            // Machine-readable type, e.g. "not_found"
	Field   string `json:"field,omitempty"` // Offending field for validation errors
}

// writeJSON sets headers, then status, then body. Header changes after the
// first body write are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// statusFor maps a domain error to an HTTP status and a machine-readable code.
// Every execution and toolchain failure is a 500: the request was fine, the
// program or its environment was not.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError sends err as an ErrorResponse.
//
// Only *AppError messages reach the client. Anything else may carry SQL,
// file paths or other internals, so it becomes a generic 500.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "An internal error occurred",
			Code:  "internal_error",
		})
		return
	}

	status, code := statusFor(err)
	writeJSON(w, status, ErrorResponse{
		Error: appErr.Message,
		Code:  code,
		Field: appErr.Field,
	})
}
