// Package errors defines the HTTP error envelope and wrap helpers
// shared by the CLI and the server.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/courtyard/studio/pkg/jobs"
)

// Error codes returned in HTTP envelopes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeJobNotFound        = "JOB_NOT_FOUND"
	CodeReconcileFailed    = "RECONCILE_FAILED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// ErrorDetail is the payload of an HTTP error response.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON envelope for every HTTP error.
type HTTPErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// WriteHTTPError writes a JSON error envelope with the given status.
func WriteHTTPError(w http.ResponseWriter, status int, detail ErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: detail})
}

// RespondWithError maps an error to its HTTP envelope. Unrecognized
// errors become opaque 500s so internals never leak to clients.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case stderrors.Is(err, jobs.ErrNotFound):
		WriteHTTPError(w, http.StatusNotFound, ErrorDetail{
			Code:    CodeJobNotFound,
			Message: err.Error(),
		})
	case IsExternalService(err):
		WriteHTTPError(w, http.StatusBadGateway, ErrorDetail{
			Code:    CodeServiceUnavailable,
			Message: err.Error(),
		})
	default:
		WriteHTTPError(w, http.StatusInternalServerError, ErrorDetail{
			Code:    CodeInternal,
			Message: "internal error",
		})
	}
}

// NewExternalServiceError marks a failure of an external collaborator
// (daemon restart, worker runtime).
func NewExternalServiceError(message string) error {
	return &externalServiceError{message: message}
}

type externalServiceError struct {
	message string
}

func (e *externalServiceError) Error() string {
	return e.message
}

// IsExternalService reports whether err is an external service failure.
func IsExternalService(err error) bool {
	var ese *externalServiceError
	return stderrors.As(err, &ese)
}

// WrapInternal annotates an unexpected internal failure.
func WrapInternal(_ context.Context, err error, message string) error {
	if err == nil {
		return fmt.Errorf("%s", message)
	}
	return fmt.Errorf("%s: %w", message, err)
}
