package admin

import (
	"encoding/json"
	"net/http"
)

// Standard error codes for API responses.
const (
	// ErrCodeInvalidRequest indicates a malformed request body or parameter.
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeInvalidCredentials indicates an invalid or missing admin secret.
	ErrCodeInvalidCredentials = "invalid_credentials"

	// ErrCodeInvalidPolicy indicates a token policy that failed validation.
	ErrCodeInvalidPolicy = "invalid_policy"

	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeInternalError indicates a server error.
	ErrCodeInternalError = "internal_error"
)

// APIError is the standard error response format for JSON APIs.
type APIError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// WriteError writes a JSON error response with the given status code, error code, and message.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteErrorWithHint(w, status, code, message, "")
}

// WriteErrorWithHint writes a JSON error response with an optional hint for resolving the error.
func WriteErrorWithHint(w http.ResponseWriter, status int, code, message, hint string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := APIError{
		Error:   code,
		Message: message,
		Hint:    hint,
	}
	// Encoding errors are not critical since headers are already sent
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		_ = err
	}
}

// writeJSON writes a JSON success response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_ = err
	}
}
