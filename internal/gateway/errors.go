package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lexilearn/token-gateway/internal/permission"
	"github.com/lexilearn/token-gateway/internal/storage"
)

// Stable machine-readable outcome codes. Client integrations branch on
// these (e.g. retry with backoff on rate_limit_exceeded, never retry on
// permission_denied), so they must not change.
const (
	CodeAuthorized         = "authorized"
	CodeMalformedToken     = "malformed_token"
	CodeTokenNotFound      = "token_not_found"
	CodeTokenInactive      = "token_inactive"
	CodeTokenExpired       = "token_expired"
	CodeUsageLimitExceeded = "usage_limit_exceeded"
	CodeIPNotAllowed       = "ip_not_allowed"
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeEndpointNotAllowed = "endpoint_not_allowed"
	CodePermissionDenied   = "permission_denied"
	CodeServiceUnavailable = "service_unavailable"
)

// ValidationError is a gateway denial with a stable code and HTTP mapping.
// The sentinel values below are compared with errors.Is; every stage
// returns exactly one of them, never a collapsed generic failure.
type ValidationError struct {
	Code       string
	Message    string
	HTTPStatus int
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "gateway: " + e.Message
}

// Validation failure sentinels, one per state-machine stage.
var (
	// ErrMalformedToken: the bearer value has no recognized kind prefix.
	ErrMalformedToken = &ValidationError{
		Code: CodeMalformedToken, Message: "malformed token", HTTPStatus: http.StatusUnauthorized}

	// ErrTokenNotFound: no token with this secret exists.
	ErrTokenNotFound = &ValidationError{
		Code: CodeTokenNotFound, Message: "token not found", HTTPStatus: http.StatusUnauthorized}

	// ErrTokenInactive: the token is revoked or administratively inactive.
	ErrTokenInactive = &ValidationError{
		Code: CodeTokenInactive, Message: "token is revoked or inactive", HTTPStatus: http.StatusUnauthorized}

	// ErrTokenExpired: expires_at is in the past.
	ErrTokenExpired = &ValidationError{
		Code: CodeTokenExpired, Message: "token expired", HTTPStatus: http.StatusUnauthorized}

	// ErrUsageLimitExceeded: usage_count reached max_usage_count.
	ErrUsageLimitExceeded = &ValidationError{
		Code: CodeUsageLimitExceeded, Message: "usage limit exceeded", HTTPStatus: http.StatusUnauthorized}

	// ErrIPNotAllowed: caller IP is not in the token's allowlist.
	ErrIPNotAllowed = &ValidationError{
		Code: CodeIPNotAllowed, Message: "IP address not allowed", HTTPStatus: http.StatusForbidden}

	// ErrRateLimitExceeded: an hour or day window is exhausted.
	ErrRateLimitExceeded = &ValidationError{
		Code: CodeRateLimitExceeded, Message: "rate limit exceeded", HTTPStatus: http.StatusTooManyRequests}

	// ErrEndpointNotAllowed: the requested path matches no allowed pattern.
	ErrEndpointNotAllowed = &ValidationError{
		Code: CodeEndpointNotAllowed, Message: "endpoint not allowed", HTTPStatus: http.StatusForbidden}

	// ErrServiceUnavailable: a dependency failed or timed out on the
	// authorization path. Fail closed: never authorize on ambiguity.
	ErrServiceUnavailable = &ValidationError{
		Code: CodeServiceUnavailable, Message: "validation dependency unavailable", HTTPStatus: http.StatusServiceUnavailable}
)

// PermissionDeniedError reports a permission-stage denial together with the
// specific operation, and field where one is at fault.
type PermissionDeniedError struct {
	Model  string
	Op     permission.Operation
	Reason permission.DenyReason
	Field  string // set for field_not_writable
}

// Error implements the error interface.
func (e *PermissionDeniedError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("gateway: permission denied for %s on %s: %s (%s)",
			e.Op, e.Model, e.Reason, e.Field)
	}
	return fmt.Sprintf("gateway: permission denied for %s on %s: %s", e.Op, e.Model, e.Reason)
}

// AttributedError wraps a denial that happened after the token was
// identified, carrying its identity for the usage log.
type AttributedError struct {
	TokenID int64
	Kind    storage.TokenKind
	Name    string
	Err     error
}

// Error implements the error interface.
func (e *AttributedError) Error() string { return e.Err.Error() }

// Unwrap exposes the underlying denial for errors.Is and errors.As.
func (e *AttributedError) Unwrap() error { return e.Err }

// CodeOf returns the stable outcome code for a validation error, or
// "service_unavailable" for anything unrecognized (fail closed).
func CodeOf(err error) string {
	if err == nil {
		return CodeAuthorized
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	var pe *PermissionDeniedError
	if errors.As(err, &pe) {
		return CodePermissionDenied
	}
	return CodeServiceUnavailable
}

// HTTPStatusOf returns the HTTP status for a validation error, or 503 for
// anything unrecognized.
func HTTPStatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.HTTPStatus
	}
	var pe *PermissionDeniedError
	if errors.As(err, &pe) {
		return http.StatusForbidden
	}
	return http.StatusServiceUnavailable
}
