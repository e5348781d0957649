// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// These symbolic constants form the stable, machine-readable error taxonomy
// that supplements human-readable messages in ErrorResponse. Codes are
// lowercase snake_case; generic codes mirror common HTTP status semantics,
// domain-specific ones cover business failures a status alone cannot convey.
// Handlers pick the most specific matching code and pass it to fail().

package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeSendFailed       = "send_failed"
	ErrCodeListFailed       = "list_failed"
	ErrCodeStoreTimeout     = "store_timeout"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
