// Package handlers defines the HTTP-layer error codes used across the API.
//
// These symbolic constants give clients a stable, machine-readable error
// taxonomy that supplements the human-readable messages. Codes are
// lowercase snake_case; generic ones mirror common HTTP status semantics,
// while domain-specific ones cover business failures that a status alone
// cannot convey. Handlers pick the most specific matching code and pass it
// to fail() together with the HTTP status.
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
	ErrCodeRoomExpired      = "room_expired"
	ErrCodeNotInRoom        = "not_in_room"
	ErrCodeCreateFailed     = "create_failed"
	ErrCodeListFailed       = "list_failed"
	ErrCodeSendFailed       = "send_failed"
	ErrCodeSyncFailed       = "sync_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
