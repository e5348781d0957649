// Package services defines the business logic for direct-message delivery.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// The taxonomy mirrors how handlers map failures to HTTP results: validation
// failures are rejected synchronously and never retried, authorization
// failures are rejected and logged, and store timeouts are transient (clients
// retry with an Idempotency-Key).
package services

import "errors"

var (
	// ErrEmptyBody is returned when a message body is empty after trimming.
	// Note: the session-level send treats a blank body as a silent no-op;
	// this error surfaces only on direct service calls.
	ErrEmptyBody = errors.New("message body is empty")

	// ErrTooLong is returned when a message body exceeds the configured
	// maximum rune count.
	ErrTooLong = errors.New("message body too long")

	// ErrSelfMessage is returned when sender and receiver are the same user.
	ErrSelfMessage = errors.New("cannot message yourself")

	// ErrBadUser is returned when a user identifier is empty or malformed.
	ErrBadUser = errors.New("invalid user id")

	// ErrNotParty is returned when a user requests a conversation they are
	// not a participant of. Never retried.
	ErrNotParty = errors.New("not a party to this conversation")

	// ErrStoreTimeout is returned when a durable store operation exceeds its
	// deadline. Transient; safe to retry with an Idempotency-Key.
	ErrStoreTimeout = errors.New("store operation timed out")
)
