// Package services defines the business logic for rooms, messages, and the
// room-state resolver. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

// Room-related errors.
var (
	// ErrRoomNotFound indicates that the requested room does not exist.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomExpired is returned when an operation targets a room whose
	// expiration timestamp has passed.
	ErrRoomExpired = errors.New("room expired")

	// ErrNotRoomOwner is returned when a user attempts to modify or delete
	// a room they do not own.
	ErrNotRoomOwner = errors.New("not the room owner")

	// ErrAccessDenied is returned when a user may not enter a room because
	// of its visibility class.
	ErrAccessDenied = errors.New("access to room denied")

	// ErrInvalidDuration is returned when a room duration directive is not
	// one of the accepted values.
	ErrInvalidDuration = errors.New("invalid room duration")

	// ErrInvalidRoomType is returned when a room visibility class is not
	// public, protected, or private.
	ErrInvalidRoomType = errors.New("invalid room type")
)

// Message-related errors. These are the send validation failures: they are
// returned before any persistence side effect happens.
var (
	// ErrEmptyMessage is returned when a message has neither body text nor
	// an attached file reference.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrMessageTooLong is returned when a message body exceeds the
	// configured maximum length.
	ErrMessageTooLong = errors.New("message body too long")

	// ErrBadMessageType is returned when a user tries to send a message
	// whose type is neither simple nor private.
	ErrBadMessageType = errors.New("message type not sendable")

	// ErrNoRecipients is returned when a private message carries no
	// recipients.
	ErrNoRecipients = errors.New("private message without recipients")

	// ErrTooManyRecipients is returned when a message addresses more
	// recipients than the configured maximum.
	ErrTooManyRecipients = errors.New("too many recipients")

	// ErrNotInRoom is returned when a user acts on a room they have not
	// entered.
	ErrNotInRoom = errors.New("user is not in the room")
)
