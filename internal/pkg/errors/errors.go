package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrMalformedEnvelope marks a queue payload that failed structural validation.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrUnknownSender marks an envelope whose sender has no user record.
	ErrUnknownSender = errors.New("unknown sender")
)
