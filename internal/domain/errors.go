package domain

import "errors"

// Error taxonomy shared across the store, dispatcher and API layer.
var (
	// ErrNotFound means the referenced entity does not exist or is not
	// owned by the requester.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument means the request carried a malformed value,
	// such as an unrecognized test type.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState means an attempted status transition is not legal
	// from the current state. Nothing is written when it is returned.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrTimeout means a cancellation acknowledgement was not received
	// in time and the cancellation was forced.
	ErrTimeout = errors.New("timed out")
)
