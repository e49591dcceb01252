package sessions

import "errors"

var (
	// ErrSessionNotFound is returned for unknown or deleted session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateRequestID is returned when a request id is already in flight.
	ErrDuplicateRequestID = errors.New("request id already in flight")
	// ErrRequestTimeout rejects a waiter that outlived the request timeout.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrSessionTerminated rejects the waiters of a deleted session.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrStreamClosed ends a push stream that was replaced or whose session
	// was deleted.
	ErrStreamClosed = errors.New("push stream closed")
)
