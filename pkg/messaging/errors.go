package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrNotActive is returned when sending through a deactivated transport.
	ErrNotActive = errors.New("messaging transport not active")
	// ErrHandlerConflict is returned when a subject already has a handler.
	ErrHandlerConflict = errors.New("handler already registered for subject")
	// ErrTimeout is returned when no reply arrives before the deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrConnection matches every *ConnectionError.
	ErrConnection = errors.New("connection error")
	// ErrConnectionClosed is the cause given to requests still pending when
	// their connection closes.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNoHandler is the cause of a RemoteError for an unknown subject.
	ErrNoHandler = errors.New("no handler registered for subject")
	// ErrHandlerFailed is the cause of a RemoteError for a failing handler.
	ErrHandlerFailed = errors.New("remote handler failed")
)

// ConnectionError reports that an endpoint could not be reached or that the
// connection dropped while a request was in flight.
type ConnectionError struct {
	Endpoint Endpoint
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// RemoteError is the caller-side view of an error reply envelope.
type RemoteError struct {
	Endpoint Endpoint
	Subject  string
	Status   Status
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s from %s (%s): %s", e.Subject, e.Endpoint, e.Status, e.Message)
}

func (e *RemoteError) Unwrap() error {
	if e.Status == StatusNoHandler {
		return ErrNoHandler
	}
	return ErrHandlerFailed
}
