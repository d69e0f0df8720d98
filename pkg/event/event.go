// Package event provides the in-process, ordered publish/subscribe bus that
// decouples state-change emitters from their subscribers.
package event

import (
	"errors"
	"fmt"
)

// Kind identifies a family of events. At most one sink handles each kind.
type Kind string

// Event is anything that can be posted to a Dispatcher.
type Event interface {
	Kind() Kind
}

// Sink consumes every event of the kind it is registered for.
type Sink interface {
	Process(ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event) error

func (f SinkFunc) Process(ev Event) error { return f(ev) }

// ErrSinkConflict is returned when a kind already has a sink.
var ErrSinkConflict = errors.New("event sink already registered")

// panicError carries a recovered sink or listener panic.
type panicError struct{ value any }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }
