package event

import (
	"sync"

	"github.com/hashicorp/go-hclog"

	"clustercore/pkg/logging"
)

// Listener receives events of type E. Implementations must be comparable
// (typically pointers) so they can be removed again.
type Listener[E any] interface {
	OnEvent(ev E)
}

// ListenerRegistry fans one event out to every registered listener. A
// panicking listener is logged and does not affect the others.
type ListenerRegistry[E any] struct {
	logger hclog.Logger

	mu        sync.RWMutex
	listeners []Listener[E]
}

func NewListenerRegistry[E any](logger hclog.Logger) *ListenerRegistry[E] {
	return &ListenerRegistry[E]{logger: logging.OrNull(logger)}
}

func (r *ListenerRegistry[E]) Add(l Listener[E]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *ListenerRegistry[E]) Remove(l Listener[E]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.listeners {
		if cur == l {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (r *ListenerRegistry[E]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Process delivers ev to a snapshot of the current listeners.
func (r *ListenerRegistry[E]) Process(ev E) {
	r.mu.RLock()
	snapshot := append([]Listener[E](nil), r.listeners...)
	r.mu.RUnlock()

	for _, l := range snapshot {
		r.notify(l, ev)
	}
}

func (r *ListenerRegistry[E]) notify(l Listener[E], ev E) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event listener panicked", "error", panicError{value: p})
		}
	}()
	l.OnEvent(ev)
}
