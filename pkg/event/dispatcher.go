package event

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"clustercore/pkg/logging"
)

// Dispatcher delivers posted events to sinks on a single worker goroutine in
// strict post order. Post never blocks the emitter; the queue is unbounded.
type Dispatcher struct {
	logger hclog.Logger

	mu      sync.Mutex
	sinks   map[Kind]Sink
	queue   []Event
	running bool
	stop    chan struct{}
	done    chan struct{}

	// signal has capacity one; a pending token means the queue may be non-empty.
	signal chan struct{}
}

// NewDispatcher creates a stopped dispatcher. Events posted before Start are
// queued and delivered once it runs.
func NewDispatcher(logger hclog.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logging.OrNull(logger).Named("event"),
		sinks:  make(map[Kind]Sink),
		signal: make(chan struct{}, 1),
	}
}

// AddSink registers the sink for kind.
func (d *Dispatcher) AddSink(kind Kind, sink Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sinks[kind]; ok {
		return fmt.Errorf("%w: %s", ErrSinkConflict, kind)
	}
	d.sinks[kind] = sink
	return nil
}

// RemoveSink unregisters the sink for kind, if any.
func (d *Dispatcher) RemoveSink(kind Kind) {
	d.mu.Lock()
	delete(d.sinks, kind)
	d.mu.Unlock()
}

// Post enqueues ev for delivery.
func (d *Dispatcher) Post(ev Event) {
	d.mu.Lock()
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Start launches the dispatch worker. Calling Start on a running dispatcher
// is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.stop, d.done)
}

// Stop halts the worker after the event it is currently delivering and
// waits for it to exit. Undelivered events stay queued for a later Start.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	stop, done := d.stop, d.done
	d.mu.Unlock()

	close(stop)
	<-done
}

func (d *Dispatcher) run(stop, done chan struct{}) {
	defer close(done)

	// Deliver anything posted before Start.
	d.drain(stop)
	for {
		select {
		case <-stop:
			return
		case <-d.signal:
			d.drain(stop)
		}
	}
}

func (d *Dispatcher) drain(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		sink := d.sinks[ev.Kind()]
		d.mu.Unlock()

		if sink == nil {
			d.logger.Debug("no sink for event", "kind", ev.Kind())
			continue
		}
		if err := deliver(sink, ev); err != nil {
			d.logger.Error("event sink failed", "kind", ev.Kind(), "error", err)
		}
	}
}

func deliver(sink Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return sink.Process(ev)
}

// Pending reports how many events are queued but not yet delivered.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
