package event

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	kind Kind
	seq  int
}

func (e testEvent) Kind() Kind { return e.kind }

// recorder collects delivered events in order.
type recorder struct {
	mu     sync.Mutex
	events []testEvent
	fail   func(testEvent) error
}

func (r *recorder) Process(ev Event) error {
	te := ev.(testEvent)
	r.mu.Lock()
	r.events = append(r.events, te)
	r.mu.Unlock()
	if r.fail != nil {
		return r.fail(te)
	}
	return nil
}

func (r *recorder) seqs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.seq)
	}
	return out
}

func TestDispatcherDeliversInPostOrder(t *testing.T) {
	d := NewDispatcher(nil)
	rec := &recorder{}
	require.NoError(t, d.AddSink("role", rec))
	d.Start()
	defer d.Stop()

	d.Post(testEvent{kind: "role", seq: 1})
	d.Post(testEvent{kind: "role", seq: 2})
	d.Post(testEvent{kind: "role", seq: 3})

	require.Eventually(t, func() bool { return len(rec.seqs()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, rec.seqs())
}

func TestDispatcherQueuesBeforeStart(t *testing.T) {
	d := NewDispatcher(nil)
	rec := &recorder{}
	require.NoError(t, d.AddSink("node", rec))

	for i := 0; i < 100; i++ {
		d.Post(testEvent{kind: "node", seq: i})
	}
	assert.Equal(t, 100, d.Pending())

	d.Start()
	defer d.Stop()

	require.Eventually(t, func() bool { return len(rec.seqs()) == 100 }, time.Second, 5*time.Millisecond)
	for i, s := range rec.seqs() {
		assert.Equal(t, i, s)
	}
}

func TestDispatcherIsolatesSinkFaults(t *testing.T) {
	d := NewDispatcher(nil)
	rec := &recorder{fail: func(e testEvent) error {
		switch e.seq {
		case 1:
			return errors.New("boom")
		case 2:
			panic("sink bug")
		}
		return nil
	}}
	require.NoError(t, d.AddSink("role", rec))
	d.Start()
	defer d.Stop()

	d.Post(testEvent{kind: "role", seq: 1})
	d.Post(testEvent{kind: "role", seq: 2})
	d.Post(testEvent{kind: "role", seq: 3})

	require.Eventually(t, func() bool { return len(rec.seqs()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, rec.seqs())
}

func TestDispatcherSlowSinkDoesNotBlockPost(t *testing.T) {
	d := NewDispatcher(nil)
	release := make(chan struct{})
	require.NoError(t, d.AddSink("slow", SinkFunc(func(Event) error {
		<-release
		return nil
	})))
	d.Start()
	defer d.Stop()
	defer close(release)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			d.Post(testEvent{kind: "slow", seq: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Post blocked behind a slow sink")
	}
}

func TestDispatcherSinkRegistration(t *testing.T) {
	d := NewDispatcher(nil)
	require.NoError(t, d.AddSink("role", &recorder{}))
	require.ErrorIs(t, d.AddSink("role", &recorder{}), ErrSinkConflict)

	d.RemoveSink("role")
	require.NoError(t, d.AddSink("role", &recorder{}))
}

func TestDispatcherRoutesByKind(t *testing.T) {
	d := NewDispatcher(nil)
	roles, nodes := &recorder{}, &recorder{}
	require.NoError(t, d.AddSink("role", roles))
	require.NoError(t, d.AddSink("node", nodes))
	d.Start()
	defer d.Stop()

	d.Post(testEvent{kind: "role", seq: 1})
	d.Post(testEvent{kind: "node", seq: 2})
	d.Post(testEvent{kind: "unclaimed", seq: 3})
	d.Post(testEvent{kind: "role", seq: 4})

	require.Eventually(t, func() bool {
		return len(roles.seqs()) == 2 && len(nodes.seqs()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 4}, roles.seqs())
	assert.Equal(t, []int{2}, nodes.seqs())
}

func TestDispatcherRestart(t *testing.T) {
	d := NewDispatcher(nil)
	rec := &recorder{}
	require.NoError(t, d.AddSink("role", rec))

	d.Start()
	d.Start()
	d.Post(testEvent{kind: "role", seq: 1})
	require.Eventually(t, func() bool { return len(rec.seqs()) == 1 }, time.Second, 5*time.Millisecond)
	d.Stop()
	d.Stop()

	d.Post(testEvent{kind: "role", seq: 2})
	d.Start()
	defer d.Stop()
	require.Eventually(t, func() bool { return len(rec.seqs()) == 2 }, time.Second, 5*time.Millisecond)
}
