package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clustercore/pkg/event"
	"clustercore/pkg/messaging"
)

type fakeProber struct {
	mu   sync.Mutex
	down map[NodeID]bool
}

func (p *fakeProber) set(id NodeID, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[id] = down
}

func (p *fakeProber) Probe(_ context.Context, n ControllerNode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down[n.ID] {
		return errors.New("unreachable")
	}
	return nil
}

func TestHeartbeatThreshold(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.AddNode("b", messaging.Endpoint{}, StateActive)
	reg.AddNode("c", messaging.Endpoint{}, StateActive)

	prober := &fakeProber{down: map[NodeID]bool{"b": true}}
	d := NewHeartbeatDetector(reg, prober, HeartbeatConfig{FailureThreshold: 3}, nil)
	ctx := context.Background()

	d.sweep(ctx)
	d.sweep(ctx)
	state, _ := reg.StateOf("b")
	assert.Equal(t, StateActive, state)
	assert.Equal(t, 2, d.Failures("b"))

	d.sweep(ctx)
	state, _ = reg.StateOf("b")
	assert.Equal(t, StateInactive, state)
	state, _ = reg.StateOf("c")
	assert.Equal(t, StateActive, state)

	prober.set("b", false)
	d.sweep(ctx)
	state, _ = reg.StateOf("b")
	assert.Equal(t, StateActive, state)
	assert.Equal(t, 0, d.Failures("b"))
}

func TestHeartbeatForgetsRemovedNodes(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.AddNode("b", messaging.Endpoint{}, StateActive)

	d := NewHeartbeatDetector(reg, &fakeProber{down: map[NodeID]bool{"b": true}}, HeartbeatConfig{}, nil)
	d.sweep(context.Background())
	assert.Equal(t, 1, d.Failures("b"))

	reg.RemoveNode("b")
	d.sweep(context.Background())
	assert.Equal(t, 0, d.Failures("b"))
}

func TestHeartbeatLoopMarksInactive(t *testing.T) {
	reg, rec := newTestRegistry(t)
	reg.AddNode("b", messaging.Endpoint{}, StateActive)
	assert.Equal(t, NodeAdded, rec.next(t).Type)

	d := NewHeartbeatDetector(reg, &fakeProber{down: map[NodeID]bool{"b": true}},
		HeartbeatConfig{Interval: 10 * time.Millisecond, FailureThreshold: 2}, nil)
	d.Start()
	d.Start()
	defer d.Stop()

	ev := rec.next(t)
	assert.Equal(t, NodeDeactivated, ev.Type)
	assert.Equal(t, NodeID("b"), ev.Node.ID)

	d.Stop()
	d.Stop()
}

func TestMessagingProber(t *testing.T) {
	newNode := func(id NodeID) (*Registry, *messaging.Transport) {
		tr := messaging.NewTransport(messaging.Options{
			Endpoint:   messaging.Endpoint{Host: "127.0.0.1"},
			CloseGrace: 50 * time.Millisecond,
		})
		require.NoError(t, tr.Activate())
		t.Cleanup(func() { _ = tr.Deactivate() })
		reg, err := NewRegistry(ControllerNode{ID: id, Endpoint: tr.LocalEndpoint()}, event.NewDispatcher(nil), nil)
		require.NoError(t, err)
		require.NoError(t, tr.RegisterHandler(HeartbeatSubject, HeartbeatHandler(reg, nil)))
		return reg, tr
	}
	_, trA := newNode("a")
	regB, trB := newNode("b")

	prober := &MessagingProber{Transport: trA, Local: "a"}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, prober.Probe(ctx, regB.LocalNode()))

	impostor := ControllerNode{ID: "c", Endpoint: trB.LocalEndpoint()}
	require.ErrorIs(t, prober.Probe(ctx, impostor), ErrUnexpectedNode)

	require.NoError(t, trB.Deactivate())
	require.Error(t, prober.Probe(ctx, regB.LocalNode()))
}
