package cluster

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"clustercore/pkg/event"
	"clustercore/pkg/logging"
	"clustercore/pkg/messaging"
)

// Registry holds the membership view of this node. Mutations come from a
// failure detector; every change is posted to the event dispatcher and fanned
// out to subscribers from the dispatch worker.
type Registry struct {
	logger     hclog.Logger
	dispatcher *event.Dispatcher
	listeners  *event.ListenerRegistry[Event]
	local      NodeID

	mu    sync.RWMutex
	nodes map[NodeID]*ControllerNode
}

// NewRegistry creates a registry containing the local node, ACTIVE, and
// registers its sink on d.
func NewRegistry(local ControllerNode, d *event.Dispatcher, logger hclog.Logger) (*Registry, error) {
	if local.ID == "" {
		return nil, fmt.Errorf("local node id is required")
	}
	logger = logging.OrNull(logger).Named("cluster")
	r := &Registry{
		logger:     logger,
		dispatcher: d,
		listeners:  event.NewListenerRegistry[Event](logger),
		local:      local.ID,
		nodes:      make(map[NodeID]*ControllerNode),
	}
	local.State = StateActive
	r.nodes[local.ID] = &local

	err := d.AddSink(EventKind, event.SinkFunc(func(ev event.Event) error {
		r.listeners.Process(ev.(Event))
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Close unregisters the registry's sink.
func (r *Registry) Close() {
	r.dispatcher.RemoveSink(EventKind)
}

// LocalNode returns the entry of this process.
func (r *Registry) LocalNode() ControllerNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *r.nodes[r.local]
}

// Nodes returns a snapshot of all known nodes ordered by id.
func (r *Registry) Nodes() []ControllerNode {
	r.mu.RLock()
	out := make([]ControllerNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Node returns the node with the given id.
func (r *Registry) Node(id NodeID) (ControllerNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return ControllerNode{}, false
	}
	return *n, true
}

// StateOf returns the state of the node with the given id.
func (r *Registry) StateOf(id NodeID) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return StateInactive, false
	}
	return n.State, true
}

func (r *Registry) Subscribe(l Listener)   { r.listeners.Add(l) }
func (r *Registry) Unsubscribe(l Listener) { r.listeners.Remove(l) }

// AddNode registers a node or updates its endpoint. New nodes start with the
// given state. The local node is always ACTIVE.
func (r *Registry) AddNode(id NodeID, ep messaging.Endpoint, state State) {
	if id == r.local {
		state = StateActive
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if ok {
		n.Endpoint = ep
		r.setStateLocked(n, state)
		return
	}
	n = &ControllerNode{ID: id, Endpoint: ep, State: state}
	r.nodes[id] = n
	r.logger.Info("node added", "node", id, "endpoint", ep.String(), "state", state)
	r.postLocked(NodeAdded, n)
}

// MarkActive marks a known node ACTIVE. It reports false for unknown ids.
func (r *Registry) MarkActive(id NodeID) bool {
	return r.setState(id, StateActive)
}

// MarkInactive marks a known node INACTIVE. It reports false for unknown ids.
// The local node can not be marked inactive.
func (r *Registry) MarkInactive(id NodeID) bool {
	if id == r.local {
		return false
	}
	return r.setState(id, StateInactive)
}

// RemoveNode forgets a node. The local node can not be removed.
func (r *Registry) RemoveNode(id NodeID) bool {
	if id == r.local {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	delete(r.nodes, id)
	r.logger.Info("node removed", "node", id)
	r.postLocked(NodeRemoved, n)
	return true
}

func (r *Registry) setState(id NodeID, state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	r.setStateLocked(n, state)
	return true
}

func (r *Registry) setStateLocked(n *ControllerNode, state State) {
	if n.State == state {
		return
	}
	n.State = state
	r.logger.Info("node state changed", "node", n.ID, "state", state)
	if state == StateActive {
		r.postLocked(NodeActivated, n)
	} else {
		r.postLocked(NodeDeactivated, n)
	}
}

// postLocked is called with mu held so events are queued in mutation order.
func (r *Registry) postLocked(t EventType, n *ControllerNode) {
	r.dispatcher.Post(Event{Type: t, Node: *n, Time: time.Now()})
}
