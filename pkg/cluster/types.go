// Package cluster tracks the controller nodes of the cluster and their
// liveness.
package cluster

import (
	"fmt"
	"time"

	"clustercore/pkg/event"
	"clustercore/pkg/messaging"
)

// NodeID identifies a controller instance.
type NodeID string

// State is the liveness of a node as seen by the failure detector.
type State int

const (
	StateInactive State = iota
	StateActive
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateInactive:
		return "INACTIVE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ControllerNode is a cluster member.
type ControllerNode struct {
	ID       NodeID
	Endpoint messaging.Endpoint
	State    State
}

// EventKind is the dispatcher kind of membership events.
const EventKind event.Kind = "cluster-membership"

// EventType describes a membership change.
type EventType int

const (
	NodeAdded EventType = iota
	NodeActivated
	NodeDeactivated
	NodeRemoved
)

func (t EventType) String() string {
	switch t {
	case NodeAdded:
		return "NODE_ADDED"
	case NodeActivated:
		return "NODE_ACTIVATED"
	case NodeDeactivated:
		return "NODE_DEACTIVATED"
	case NodeRemoved:
		return "NODE_REMOVED"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event reports a change to one node. Node is the entry after the change,
// or the last known entry for NodeRemoved.
type Event struct {
	Type EventType
	Node ControllerNode
	Time time.Time
}

func (Event) Kind() event.Kind { return EventKind }

// Listener receives membership events.
type Listener = event.Listener[Event]
