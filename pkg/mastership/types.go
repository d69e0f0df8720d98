// Package mastership arbitrates which controller node is master of each
// device and tracks the mastership term that orders writes across handoffs.
package mastership

import (
	"fmt"

	"clustercore/pkg/cluster"
	"clustercore/pkg/event"
)

// DeviceID identifies a managed device.
type DeviceID string

// Role is the relationship of a node to a device.
type Role int

const (
	RoleNone Role = iota
	RoleMaster
	RoleStandby
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "NONE"
	case RoleMaster:
		return "MASTER"
	case RoleStandby:
		return "STANDBY"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole parses the String form of a Role, case-sensitively.
func ParseRole(s string) (Role, error) {
	switch s {
	case "NONE":
		return RoleNone, nil
	case "MASTER":
		return RoleMaster, nil
	case "STANDBY":
		return RoleStandby, nil
	default:
		return RoleNone, fmt.Errorf("unknown role %q", s)
	}
}

// RoleValue holds the master of a device, if any, and its standbys in
// promotion order. A node appears at most once.
type RoleValue struct {
	Master   cluster.NodeID   `json:"master,omitempty"`
	Standbys []cluster.NodeID `json:"standbys,omitempty"`
}

// RoleOf returns the role node holds in v.
func (v RoleValue) RoleOf(node cluster.NodeID) Role {
	if v.Master != "" && v.Master == node {
		return RoleMaster
	}
	if v.standbyIndex(node) >= 0 {
		return RoleStandby
	}
	return RoleNone
}

func (v RoleValue) standbyIndex(node cluster.NodeID) int {
	for i, n := range v.Standbys {
		if n == node {
			return i
		}
	}
	return -1
}

func (v RoleValue) clone() RoleValue {
	v.Standbys = append([]cluster.NodeID(nil), v.Standbys...)
	return v
}

func (v *RoleValue) removeStandby(node cluster.NodeID) bool {
	i := v.standbyIndex(node)
	if i < 0 {
		return false
	}
	v.Standbys = append(v.Standbys[:i:i], v.Standbys[i+1:]...)
	return true
}

func (v *RoleValue) pushStandby(node cluster.NodeID) {
	v.Standbys = append([]cluster.NodeID{node}, v.Standbys...)
}

// Term is an epoch of mastership for one device. Number increases every
// time the master slot changes, including when it becomes vacant.
type Term struct {
	Number uint64         `json:"number"`
	Master cluster.NodeID `json:"master,omitempty"`
}

// Snapshot is the full mastership state of one device. Revision counts
// changes within a term, so standby updates that keep the term are ordered
// too.
type Snapshot struct {
	Roles    RoleValue `json:"roles"`
	Term     Term      `json:"term"`
	Revision uint64    `json:"revision"`
}

// newerThan reports whether s is a later state than term and revision.
func (s Snapshot) newerThan(term Term, revision uint64) bool {
	if s.Term.Number != term.Number {
		return s.Term.Number > term.Number
	}
	return s.Term.Master == term.Master && s.Revision > revision
}

// EventKind is the dispatcher kind of mastership events.
const EventKind event.Kind = "mastership"

// EventType describes a mastership change.
type EventType int

const (
	// MasterChanged is emitted with every term change.
	MasterChanged EventType = iota
	// BackupsChanged is emitted when only the standby list changed.
	BackupsChanged
)

func (t EventType) String() string {
	switch t {
	case MasterChanged:
		return "MASTER_CHANGED"
	case BackupsChanged:
		return "BACKUPS_CHANGED"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event reports the state of a device after a change. Remote is set for
// changes adopted from a peer through Apply.
type Event struct {
	Type     EventType
	Device   DeviceID
	Roles    RoleValue
	Term     Term
	Revision uint64
	Remote   bool
}

func (Event) Kind() event.Kind { return EventKind }

// Listener receives mastership events.
type Listener = event.Listener[Event]
