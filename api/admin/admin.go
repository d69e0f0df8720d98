// Package admin defines the operator requests a node answers over the
// messaging transport. Payloads are JSON.
package admin

// Admin subjects.
const (
	SubjectNodes       = "admin-nodes"
	SubjectRole        = "admin-role"
	SubjectSetRole     = "admin-set-role"
	SubjectRequestRole = "admin-request-role"
	SubjectAllocate    = "admin-allocate"
	SubjectTimestamp   = "admin-timestamp"
)

// Node describes one cluster member.
type Node struct {
	ID    string `json:"id"`
	Host  string `json:"host"`
	Port  uint16 `json:"port"`
	State string `json:"state"`
	Local bool   `json:"local,omitempty"`
}

type NodesResponse struct {
	Nodes []Node `json:"nodes"`
}

type RoleRequest struct {
	Device string `json:"device"`
}

type RoleResponse struct {
	Device     string   `json:"device"`
	Known      bool     `json:"known"`
	Master     string   `json:"master,omitempty"`
	Standbys   []string `json:"standbys,omitempty"`
	Term       uint64   `json:"term"`
	TermMaster string   `json:"term_master,omitempty"`
}

type SetRoleRequest struct {
	Device string `json:"device"`
	Node   string `json:"node"`
	Role   string `json:"role"`
}

type RequestRoleRequest struct {
	Device string `json:"device"`
	Node   string `json:"node"`
}

type RequestRoleResponse struct {
	Role string `json:"role"`
}

type AllocateRequest struct {
	Key string `json:"key"`
}

type AllocateResponse struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Size  uint64 `json:"size"`
}

type TimestampRequest struct {
	Device string `json:"device"`
}

type TimestampResponse struct {
	Term     uint64 `json:"term"`
	Sequence uint64 `json:"sequence"`
}
