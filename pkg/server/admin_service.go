package server

import (
	"context"
	"fmt"

	"clustercore/api/admin"
	"clustercore/pkg/clock"
	"clustercore/pkg/cluster"
	"clustercore/pkg/idblock"
	"clustercore/pkg/mastership"
	"clustercore/pkg/messaging"
)

// AdminService answers operator requests on the admin subjects.
type AdminService struct {
	registry   *cluster.Registry
	store      *mastership.Store
	allocator  idblock.BlockAllocator
	clock      *clock.Service
	serializer messaging.Serializer
}

// NewAdminService creates an admin service over the node's components.
func NewAdminService(reg *cluster.Registry, store *mastership.Store, alloc idblock.BlockAllocator, clk *clock.Service) *AdminService {
	return &AdminService{
		registry:   reg,
		store:      store,
		allocator:  alloc,
		clock:      clk,
		serializer: messaging.JSONSerializer{},
	}
}

// Register binds every admin subject on t.
func (s *AdminService) Register(t *messaging.Transport) error {
	handlers := map[string]messaging.HandlerFunc{
		admin.SubjectNodes:       handle(s.serializer, s.Nodes),
		admin.SubjectRole:        handle(s.serializer, s.Role),
		admin.SubjectSetRole:     handle(s.serializer, s.SetRole),
		admin.SubjectRequestRole: handle(s.serializer, s.RequestRole),
		admin.SubjectAllocate:    handle(s.serializer, s.Allocate),
		admin.SubjectTimestamp:   handle(s.serializer, s.Timestamp),
	}
	for subject, h := range handlers {
		if err := t.RegisterHandler(subject, h); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes the admin subjects from t.
func (s *AdminService) Unregister(t *messaging.Transport) {
	for _, subject := range []string{
		admin.SubjectNodes, admin.SubjectRole, admin.SubjectSetRole,
		admin.SubjectRequestRole, admin.SubjectAllocate, admin.SubjectTimestamp,
	} {
		t.UnregisterHandler(subject)
	}
}

func handle[Req, Resp any](s messaging.Serializer, fn func(context.Context, Req) (Resp, error)) messaging.HandlerFunc {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if len(payload) > 0 {
			if err := s.Decode(payload, &req); err != nil {
				return nil, fmt.Errorf("decode request: %w", err)
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return s.Encode(resp)
	}
}

// Nodes returns all known cluster members
func (s *AdminService) Nodes(_ context.Context, _ struct{}) (admin.NodesResponse, error) {
	local := s.registry.LocalNode().ID
	var resp admin.NodesResponse
	for _, n := range s.registry.Nodes() {
		resp.Nodes = append(resp.Nodes, admin.Node{
			ID:    string(n.ID),
			Host:  n.Endpoint.Host,
			Port:  n.Endpoint.Port,
			State: n.State.String(),
			Local: n.ID == local,
		})
	}
	return resp, nil
}

// Role returns the mastership of a device
func (s *AdminService) Role(_ context.Context, req admin.RoleRequest) (admin.RoleResponse, error) {
	device := mastership.DeviceID(req.Device)
	resp := admin.RoleResponse{Device: req.Device}
	roles, ok := s.store.Role(device)
	if !ok {
		return resp, nil
	}
	term, _ := s.store.TermOf(device)
	resp.Known = true
	resp.Master = string(roles.Master)
	for _, n := range roles.Standbys {
		resp.Standbys = append(resp.Standbys, string(n))
	}
	resp.Term = term.Number
	resp.TermMaster = string(term.Master)
	return resp, nil
}

// SetRole arbitrates a role change
func (s *AdminService) SetRole(ctx context.Context, req admin.SetRoleRequest) (admin.RoleResponse, error) {
	role, err := mastership.ParseRole(req.Role)
	if err != nil {
		return admin.RoleResponse{}, err
	}
	if err := s.store.SetRole(ctx, mastership.DeviceID(req.Device), cluster.NodeID(req.Node), role); err != nil {
		return admin.RoleResponse{}, err
	}
	return s.Role(ctx, admin.RoleRequest{Device: req.Device})
}

// RequestRole asks for mastership on behalf of a node
func (s *AdminService) RequestRole(ctx context.Context, req admin.RequestRoleRequest) (admin.RequestRoleResponse, error) {
	role, err := s.store.RequestRole(ctx, mastership.DeviceID(req.Device), cluster.NodeID(req.Node))
	if err != nil {
		return admin.RequestRoleResponse{}, err
	}
	return admin.RequestRoleResponse{Role: role.String()}, nil
}

// Allocate reserves an id block
func (s *AdminService) Allocate(ctx context.Context, req admin.AllocateRequest) (admin.AllocateResponse, error) {
	if req.Key == "" {
		return admin.AllocateResponse{}, fmt.Errorf("missing counter key")
	}
	b, err := s.allocator.AllocateBlock(ctx, req.Key)
	if err != nil {
		return admin.AllocateResponse{}, err
	}
	return admin.AllocateResponse{Start: b.Start, End: b.End, Size: b.Size}, nil
}

// Timestamp issues a logical timestamp for a device
func (s *AdminService) Timestamp(_ context.Context, req admin.TimestampRequest) (admin.TimestampResponse, error) {
	ts, err := s.clock.Timestamp(mastership.DeviceID(req.Device))
	if err != nil {
		return admin.TimestampResponse{}, err
	}
	return admin.TimestampResponse{Term: ts.Term, Sequence: ts.Sequence}, nil
}
