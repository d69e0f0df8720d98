package client

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"clustercore/api/admin"
	"clustercore/pkg/messaging"
)

// Client is a typed SDK for the admin subjects of a clustercore node.
type Client struct {
	transport  *messaging.Transport
	target     messaging.Endpoint
	timeout    time.Duration
	serializer messaging.Serializer
}

// Options control Client behavior.
type Options struct {
	// Timeout bounds every request.
	Timeout time.Duration
	// ConnectTimeout is the timeout for establishing the connection.
	ConnectTimeout time.Duration
	Logger         hclog.Logger
}

// New prepares a client for the node at address (host:port). The client
// carries its own transport on an ephemeral local port.
func New(address string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{Timeout: 5 * time.Second, ConnectTimeout: 2 * time.Second}
	}
	target, err := messaging.ParseEndpoint(address)
	if err != nil {
		return nil, err
	}
	t := messaging.NewTransport(messaging.Options{
		Endpoint:       messaging.Endpoint{Host: "127.0.0.1"},
		ConnectTimeout: opts.ConnectTimeout,
		RequestTimeout: opts.Timeout,
		Logger:         opts.Logger,
	})
	if err := t.Activate(); err != nil {
		return nil, err
	}
	return &Client{
		transport:  t,
		target:     target,
		timeout:    opts.Timeout,
		serializer: messaging.JSONSerializer{},
	}, nil
}

// Close shuts the client transport down.
func (c *Client) Close() error { return c.transport.Deactivate() }

func (c *Client) call(ctx context.Context, subject string, req, resp any) error {
	payload, err := c.serializer.Encode(req)
	if err != nil {
		return err
	}
	reply, err := c.transport.SendAndReceive(ctx, c.target, subject, payload, c.timeout)
	if err != nil {
		return err
	}
	return c.serializer.Decode(reply, resp)
}

// Nodes lists the cluster members known to the node.
func (c *Client) Nodes(ctx context.Context) ([]admin.Node, error) {
	var resp admin.NodesResponse
	if err := c.call(ctx, admin.SubjectNodes, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// Role returns the mastership of device.
func (c *Client) Role(ctx context.Context, device string) (admin.RoleResponse, error) {
	var resp admin.RoleResponse
	err := c.call(ctx, admin.SubjectRole, admin.RoleRequest{Device: device}, &resp)
	return resp, err
}

// SetRole assigns role to node for device and returns the resulting
// mastership.
func (c *Client) SetRole(ctx context.Context, device, node, role string) (admin.RoleResponse, error) {
	var resp admin.RoleResponse
	err := c.call(ctx, admin.SubjectSetRole, admin.SetRoleRequest{Device: device, Node: node, Role: role}, &resp)
	return resp, err
}

// RequestRole asks for mastership of device on behalf of node and returns
// the role node ends up with.
func (c *Client) RequestRole(ctx context.Context, device, node string) (string, error) {
	var resp admin.RequestRoleResponse
	if err := c.call(ctx, admin.SubjectRequestRole, admin.RequestRoleRequest{Device: device, Node: node}, &resp); err != nil {
		return "", err
	}
	return resp.Role, nil
}

// Allocate reserves an id block on counter key.
func (c *Client) Allocate(ctx context.Context, key string) (admin.AllocateResponse, error) {
	var resp admin.AllocateResponse
	err := c.call(ctx, admin.SubjectAllocate, admin.AllocateRequest{Key: key}, &resp)
	return resp, err
}

// Timestamp issues a logical timestamp for device.
func (c *Client) Timestamp(ctx context.Context, device string) (admin.TimestampResponse, error) {
	var resp admin.TimestampResponse
	err := c.call(ctx, admin.SubjectTimestamp, admin.TimestampRequest{Device: device}, &resp)
	return resp, err
}
