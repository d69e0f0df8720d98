package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clustercore/config"
	"clustercore/pkg/messaging"
	"clustercore/pkg/server"
)

func startNode(t *testing.T) *server.Server {
	t.Helper()
	cfg := config.GetDefaultConfig("node-1")
	cfg.Messaging.Port = 0
	cfg.Messaging.CloseGrace = 50 * time.Millisecond
	cfg.IDBlock.BlockSize = 100

	s, err := server.NewServer(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Activate())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func newClient(t *testing.T, s *server.Server) *Client {
	t.Helper()
	c, err := New(s.LocalEndpoint().String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientAdminRoundTrip(t *testing.T) {
	s := startNode(t)
	c := newClient(t, s)
	ctx := context.Background()

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-1", nodes[0].ID)
	assert.Equal(t, "ACTIVE", nodes[0].State)
	assert.True(t, nodes[0].Local)

	role, err := c.Role(ctx, "of:1")
	require.NoError(t, err)
	assert.False(t, role.Known)

	got, err := c.RequestRole(ctx, "of:1", "node-1")
	require.NoError(t, err)
	assert.Equal(t, "MASTER", got)

	role, err = c.SetRole(ctx, "of:1", "node-2", "STANDBY")
	require.NoError(t, err)
	assert.True(t, role.Known)
	assert.Equal(t, "node-1", role.Master)
	assert.Equal(t, []string{"node-2"}, role.Standbys)
	assert.Equal(t, uint64(1), role.Term)
	assert.Equal(t, "node-1", role.TermMaster)

	ts1, err := c.Timestamp(ctx, "of:1")
	require.NoError(t, err)
	ts2, err := c.Timestamp(ctx, "of:1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ts1.Term)
	assert.Equal(t, ts1.Sequence+1, ts2.Sequence)

	b1, err := c.Allocate(ctx, "dpids")
	require.NoError(t, err)
	b2, err := c.Allocate(ctx, "dpids")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), b1.Size)
	assert.Equal(t, b1.End, b2.Start)
}

func TestClientRemoteErrors(t *testing.T) {
	s := startNode(t)
	c := newClient(t, s)
	ctx := context.Background()

	_, err := c.SetRole(ctx, "of:1", "node-1", "LEADER")
	var remote *messaging.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "unknown role")

	_, err = c.Timestamp(ctx, "of:unknown")
	require.ErrorAs(t, err, &remote)

	_, err = c.Allocate(ctx, "")
	require.ErrorAs(t, err, &remote)
}

func TestClientBadAddress(t *testing.T) {
	_, err := New("not-an-endpoint", nil)
	require.Error(t, err)
}
