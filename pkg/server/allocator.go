package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clustercore/pkg/cluster"
	raftex "clustercore/pkg/cluster/raft"
	"clustercore/pkg/idblock"
	"clustercore/pkg/messaging"
)

var errNoLeader = errors.New("no raft leader")

// leaderAllocator allocates locally while this node leads the raft group
// and forwards to the leader otherwise. Only the leader can commit CAS
// operations on the replicated counters.
type leaderAllocator struct {
	node   *raftex.Node
	local  idblock.BlockAllocator
	remote idblock.BlockAllocator
}

func newLeaderAllocator(node *raftex.Node, local idblock.BlockAllocator, reg *cluster.Registry, t idblock.Requester, timeout time.Duration) *leaderAllocator {
	return &leaderAllocator{
		node:  node,
		local: local,
		remote: &idblock.RemoteAllocator{
			Transport: t,
			Target:    func() (messaging.Endpoint, error) { return leaderEndpoint(node, reg) },
			Timeout:   timeout,
		},
	}
}

func (a *leaderAllocator) AllocateBlock(ctx context.Context, key string) (idblock.Block, error) {
	if a.node.IsLeader() {
		return a.local.AllocateBlock(ctx, key)
	}
	return a.remote.AllocateBlock(ctx, key)
}

func leaderEndpoint(node *raftex.Node, reg *cluster.Registry) (messaging.Endpoint, error) {
	id := node.LeaderID()
	if id == "" {
		return messaging.Endpoint{}, errNoLeader
	}
	n, ok := reg.Node(cluster.NodeID(id))
	if !ok {
		return messaging.Endpoint{}, fmt.Errorf("raft leader %s is not a registered node", id)
	}
	return n.Endpoint, nil
}
