// Package raft replicates the counter substrate with hashicorp/raft, giving
// the ID block allocator a cluster-wide linearizable compare-and-set.
package raft

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"clustercore/pkg/logging"
)

// Peer is one voting member of the initial configuration.
type Peer struct {
	ID   string
	Addr string
}

// Config contains the settings to start a Raft node.
type Config struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	// Peers, including the local node, form the bootstrap configuration.
	// Empty means a single-node cluster.
	Peers []Peer
}

// Node wraps hashicorp/raft components.
type Node struct {
	raft   *hraft.Raft
	fsm    *FSM
	store  *raftboltdb.BoltStore
	closer func() error
}

func raftConfig(nodeID string, logger hclog.Logger) *hraft.Config {
	rcfg := hraft.DefaultConfig()
	rcfg.LocalID = hraft.ServerID(nodeID)
	rcfg.HeartbeatTimeout = 200 * time.Millisecond
	rcfg.ElectionTimeout = 200 * time.Millisecond
	rcfg.LeaderLeaseTimeout = 200 * time.Millisecond
	rcfg.CommitTimeout = 50 * time.Millisecond
	rcfg.Logger = logger
	return rcfg
}

// Start sets up a local raft node backed by bolt log and stable stores.
func Start(cfg Config, logger hclog.Logger) (*Node, error) {
	logger = logging.OrNull(logger).Named("raft")
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("raft data dir: %w", err)
	}

	// Stores
	store, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.bolt"))
	if err != nil {
		return nil, fmt.Errorf("bolt log store: %w", err)
	}
	snap, err := hraft.NewFileSnapshotStoreWithLogger(filepath.Join(cfg.DataDir, "snapshots"), 2, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("snapshot store: %w", err)
	}

	// Transport
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	trans, err := hraft.NewTCPTransportWithLogger(cfg.BindAddr, addr, 3, 10*time.Second, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	fsm := NewFSM()
	ra, err := hraft.NewRaft(raftConfig(cfg.NodeID, logger), fsm, store, store, snap, trans)
	if err != nil {
		_ = trans.Close()
		_ = store.Close()
		return nil, err
	}

	n := &Node{raft: ra, fsm: fsm, store: store, closer: trans.Close}
	if cfg.Bootstrap {
		if err := n.bootstrap(cfg, trans.LocalAddr()); err != nil {
			_ = n.Shutdown()
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) bootstrap(cfg Config, local hraft.ServerAddress) error {
	servers := []hraft.Server{{ID: hraft.ServerID(cfg.NodeID), Address: local}}
	for _, p := range cfg.Peers {
		if p.ID == cfg.NodeID {
			continue
		}
		servers = append(servers, hraft.Server{ID: hraft.ServerID(p.ID), Address: hraft.ServerAddress(p.Addr)})
	}
	err := n.raft.BootstrapCluster(hraft.Configuration{Servers: servers}).Error()
	if err != nil && !errors.Is(err, hraft.ErrCantBootstrap) {
		return fmt.Errorf("bootstrap: %w", err)
	}
	return nil
}

// LeaderID returns the current leader id, if known.
func (n *Node) LeaderID() string {
	_, id := n.raft.LeaderWithID()
	return string(id)
}

// IsLeader reports whether this node is the current leader.
func (n *Node) IsLeader() bool {
	return n.raft.State() == hraft.Leader
}

// LocalID returns the local server ID.
func (n *Node) LocalID() string {
	return string(n.raft.Config().LocalID)
}

// Join adds a server to the Raft configuration as a voting member.
func (n *Node) Join(id, address string) error {
	cfgFuture := n.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return err
	}
	for _, s := range cfgFuture.Configuration().Servers {
		if s.ID == hraft.ServerID(id) && s.Address == hraft.ServerAddress(address) {
			return nil
		}
	}
	return n.raft.AddVoter(hraft.ServerID(id), hraft.ServerAddress(address), 0, 0).Error()
}

// Leave removes a server from the Raft configuration.
func (n *Node) Leave(id string) error {
	return n.raft.RemoveServer(hraft.ServerID(id), 0, 0).Error()
}

// Shutdown stops raft and closes stores.
func (n *Node) Shutdown() error {
	err := n.raft.Shutdown().Error()
	if n.closer != nil {
		_ = n.closer()
	}
	if n.store != nil {
		_ = n.store.Close()
	}
	return err
}
