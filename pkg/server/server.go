package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"clustercore/config"
	"clustercore/pkg/clock"
	"clustercore/pkg/cluster"
	"clustercore/pkg/cluster/gossip"
	raftex "clustercore/pkg/cluster/raft"
	"clustercore/pkg/event"
	"clustercore/pkg/idblock"
	"clustercore/pkg/logging"
	"clustercore/pkg/mastership"
	"clustercore/pkg/messaging"
	"clustercore/storage"
)

// Server is one controller node: it owns every coordination component and
// their lifecycle.
type Server struct {
	config *config.Config
	base   hclog.Logger
	logger hclog.Logger

	dispatcher *event.Dispatcher
	transport  *messaging.Transport
	registry   *cluster.Registry
	counters   storage.CounterStore
	terms      storage.CounterStore
	raftNode   *raftex.Node
	localAlloc *idblock.Allocator
	allocator  idblock.BlockAllocator
	mastership *mastership.Store
	replicator *mastership.Replicator
	clock      *clock.Service
	admin      *AdminService

	heartbeat *cluster.HeartbeatDetector
	gossip    *gossip.Detector

	mu      sync.Mutex
	active  bool
	stopped bool
}

// NewServer builds a node from cfg. Nothing listens until Activate.
func NewServer(cfg *config.Config, logger hclog.Logger) (*Server, error) {
	logger = logging.OrNull(logger)
	s := &Server{
		config:     cfg,
		base:       logger,
		logger:     logger.Named("server"),
		dispatcher: event.NewDispatcher(logger),
	}

	local := messaging.Endpoint{Host: cfg.Messaging.Host, Port: uint16(cfg.Messaging.Port)}
	s.transport = messaging.NewTransport(messaging.Options{
		Endpoint:       local,
		ConnectTimeout: cfg.Messaging.ConnectTimeout,
		RequestTimeout: cfg.Messaging.RequestTimeout,
		CloseGrace:     cfg.Messaging.CloseGrace,
		MaxMessageSize: cfg.Messaging.MaxMessageSize,
		Logger:         logger,
	})

	reg, err := cluster.NewRegistry(cluster.ControllerNode{
		ID:       cluster.NodeID(cfg.Cluster.NodeID),
		Endpoint: local,
	}, s.dispatcher, logger)
	if err != nil {
		return nil, err
	}
	s.registry = reg
	for _, p := range cfg.Cluster.Peers {
		// Peers start INACTIVE; the failure detector activates them.
		reg.AddNode(cluster.NodeID(p.NodeID), messaging.Endpoint{Host: p.Host, Port: uint16(p.Port)}, cluster.StateInactive)
	}

	if err := s.openStorage(); err != nil {
		s.closeStorage()
		reg.Close()
		return nil, err
	}

	s.localAlloc, err = idblock.NewAllocator(s.counters, cfg.IDBlock.BlockSize, logger)
	if err != nil {
		s.closeStorage()
		reg.Close()
		return nil, err
	}
	s.allocator = s.localAlloc
	if s.raftNode != nil {
		s.allocator = newLeaderAllocator(s.raftNode, s.localAlloc, reg, s.transport, cfg.Messaging.RequestTimeout)
	}

	s.mastership, err = mastership.NewStore(mastership.Options{
		Membership: reg,
		Dispatcher: s.dispatcher,
		Terms:      s.terms,
		Logger:     logger,
	})
	if err != nil {
		s.closeStorage()
		reg.Close()
		return nil, err
	}
	s.replicator = mastership.NewReplicator(s.mastership, s.transport, reg, cfg.Messaging.RequestTimeout, logger)
	s.clock = clock.NewService(s.mastership, reg.LocalNode().ID)
	s.admin = NewAdminService(reg, s.mastership, s.allocator, s.clock)

	return s, nil
}

// openStorage opens the counter store and, when terms are persisted, the
// store holding them. Replicated counters only accept writes on the raft
// leader, so terms then live in a local bolt store instead.
func (s *Server) openStorage() error {
	cfg := s.config
	if cfg.Storage.Backend == config.BackendRaft {
		peers := []raftex.Peer{{ID: cfg.Cluster.NodeID, Addr: cfg.Raft.BindAddr}}
		for _, p := range cfg.Cluster.Peers {
			if p.RaftAddr != "" {
				peers = append(peers, raftex.Peer{ID: p.NodeID, Addr: p.RaftAddr})
			}
		}
		node, err := raftex.Start(raftex.Config{
			NodeID:    cfg.Cluster.NodeID,
			BindAddr:  cfg.Raft.BindAddr,
			DataDir:   cfg.Raft.DataDir,
			Bootstrap: cfg.Raft.Bootstrap,
			Peers:     peers,
		}, s.base)
		if err != nil {
			return fmt.Errorf("raft start: %w", err)
		}
		s.raftNode = node
		s.counters = raftex.NewCounterStore(node)
		if cfg.Mastership.PersistTerms {
			terms, err := storage.Open(storage.BackendBolt, filepath.Join(cfg.Storage.DataDir, "terms"))
			if err != nil {
				return fmt.Errorf("open term store: %w", err)
			}
			s.terms = terms
		}
		return nil
	}

	counters, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open counter store: %w", err)
	}
	s.counters = counters
	if cfg.Mastership.PersistTerms {
		s.terms = counters
	}
	return nil
}

func (s *Server) closeStorage() {
	if s.terms != nil && s.terms != s.counters {
		if err := s.terms.Close(); err != nil {
			s.logger.Warn("close term store", "error", err)
		}
	}
	if s.counters != nil {
		if err := s.counters.Close(); err != nil {
			s.logger.Warn("close counter store", "error", err)
		}
	}
	if s.raftNode != nil {
		if err := s.raftNode.Shutdown(); err != nil {
			s.logger.Warn("raft shutdown", "error", err)
		}
	}
}

// Activate registers the message handlers, opens the transport and starts
// failure detection. It returns once the node is serving.
func (s *Server) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("server stopped")
	}
	if s.active {
		return nil
	}

	s.dispatcher.Start()
	if err := s.registerHandlers(); err != nil {
		s.unregisterHandlers()
		return err
	}
	if err := s.transport.Activate(); err != nil {
		s.unregisterHandlers()
		return err
	}
	if err := s.startDetector(); err != nil {
		_ = s.transport.Deactivate()
		s.unregisterHandlers()
		return err
	}

	s.active = true
	s.logger.Info("node started",
		"node", s.config.Cluster.NodeID,
		"endpoint", s.transport.LocalEndpoint().String(),
		"backend", s.config.Storage.Backend,
		"detector", s.config.Cluster.Detector)
	return nil
}

func (s *Server) registerHandlers() error {
	if err := s.transport.RegisterHandler(cluster.HeartbeatSubject, cluster.HeartbeatHandler(s.registry, nil)); err != nil {
		return err
	}
	if err := s.transport.RegisterHandler(idblock.AllocateSubject, idblock.Handler(s.localAlloc, nil)); err != nil {
		return err
	}
	if err := s.admin.Register(s.transport); err != nil {
		return err
	}
	return s.replicator.Start()
}

func (s *Server) unregisterHandlers() {
	s.replicator.Stop()
	s.admin.Unregister(s.transport)
	s.transport.UnregisterHandler(idblock.AllocateSubject)
	s.transport.UnregisterHandler(cluster.HeartbeatSubject)
}

func (s *Server) startDetector() error {
	cfg := s.config.Cluster
	switch cfg.Detector {
	case config.DetectorGossip:
		d, err := gossip.New(s.registry, gossip.Config{
			BindAddr: s.config.Messaging.Host,
			BindPort: uint16(cfg.GossipPort),
		}, s.base)
		if err != nil {
			return err
		}
		if cfg.GossipJoin != "" {
			if err := d.Join(cfg.GossipJoin); err != nil {
				_ = d.Leave(time.Second)
				return err
			}
		}
		s.gossip = d
	default:
		s.heartbeat = cluster.NewHeartbeatDetector(s.registry, &cluster.MessagingProber{
			Transport: s.transport,
			Local:     s.registry.LocalNode().ID,
		}, cluster.HeartbeatConfig{
			Interval:         cfg.HeartbeatInterval,
			Timeout:          cfg.HeartbeatTimeout,
			FailureThreshold: cfg.FailureThreshold,
		}, s.base)
		s.heartbeat.Start()
	}
	return nil
}

// Start activates the node, blocks until ctx is done and then stops it.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Activate(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop shuts the node down. A stopped server cannot be restarted.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.logger.Info("stopping node")

	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	if s.gossip != nil {
		if err := s.gossip.Leave(s.config.Messaging.CloseGrace); err != nil {
			s.logger.Warn("gossip leave", "error", err)
		}
	}
	var err error
	if s.active {
		s.unregisterHandlers()
		err = s.transport.Deactivate()
		s.active = false
	}

	s.mastership.Close()
	s.registry.Close()
	s.dispatcher.Stop()
	s.closeStorage()
	return err
}

// Health reports whether the node is serving.
func (s *Server) Health() bool {
	return s.transport.IsActive()
}

func (s *Server) Registry() *cluster.Registry       { return s.registry }
func (s *Server) Mastership() *mastership.Store     { return s.mastership }
func (s *Server) Allocator() idblock.BlockAllocator { return s.allocator }
func (s *Server) Clock() *clock.Service             { return s.clock }
func (s *Server) Transport() *messaging.Transport   { return s.transport }
func (s *Server) LocalEndpoint() messaging.Endpoint { return s.transport.LocalEndpoint() }
func (s *Server) Dispatcher() *event.Dispatcher     { return s.dispatcher }
