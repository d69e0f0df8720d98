// Package gossip feeds the node registry from a memlist gossip group
// instead of point-to-point heartbeats.
package gossip

import (
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/Mathew-Estafanous/memlist"
	"github.com/hashicorp/go-hclog"

	"clustercore/pkg/cluster"
	"clustercore/pkg/logging"
	"clustercore/pkg/messaging"
)

// Meta is the metadata each member gossips about itself.
type Meta struct {
	NodeID string
	Host   string
	Port   uint16
}

var registerOnce sync.Once

// Config configures a Detector.
type Config struct {
	BindAddr string
	BindPort uint16
}

// Detector maps memlist membership changes onto the registry: Alive marks a
// node ACTIVE (adding it if unknown), Left and Dead mark it INACTIVE.
type Detector struct {
	registry *cluster.Registry
	logger   hclog.Logger
	member   *memlist.Member
}

// New creates a detector and starts gossiping with the local node as
// metadata.
func New(reg *cluster.Registry, cfg Config, logger hclog.Logger) (*Detector, error) {
	registerOnce.Do(func() { gob.Register(Meta{}) })

	d := newDetector(reg, logger)
	local := reg.LocalNode()

	mcfg := memlist.DefaultLocalConfig()
	mcfg.Name = string(local.ID)
	mcfg.BindAddr = cfg.BindAddr
	mcfg.BindPort = cfg.BindPort
	mcfg.EventListener = d
	mcfg.MetaData = Meta{NodeID: string(local.ID), Host: local.Endpoint.Host, Port: local.Endpoint.Port}

	member, err := memlist.Create(mcfg)
	if err != nil {
		return nil, fmt.Errorf("start gossip member: %w", err)
	}
	d.member = member
	d.logger.Info("gossip detector started", "bind", fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort))
	return d, nil
}

func newDetector(reg *cluster.Registry, logger hclog.Logger) *Detector {
	return &Detector{
		registry: reg,
		logger:   logging.OrNull(logger).Named("gossip"),
	}
}

// Join contacts an existing member of the gossip group.
func (d *Detector) Join(addr string) error {
	if err := d.member.Join(addr); err != nil {
		return fmt.Errorf("join gossip group via %s: %w", addr, err)
	}
	return nil
}

// Leave announces departure and waits up to timeout for it to propagate.
func (d *Detector) Leave(timeout time.Duration) error {
	return d.member.Leave(timeout)
}

func (d *Detector) OnMembershipChange(peer memlist.Node) {
	meta, ok := peer.Data.(Meta)
	if !ok {
		d.logger.Warn("ignoring member without node metadata", "data", fmt.Sprintf("%T", peer.Data))
		return
	}
	id := cluster.NodeID(meta.NodeID)

	switch peer.State {
	case memlist.Alive:
		d.registry.AddNode(id, messaging.Endpoint{Host: meta.Host, Port: meta.Port}, cluster.StateActive)
	case memlist.Left, memlist.Dead:
		if !d.registry.MarkInactive(id) {
			d.logger.Debug("departure of unknown node", "node", id)
		}
	}
}
