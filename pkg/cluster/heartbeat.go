package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"clustercore/pkg/logging"
	"clustercore/pkg/messaging"
)

// HeartbeatSubject is the messaging subject heartbeats are exchanged on.
const HeartbeatSubject = "cluster-heartbeat"

// ErrUnexpectedNode is returned by MessagingProber when a different node
// answers on a peer's endpoint.
var ErrUnexpectedNode = errors.New("unexpected node at endpoint")

// Prober checks whether a peer is alive.
type Prober interface {
	Probe(ctx context.Context, n ControllerNode) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, n ControllerNode) error

func (f ProberFunc) Probe(ctx context.Context, n ControllerNode) error { return f(ctx, n) }

// HeartbeatConfig tunes a HeartbeatDetector.
type HeartbeatConfig struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
}

func (c *HeartbeatConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 500 * time.Millisecond
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
}

// HeartbeatDetector probes every peer in the registry on a fixed interval.
// A peer is marked INACTIVE after FailureThreshold consecutive failed probes
// and ACTIVE again after one successful probe.
type HeartbeatDetector struct {
	registry *Registry
	prober   Prober
	cfg      HeartbeatConfig
	logger   hclog.Logger

	mu    sync.Mutex
	fails map[NodeID]int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHeartbeatDetector(reg *Registry, prober Prober, cfg HeartbeatConfig, logger hclog.Logger) *HeartbeatDetector {
	cfg.setDefaults()
	return &HeartbeatDetector{
		registry: reg,
		prober:   prober,
		cfg:      cfg,
		logger:   logging.OrNull(logger).Named("heartbeat"),
		fails:    make(map[NodeID]int),
	}
}

// Start launches the probe loop. Calling Start twice is a no-op.
func (d *HeartbeatDetector) Start() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx, d.done)
}

// Stop halts the probe loop and waits for it to exit.
func (d *HeartbeatDetector) Stop() {
	d.runMu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *HeartbeatDetector) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("heartbeat detector started", "interval", d.cfg.Interval, "threshold", d.cfg.FailureThreshold)
	d.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// sweep probes all peers concurrently and applies the results.
func (d *HeartbeatDetector) sweep(ctx context.Context) {
	local := d.registry.LocalNode().ID
	peers := d.registry.Nodes()

	var wg sync.WaitGroup
	seen := make(map[NodeID]bool, len(peers))
	for _, n := range peers {
		if n.ID == local {
			continue
		}
		seen[n.ID] = true
		wg.Add(1)
		go func(n ControllerNode) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
			err := d.prober.Probe(pctx, n)
			cancel()
			if ctx.Err() != nil {
				return
			}
			d.record(n, err)
		}(n)
	}
	wg.Wait()

	d.mu.Lock()
	for id := range d.fails {
		if !seen[id] {
			delete(d.fails, id)
		}
	}
	d.mu.Unlock()
}

func (d *HeartbeatDetector) record(n ControllerNode, err error) {
	d.mu.Lock()
	if err == nil {
		d.fails[n.ID] = 0
		d.mu.Unlock()
		if n.State != StateActive {
			d.logger.Info("node recovered", "node", n.ID)
		}
		d.registry.MarkActive(n.ID)
		return
	}
	d.fails[n.ID]++
	fails := d.fails[n.ID]
	d.mu.Unlock()

	d.logger.Debug("heartbeat failed", "node", n.ID, "attempt", fails, "error", err)
	if fails >= d.cfg.FailureThreshold && n.State == StateActive {
		d.logger.Warn("node unreachable", "node", n.ID, "failures", fails)
		d.registry.MarkInactive(n.ID)
	}
}

// Failures returns the current consecutive failure count of a peer.
func (d *HeartbeatDetector) Failures(id NodeID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fails[id]
}

// heartbeat is the payload of a heartbeat request.
type heartbeat struct {
	NodeID NodeID `json:"node_id"`
}

// MessagingProber probes peers with a heartbeat request over the transport.
type MessagingProber struct {
	Transport  *messaging.Transport
	Local      NodeID
	Serializer messaging.Serializer
}

func (p *MessagingProber) Probe(ctx context.Context, n ControllerNode) error {
	s := p.serializer()
	payload, err := s.Encode(heartbeat{NodeID: p.Local})
	if err != nil {
		return err
	}
	timeout := time.Duration(0)
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	reply, err := p.Transport.SendAndReceive(ctx, n.Endpoint, HeartbeatSubject, payload, timeout)
	if err != nil {
		return err
	}
	var hb heartbeat
	if err := s.Decode(reply, &hb); err != nil {
		return fmt.Errorf("decode heartbeat reply: %w", err)
	}
	if hb.NodeID != n.ID {
		return fmt.Errorf("%w: %s answered as %s", ErrUnexpectedNode, n.Endpoint, hb.NodeID)
	}
	return nil
}

func (p *MessagingProber) serializer() messaging.Serializer {
	if p.Serializer == nil {
		return messaging.JSONSerializer{}
	}
	return p.Serializer
}

// HeartbeatHandler answers heartbeats with the local node id.
func HeartbeatHandler(reg *Registry, s messaging.Serializer) messaging.HandlerFunc {
	if s == nil {
		s = messaging.JSONSerializer{}
	}
	return func(_ context.Context, payload []byte) ([]byte, error) {
		var hb heartbeat
		if err := s.Decode(payload, &hb); err != nil {
			return nil, err
		}
		if _, ok := reg.Node(hb.NodeID); !ok {
			reg.logger.Debug("heartbeat from unknown node", "node", hb.NodeID)
		}
		return s.Encode(heartbeat{NodeID: reg.local})
	}
}
