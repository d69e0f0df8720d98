package mastership

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"clustercore/pkg/cluster"
	"clustercore/pkg/logging"
	"clustercore/pkg/messaging"
)

// RoleChangeSubject is the messaging subject role changes are announced on.
const RoleChangeSubject = "mastership-role-change"

type roleChange struct {
	Device   DeviceID `json:"device"`
	Snapshot Snapshot `json:"snapshot"`
}

// Peers lists the nodes role changes are announced to.
type Peers interface {
	LocalNode() cluster.ControllerNode
	Nodes() []cluster.ControllerNode
}

// Sender is the part of the messaging transport the replicator needs.
type Sender interface {
	SendAsync(ctx context.Context, ep messaging.Endpoint, subject string, payload []byte) error
	RegisterHandler(subject string, h messaging.HandlerFunc) error
	UnregisterHandler(subject string)
}

// Replicator announces role changes decided locally to every active peer
// and applies the announcements it receives. Delivery is best effort: a
// lost announcement is repaired by the next change of the device, since
// peers only adopt strictly newer states.
type Replicator struct {
	store      *Store
	sender     Sender
	peers      Peers
	serializer messaging.Serializer
	timeout    time.Duration
	logger     hclog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewReplicator(store *Store, sender Sender, peers Peers, timeout time.Duration, logger hclog.Logger) *Replicator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Replicator{
		store:      store,
		sender:     sender,
		peers:      peers,
		serializer: messaging.JSONSerializer{},
		timeout:    timeout,
		logger:     logging.OrNull(logger).Named("mastership-replicator"),
	}
}

// Start registers the inbound handler and subscribes to the store.
func (r *Replicator) Start() error {
	if err := r.sender.RegisterHandler(RoleChangeSubject, r.handle); err != nil {
		return err
	}
	r.mu.Lock()
	r.stopped = false
	r.mu.Unlock()
	r.store.Subscribe(r)
	return nil
}

// Stop unsubscribes and waits for in-flight announcements. Events still
// being delivered after Stop are not announced.
func (r *Replicator) Stop() {
	r.store.Unsubscribe(r)
	r.sender.UnregisterHandler(RoleChangeSubject)
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Replicator) OnEvent(ev Event) {
	if ev.Remote {
		return
	}
	payload, err := r.serializer.Encode(roleChange{Device: ev.Device, Snapshot: Snapshot{Roles: ev.Roles, Term: ev.Term, Revision: ev.Revision}})
	if err != nil {
		r.logger.Error("failed to encode role change", "device", ev.Device, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	local := r.peers.LocalNode().ID
	for _, n := range r.peers.Nodes() {
		if n.ID == local || n.State != cluster.StateActive {
			continue
		}
		r.wg.Add(1)
		go func(n cluster.ControllerNode) {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := r.sender.SendAsync(ctx, n.Endpoint, RoleChangeSubject, payload); err != nil {
				r.logger.Warn("failed to announce role change", "device", ev.Device, "peer", n.ID, "error", err)
			}
		}(n)
	}
}

func (r *Replicator) handle(ctx context.Context, payload []byte) ([]byte, error) {
	var rc roleChange
	if err := r.serializer.Decode(payload, &rc); err != nil {
		return nil, err
	}
	if _, err := r.store.Apply(ctx, rc.Device, rc.Snapshot); err != nil {
		return nil, err
	}
	return nil, nil
}
