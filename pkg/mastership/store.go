package mastership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"clustercore/pkg/cluster"
	"clustercore/pkg/event"
	"clustercore/pkg/logging"
	"clustercore/storage"
)

// ErrInvalidNode is returned for role requests without a node id.
var ErrInvalidNode = errors.New("node id is required")

// Membership is the view of node liveness the store arbitrates with.
type Membership interface {
	StateOf(id cluster.NodeID) (cluster.State, bool)
	Subscribe(l cluster.Listener)
	Unsubscribe(l cluster.Listener)
}

// Options configures a Store.
type Options struct {
	Membership Membership
	Dispatcher *event.Dispatcher
	// Terms, if set, persists the term number of every device so terms keep
	// increasing across restarts.
	Terms  storage.CounterStore
	Logger hclog.Logger
}

// record is the guarded state of one device. All arbitration on a device
// happens under its mu; different devices never contend.
type record struct {
	mu       sync.Mutex
	loaded   bool
	known    bool
	roles    RoleValue
	term     Term
	revision uint64
}

// Store arbitrates mastership per device.
type Store struct {
	membership Membership
	dispatcher *event.Dispatcher
	terms      storage.CounterStore
	logger     hclog.Logger
	listeners  *event.ListenerRegistry[Event]
	failover   *failoverListener

	mu      sync.Mutex
	devices map[DeviceID]*record
}

// NewStore creates a store, registers its event sink and subscribes to
// membership changes for failover.
func NewStore(opts Options) (*Store, error) {
	logger := logging.OrNull(opts.Logger).Named("mastership")
	s := &Store{
		membership: opts.Membership,
		dispatcher: opts.Dispatcher,
		terms:      opts.Terms,
		logger:     logger,
		listeners:  event.NewListenerRegistry[Event](logger),
		devices:    make(map[DeviceID]*record),
	}
	err := s.dispatcher.AddSink(EventKind, event.SinkFunc(func(ev event.Event) error {
		s.listeners.Process(ev.(Event))
		return nil
	}))
	if err != nil {
		return nil, err
	}
	s.failover = &failoverListener{s: s}
	if s.membership != nil {
		s.membership.Subscribe(s.failover)
	}
	return s, nil
}

// Close detaches the store from the membership source and the dispatcher.
func (s *Store) Close() {
	if s.membership != nil {
		s.membership.Unsubscribe(s.failover)
	}
	s.dispatcher.RemoveSink(EventKind)
}

func (s *Store) Subscribe(l Listener)   { s.listeners.Add(l) }
func (s *Store) Unsubscribe(l Listener) { s.listeners.Remove(l) }

func (s *Store) record(device DeviceID) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.devices[device]
	if !ok {
		rec = &record{}
		s.devices[device] = rec
	}
	return rec
}

func (s *Store) lookup(device DeviceID) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[device]
}

// lock locks the record of device, loading its persisted term first.
func (s *Store) lock(ctx context.Context, device DeviceID) (*record, error) {
	rec := s.record(device)
	rec.mu.Lock()
	if rec.loaded || s.terms == nil {
		rec.loaded = true
		return rec, nil
	}
	n, err := s.terms.Get(ctx, termKey(device))
	if err != nil {
		rec.mu.Unlock()
		return nil, fmt.Errorf("load term of %s: %w", device, err)
	}
	rec.term.Number = n
	rec.loaded = true
	return rec, nil
}

func termKey(device DeviceID) string { return "mastership/term/" + string(device) }

// Role returns the roles of device. It reports false for a device the store
// has never arbitrated.
func (s *Store) Role(device DeviceID) (RoleValue, bool) {
	rec := s.lookup(device)
	if rec == nil {
		return RoleValue{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.known {
		return RoleValue{}, false
	}
	return rec.roles.clone(), true
}

// TermOf returns the current term of device.
func (s *Store) TermOf(device DeviceID) (Term, bool) {
	rec := s.lookup(device)
	if rec == nil {
		return Term{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.known {
		return Term{}, false
	}
	return rec.term, true
}

// Devices returns the devices node is master of, sorted.
func (s *Store) Devices(node cluster.NodeID) []DeviceID {
	s.mu.Lock()
	recs := make(map[DeviceID]*record, len(s.devices))
	for d, rec := range s.devices {
		recs[d] = rec
	}
	s.mu.Unlock()

	var out []DeviceID
	for d, rec := range recs {
		rec.mu.Lock()
		if rec.roles.Master == node {
			out = append(out, d)
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetRole arbitrates a role request of node for device.
//
// MASTER installs node as master, pushing the previous master to the head of
// the standbys. STANDBY on the current master makes it step down in favour
// of the first active standby. NONE removes node from the device entirely.
func (s *Store) SetRole(ctx context.Context, device DeviceID, node cluster.NodeID, role Role) error {
	if node == "" {
		return ErrInvalidNode
	}
	rec, err := s.lock(ctx, device)
	if err != nil {
		return err
	}
	defer rec.mu.Unlock()

	next := rec.roles.clone()
	switch role {
	case RoleMaster:
		if next.Master == node {
			return nil
		}
		next.removeStandby(node)
		if next.Master != "" {
			next.pushStandby(next.Master)
		}
		next.Master = node

	case RoleStandby:
		switch next.RoleOf(node) {
		case RoleStandby:
			return nil
		case RoleMaster:
			next.Master = ""
			s.promote(&next)
			next.pushStandby(node)
		case RoleNone:
			next.Standbys = append(next.Standbys, node)
		}

	case RoleNone:
		switch next.RoleOf(node) {
		case RoleNone:
			return nil
		case RoleMaster:
			next.Master = ""
			s.promote(&next)
		case RoleStandby:
			next.removeStandby(node)
		}

	default:
		return fmt.Errorf("unknown role %d", role)
	}
	return s.commit(ctx, device, rec, next)
}

// RequestRole makes node master of device if the device has no live master,
// and a standby otherwise. It returns the role node ends up with.
func (s *Store) RequestRole(ctx context.Context, device DeviceID, node cluster.NodeID) (Role, error) {
	if node == "" {
		return RoleNone, ErrInvalidNode
	}
	rec, err := s.lock(ctx, device)
	if err != nil {
		return RoleNone, err
	}
	defer rec.mu.Unlock()

	next := rec.roles.clone()
	switch current := next.RoleOf(node); {
	case current == RoleMaster:
		return RoleMaster, nil
	case next.Master == "" || !s.isActive(next.Master):
		next.removeStandby(node)
		if next.Master != "" {
			// An inactive master keeps its claim only as a standby.
			next.Standbys = append(next.Standbys, next.Master)
		}
		next.Master = node
		return RoleMaster, s.commit(ctx, device, rec, next)
	case current == RoleStandby:
		return RoleStandby, nil
	default:
		next.Standbys = append(next.Standbys, node)
		return RoleStandby, s.commit(ctx, device, rec, next)
	}
}

// Relinquish gives up every role node holds for device.
func (s *Store) Relinquish(ctx context.Context, device DeviceID, node cluster.NodeID) error {
	return s.SetRole(ctx, device, node, RoleNone)
}

// Apply adopts the state of device as decided by another node. States from
// an older term, or from the same term at an older or equal revision, are
// stale and ignored; Apply then reports false. A device whose term was only
// restored from persistence also ignores states at that term.
func (s *Store) Apply(ctx context.Context, device DeviceID, snap Snapshot) (bool, error) {
	rec, err := s.lock(ctx, device)
	if err != nil {
		return false, err
	}
	defer rec.mu.Unlock()

	stale := !snap.newerThan(rec.term, rec.revision)
	if !rec.known {
		// After a restart only the persisted term is known. Timestamps may
		// already have been issued under it, so only a later term is adopted.
		stale = rec.term.Number > 0 && snap.Term.Number <= rec.term.Number
	}
	if stale {
		s.logger.Debug("ignoring stale mastership state", "device", device,
			"term", snap.Term.Number, "revision", snap.Revision,
			"current", rec.term.Number, "current_revision", rec.revision)
		return false, nil
	}
	if err := s.persistTerm(ctx, device, snap.Term.Number); err != nil {
		return false, err
	}
	typ := BackupsChanged
	if snap.Term != rec.term {
		typ = MasterChanged
	}
	rec.roles = snap.Roles.clone()
	rec.term = snap.Term
	rec.revision = snap.Revision
	rec.known = true
	s.post(Event{Type: typ, Device: device, Roles: rec.roles.clone(), Term: rec.term, Revision: rec.revision, Remote: true})
	return true, nil
}

// commit installs next as the roles of device, bumping the term when the
// master slot changed. Called with rec.mu held.
func (s *Store) commit(ctx context.Context, device DeviceID, rec *record, next RoleValue) error {
	typ := BackupsChanged
	term := rec.term
	if next.Master != rec.roles.Master {
		typ = MasterChanged
		term = Term{Number: rec.term.Number + 1, Master: next.Master}
		if err := s.persistTerm(ctx, device, term.Number); err != nil {
			return err
		}
	}
	rec.roles = next
	rec.term = term
	rec.revision++
	rec.known = true

	s.logger.Debug("mastership changed", "device", device, "master", next.Master,
		"standbys", next.Standbys, "term", term.Number)
	s.post(Event{Type: typ, Device: device, Roles: next.clone(), Term: term, Revision: rec.revision})
	return nil
}

// promote installs the first active standby of v as master.
func (s *Store) promote(v *RoleValue) {
	for _, n := range v.Standbys {
		if s.isActive(n) {
			v.removeStandby(n)
			v.Master = n
			return
		}
	}
}

func (s *Store) isActive(node cluster.NodeID) bool {
	if s.membership == nil {
		return true
	}
	state, ok := s.membership.StateOf(node)
	return ok && state == cluster.StateActive
}

// persistTerm raises the stored term of device to at least n.
func (s *Store) persistTerm(ctx context.Context, device DeviceID, n uint64) error {
	if s.terms == nil {
		return nil
	}
	key := termKey(device)
	for {
		cur, err := s.terms.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("persist term of %s: %w", device, err)
		}
		if cur >= n {
			return nil
		}
		ok, err := s.terms.CompareAndSet(ctx, key, cur, n)
		if err != nil {
			return fmt.Errorf("persist term of %s: %w", device, err)
		}
		if ok {
			return nil
		}
	}
}

// post is called with the device lock held so events of one device are
// queued in arbitration order.
func (s *Store) post(ev Event) {
	s.dispatcher.Post(ev)
}

// handleNodeDown promotes a new master for every device mastered by node.
func (s *Store) handleNodeDown(node cluster.NodeID) {
	for _, device := range s.Devices(node) {
		if err := s.failOver(device, node); err != nil {
			s.logger.Error("failover failed", "device", device, "node", node, "error", err)
		}
	}
}

func (s *Store) failOver(device DeviceID, failed cluster.NodeID) error {
	ctx := context.Background()
	rec, err := s.lock(ctx, device)
	if err != nil {
		return err
	}
	defer rec.mu.Unlock()

	if rec.roles.Master != failed {
		return nil
	}
	next := rec.roles.clone()
	next.Master = ""
	s.promote(&next)
	s.logger.Info("master failed over", "device", device, "failed", failed, "master", next.Master)
	return s.commit(ctx, device, rec, next)
}

// failoverListener reacts to membership changes on the dispatch worker.
type failoverListener struct{ s *Store }

func (f *failoverListener) OnEvent(ev cluster.Event) {
	switch ev.Type {
	case cluster.NodeDeactivated, cluster.NodeRemoved:
		f.s.handleNodeDown(ev.Node.ID)
	}
}
