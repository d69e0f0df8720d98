// Package clock issues per-device logical timestamps ordered across
// mastership handoffs.
package clock

import (
	"errors"
	"fmt"
	"sync"

	"clustercore/pkg/cluster"
	"clustercore/pkg/mastership"
)

var (
	// ErrNoTerm is returned for a device without a mastership term.
	ErrNoTerm = errors.New("device has no mastership term")
	// ErrNotMaster is returned when the local node does not own the term.
	ErrNotMaster = errors.New("local node is not master of the term")
)

// Timestamp orders events of one device: first by term, then by sequence.
type Timestamp struct {
	Term     uint64 `json:"term"`
	Sequence uint64 `json:"sequence"`
}

// Compare returns -1, 0 or +1 as t is before, equal to or after o.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Term < o.Term:
		return -1
	case t.Term > o.Term:
		return 1
	case t.Sequence < o.Sequence:
		return -1
	case t.Sequence > o.Sequence:
		return 1
	default:
		return 0
	}
}

func (t Timestamp) Before(o Timestamp) bool { return t.Compare(o) < 0 }
func (t Timestamp) After(o Timestamp) bool  { return t.Compare(o) > 0 }

func (t Timestamp) String() string { return fmt.Sprintf("%d.%d", t.Term, t.Sequence) }

// TermSource provides the current mastership term of a device.
type TermSource interface {
	TermOf(device mastership.DeviceID) (mastership.Term, bool)
}

type deviceClock struct {
	mu       sync.Mutex
	term     uint64
	sequence uint64
}

// Service hands out timestamps. Within one term the sequence increases by one
// per call; a new term resets it. Only the master of a term issues
// timestamps under it, which keeps (term, sequence) unique cluster wide.
type Service struct {
	terms TermSource
	local cluster.NodeID

	mu     sync.Mutex
	clocks map[mastership.DeviceID]*deviceClock
}

// NewService returns a clock for the node local.
func NewService(terms TermSource, local cluster.NodeID) *Service {
	return &Service{
		terms:  terms,
		local:  local,
		clocks: make(map[mastership.DeviceID]*deviceClock),
	}
}

func (s *Service) clock(device mastership.DeviceID) *deviceClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clocks[device]
	if !ok {
		c = &deviceClock{}
		s.clocks[device] = c
	}
	return c
}

// Timestamp returns a timestamp greater than every timestamp previously
// returned for device. It fails unless the local node is master of the
// current term of device.
func (s *Service) Timestamp(device mastership.DeviceID) (Timestamp, error) {
	term, ok := s.terms.TermOf(device)
	if !ok {
		return Timestamp{}, fmt.Errorf("%w: %s", ErrNoTerm, device)
	}
	if term.Master != s.local {
		return Timestamp{}, fmt.Errorf("%w: %s term %d is held by %q", ErrNotMaster, device, term.Number, term.Master)
	}

	c := s.clock(device)
	c.mu.Lock()
	defer c.mu.Unlock()
	// A term read before a concurrent caller adopted a newer one must not
	// move the clock back.
	if term.Number > c.term {
		c.term = term.Number
		c.sequence = 0
	}
	c.sequence++
	return Timestamp{Term: c.term, Sequence: c.sequence}, nil
}
