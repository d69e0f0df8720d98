package raft

import (
	"context"
	"errors"
	"fmt"
	"time"

	hraft "github.com/hashicorp/raft"

	"clustercore/storage"
)

// ErrNotLeader is returned by CompareAndSet on a follower. Callers forward
// the operation to the leader instead.
var ErrNotLeader = errors.New("not the raft leader")

// CounterStore is a storage.CounterStore whose compare-and-set goes through
// the raft log. Reads come from the local replica and may lag; a CAS against
// a stale read simply fails and is retried by the caller.
type CounterStore struct {
	n *Node
	// ApplyTimeout bounds a single raft Apply.
	ApplyTimeout time.Duration
}

var _ storage.CounterStore = (*CounterStore)(nil)

func NewCounterStore(n *Node) *CounterStore {
	return &CounterStore{n: n, ApplyTimeout: 3 * time.Second}
}

// Node returns the underlying raft node.
func (s *CounterStore) Node() *Node { return s.n }

func (s *CounterStore) Get(ctx context.Context, key string) (uint64, error) {
	return s.n.fsm.Get(ctx, key)
}

func (s *CounterStore) CompareAndSet(ctx context.Context, key string, expected, value uint64) (bool, error) {
	if !s.n.IsLeader() {
		return false, ErrNotLeader
	}
	data, err := newCASCommand(key, expected, value)
	if err != nil {
		return false, err
	}
	timeout := s.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return false, context.DeadlineExceeded
	}

	f := s.n.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, hraft.ErrNotLeader) || errors.Is(err, hraft.ErrLeadershipLost) {
			return false, fmt.Errorf("%w: %v", ErrNotLeader, err)
		}
		return false, fmt.Errorf("raft apply: %w", err)
	}
	switch resp := f.Response().(type) {
	case bool:
		return resp, nil
	case error:
		return false, resp
	default:
		return false, fmt.Errorf("unexpected fsm response %T", resp)
	}
}

// Close is a no-op; the node is shut down by its owner.
func (s *CounterStore) Close() error { return nil }
