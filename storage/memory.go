package storage

import (
	"context"
	"sync"
)

// MemoryCounterStore keeps counters in process memory. It is linearizable
// within one process only and is meant for single-node setups and tests.
type MemoryCounterStore struct {
	mu   sync.Mutex
	data map[string]uint64
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{data: make(map[string]uint64)}
}

func (m *MemoryCounterStore) Get(ctx context.Context, key string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *MemoryCounterStore) CompareAndSet(ctx context.Context, key string, expected, value uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[key] != expected {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *MemoryCounterStore) Close() error { return nil }

// Snapshot returns a copy of all counters.
func (m *MemoryCounterStore) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

// Restore replaces all counters with the given values.
func (m *MemoryCounterStore) Restore(values map[string]uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]uint64, len(values))
	for k, v := range values {
		m.data[k] = v
	}
}
