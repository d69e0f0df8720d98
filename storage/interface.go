package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// CounterStore is the externally durable atomic counter substrate. A missing
// key reads as zero, so CompareAndSet(key, 0, n) initialises a fresh counter.
type CounterStore interface {
	// Get returns the current value of the counter.
	Get(ctx context.Context, key string) (uint64, error)
	// CompareAndSet sets the counter to value only if it currently holds
	// expected. It reports whether the swap happened.
	CompareAndSet(ctx context.Context, key string, expected, value uint64) (bool, error)
	// Close releases the underlying resources.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendBolt   = "bolt"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown storage backend")

// ErrCorruptCounter is returned when a stored counter is not 8 bytes long.
var ErrCorruptCounter = errors.New("corrupt counter value")

// Open creates a counter store for the given backend.
func Open(backend, dataDir string) (CounterStore, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryCounterStore(), nil
	case BackendBadger:
		return NewBadgerCounterStore(dataDir)
	case BackendBolt:
		return NewBoltCounterStore(dataDir)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

const counterPrefix = "counter/"

func counterKey(key string) []byte { return []byte(counterPrefix + key) }

func encodeCounter(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeCounter(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: %d bytes", ErrCorruptCounter, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
