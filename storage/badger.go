package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerCounterStore keeps counters in BadgerDB. Badger's optimistic
// transactions detect read-write conflicts, so a CompareAndSet that loses a
// race fails with badger.ErrConflict and is reported as not swapped.
type BadgerCounterStore struct {
	db   *badger.DB
	stop chan struct{}
}

// NewBadgerCounterStore opens (or creates) a badger database in dataDir.
func NewBadgerCounterStore(dataDir string) (*BadgerCounterStore, error) {
	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &BadgerCounterStore{db: db, stop: make(chan struct{})}
	go s.runGC()
	return s, nil
}

// runGC runs the value log garbage collector periodically
func (s *BadgerCounterStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.db.RunValueLogGC(0.7)
		}
	}
}

func readBadgerCounter(txn *badger.Txn, key string) (uint64, error) {
	item, err := txn.Get(counterKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		v, err = decodeCounter(val)
		return err
	})
	return v, err
}

// Get returns the current counter value
func (s *BadgerCounterStore) Get(ctx context.Context, key string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var v uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		v, err = readBadgerCounter(txn, key)
		return err
	})
	return v, err
}

// CompareAndSet atomically replaces expected with value
func (s *BadgerCounterStore) CompareAndSet(ctx context.Context, key string, expected, value uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	swapped := false
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, err := readBadgerCounter(txn, key)
		if err != nil {
			return err
		}
		if cur != expected {
			return nil
		}
		swapped = true
		return txn.Set(counterKey(key), encodeCounter(value))
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger compare-and-set %s: %w", key, err)
	}
	return swapped, nil
}

// Close stops the GC loop and closes the database
func (s *BadgerCounterStore) Close() error {
	close(s.stop)
	return s.db.Close()
}
