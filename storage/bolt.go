package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var counterBucket = []byte("counters")

// BoltCounterStore keeps counters in a bbolt file. bbolt allows a single
// writer at a time, which makes every CompareAndSet linearizable.
type BoltCounterStore struct {
	db *bolt.DB
}

// NewBoltCounterStore opens (or creates) counters.db inside dataDir.
func NewBoltCounterStore(dataDir string) (*BoltCounterStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create bolt dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, "counters.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(counterBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt bucket: %w", err)
	}
	return &BoltCounterStore{db: db}, nil
}

func readBoltCounter(b *bolt.Bucket, key string) (uint64, error) {
	raw := b.Get(counterKey(key))
	if raw == nil {
		return 0, nil
	}
	return decodeCounter(raw)
}

func (s *BoltCounterStore) Get(ctx context.Context, key string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var v uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		v, err = readBoltCounter(tx.Bucket(counterBucket), key)
		return err
	})
	return v, err
}

func (s *BoltCounterStore) CompareAndSet(ctx context.Context, key string, expected, value uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	swapped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(counterBucket)
		cur, err := readBoltCounter(b, key)
		if err != nil {
			return err
		}
		if cur != expected {
			return nil
		}
		swapped = true
		return b.Put(counterKey(key), encodeCounter(value))
	})
	if err != nil {
		return false, fmt.Errorf("bolt compare-and-set %s: %w", key, err)
	}
	return swapped, nil
}

func (s *BoltCounterStore) Close() error { return s.db.Close() }
