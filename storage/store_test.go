package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBackends(t *testing.T) map[string]CounterStore {
	t.Helper()
	badgerStore, err := NewBadgerCounterStore(t.TempDir())
	require.NoError(t, err)
	boltStore, err := NewBoltCounterStore(t.TempDir())
	require.NoError(t, err)

	stores := map[string]CounterStore{
		BackendMemory: NewMemoryCounterStore(),
		BackendBadger: badgerStore,
		BackendBolt:   boltStore,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestCompareAndSet(t *testing.T) {
	ctx := context.Background()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			v, err := s.Get(ctx, "switch-dpid")
			require.NoError(t, err)
			assert.Equal(t, uint64(0), v)

			ok, err := s.CompareAndSet(ctx, "switch-dpid", 0, 100)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.CompareAndSet(ctx, "switch-dpid", 0, 200)
			require.NoError(t, err)
			assert.False(t, ok, "stale expected value must not swap")

			v, err = s.Get(ctx, "switch-dpid")
			require.NoError(t, err)
			assert.Equal(t, uint64(100), v)

			v, err = s.Get(ctx, "other")
			require.NoError(t, err)
			assert.Equal(t, uint64(0), v)
		})
	}
}

func TestCompareAndSetConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	const workers, rounds = 8, 25

	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for r := 0; r < rounds; r++ {
						for {
							cur, err := s.Get(ctx, "c")
							if !assert.NoError(t, err) {
								return
							}
							ok, err := s.CompareAndSet(ctx, "c", cur, cur+1)
							if !assert.NoError(t, err) {
								return
							}
							if ok {
								break
							}
						}
					}
				}()
			}
			wg.Wait()

			v, err := s.Get(ctx, "c")
			require.NoError(t, err)
			assert.Equal(t, uint64(workers*rounds), v)
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("etcd", t.TempDir())
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func TestMemorySnapshotRestore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryCounterStore()
	_, err := m.CompareAndSet(ctx, "a", 0, 7)
	require.NoError(t, err)

	snap := m.Snapshot()
	other := NewMemoryCounterStore()
	other.Restore(snap)

	v, err := other.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)
}
