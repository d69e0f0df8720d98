package idblock

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clustercore/storage"
)

func TestGeneratorCrossesBlocks(t *testing.T) {
	a, err := NewAllocator(storage.NewMemoryCounterStore(), 3, nil)
	require.NoError(t, err)
	g := NewGenerator(a, "flow-ids")

	for want := uint64(0); want < 7; want++ {
		id, err := g.NextID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
}

func TestGeneratorsShareNoIDs(t *testing.T) {
	a, err := NewAllocator(storage.NewMemoryCounterStore(), 5, nil)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		g := NewGenerator(a, "flow-ids")
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for j := 0; j < 50; j++ {
				id, err := g.NextID(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				if j > 0 {
					assert.Greater(t, id, last)
				}
				last = id
				mu.Lock()
				assert.False(t, seen[id], "id %d issued twice", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 200)
}
