package idblock

import (
	"context"
	"sync"
)

// Generator mints ids from blocks of one counter, fetching a new block only
// when the current one is used up.
type Generator struct {
	alloc BlockAllocator
	key   string

	mu    sync.Mutex
	block Block
	next  uint64
}

func NewGenerator(alloc BlockAllocator, key string) *Generator {
	return &Generator{alloc: alloc, key: key}
}

// NextID returns the next unused id. Ids from one generator are strictly
// increasing.
func (g *Generator) NextID(ctx context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.next >= g.block.End {
		b, err := g.alloc.AllocateBlock(ctx, g.key)
		if err != nil {
			return 0, err
		}
		g.block = b
		g.next = b.Start
	}
	id := g.next
	g.next++
	return id, nil
}
