// Package idblock hands out disjoint, fixed-size ranges of a cluster-wide
// counter so nodes can mint unique identifiers without coordinating per id.
package idblock

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/hashicorp/go-hclog"

	"clustercore/pkg/logging"
	"clustercore/storage"
)

var (
	// ErrInvalidBlockSize is returned at construction for a non-positive
	// block size.
	ErrInvalidBlockSize = errors.New("block size must be positive")
	// ErrAllocationExhausted is returned when no block could be reserved:
	// the counter store failed or the id space is used up.
	ErrAllocationExhausted = errors.New("id block allocation failed")
)

// Block is the half-open range [Start, End) owned by one requester.
type Block struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Size  uint64 `json:"size"`
}

// Contains reports whether id lies in the block.
func (b Block) Contains(id uint64) bool { return id >= b.Start && id < b.End }

func (b Block) String() string { return fmt.Sprintf("[%d, %d)", b.Start, b.End) }

// BlockAllocator reserves blocks of a named counter.
type BlockAllocator interface {
	AllocateBlock(ctx context.Context, key string) (Block, error)
}

// Allocator reserves blocks by advancing a counter with compare-and-set.
// Blocks are never returned; ids left in a block whose owner dies are lost.
type Allocator struct {
	store  storage.CounterStore
	size   uint64
	logger hclog.Logger
}

var _ BlockAllocator = (*Allocator)(nil)

// NewAllocator creates an allocator handing out blocks of blockSize ids.
func NewAllocator(store storage.CounterStore, blockSize int64, logger hclog.Logger) (*Allocator, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlockSize, blockSize)
	}
	return &Allocator{
		store:  store,
		size:   uint64(blockSize),
		logger: logging.OrNull(logger).Named("idblock"),
	}, nil
}

// BlockSize returns the fixed size of every block.
func (a *Allocator) BlockSize() uint64 { return a.size }

// AllocateBlock advances the counter for key by one block and returns the
// range it advanced over.
func (a *Allocator) AllocateBlock(ctx context.Context, key string) (Block, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Block{}, fmt.Errorf("%w: %s: %w", ErrAllocationExhausted, key, err)
		}
		start, err := a.store.Get(ctx, key)
		if err != nil {
			return Block{}, fmt.Errorf("%w: read counter %s: %w", ErrAllocationExhausted, key, err)
		}
		if start > math.MaxUint64-a.size {
			return Block{}, fmt.Errorf("%w: counter %s would overflow at %d", ErrAllocationExhausted, key, start)
		}
		end := start + a.size
		swapped, err := a.store.CompareAndSet(ctx, key, start, end)
		if err != nil {
			return Block{}, fmt.Errorf("%w: advance counter %s: %w", ErrAllocationExhausted, key, err)
		}
		if swapped {
			if attempt > 1 {
				a.logger.Debug("block allocated after contention", "key", key, "attempts", attempt)
			}
			return Block{Start: start, End: end, Size: a.size}, nil
		}
	}
}
