package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// BitmapAllocator is an in-memory block allocator for tests. It hands out
// ascending block numbers, reuses freed blocks, and fails on double frees
// so leak and double-free bugs surface as test failures.
type BitmapAllocator struct {
	mu        sync.Mutex
	allocated *roaring.Bitmap
	next      uint32
	first     uint32
	limit     uint32

	allocs int
	frees  int
}

// NewBitmapAllocator creates an allocator handing out blocks in
// [first, first+limit). A limit of 0 means unbounded.
func NewBitmapAllocator(first, limit uint32) *BitmapAllocator {
	return &BitmapAllocator{
		allocated: roaring.New(),
		next:      first,
		first:     first,
		limit:     limit,
	}
}

// Alloc returns the next free block number.
func (a *BitmapAllocator) Alloc(ctx context.Context, dev uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for b := a.next; a.limit == 0 || b < a.first+a.limit; b++ {
		if !a.allocated.Contains(b) {
			a.allocated.Add(b)
			if b == a.next {
				a.next = b + 1
			}
			a.allocs++
			return b, nil
		}
	}

	// Freed blocks below next may have reopened.
	for b := a.first; b < a.next; b++ {
		if !a.allocated.Contains(b) {
			a.allocated.Add(b)
			a.allocs++
			return b, nil
		}
	}

	return 0, fmt.Errorf("allocator exhausted after %d blocks", a.limit)
}

// Free returns a block to the free set. Freeing an unallocated block fails.
func (a *BitmapAllocator) Free(ctx context.Context, dev, blockno uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.allocated.Contains(blockno) {
		return fmt.Errorf("double free of block %d", blockno)
	}
	a.allocated.Remove(blockno)
	a.frees++
	return nil
}

// Allocs returns the number of successful Alloc calls.
func (a *BitmapAllocator) Allocs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs
}

// Frees returns the number of successful Free calls.
func (a *BitmapAllocator) Frees() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frees
}

// Live returns the number of currently allocated blocks.
func (a *BitmapAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.allocated.GetCardinality()) //nolint:gosec // G115: test-sized sets
}

// IsAllocated reports whether blockno is currently allocated.
func (a *BitmapAllocator) IsAllocated(blockno uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated.Contains(blockno)
}
