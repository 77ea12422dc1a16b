package inode_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/blockfs/cache"
	"github.com/hupe1980/blockfs/device"
	"github.com/hupe1980/blockfs/inode"
	"github.com/hupe1980/blockfs/testutil"
)

// Small blocks keep the indirect fan-out at 4 pointers per index block, so
// the double-indirect range is reachable with a handful of allocations.
const testBlockSize = 16

type metaRecorder struct {
	mu    sync.Mutex
	calls int
}

func (m *metaRecorder) UpdateInode(ctx context.Context, ip *inode.Inode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return nil
}

func newTestTranslator(t *testing.T) (*inode.Translator, *cache.Cache, *testutil.BitmapAllocator, *testutil.LogRecorder, *metaRecorder) {
	t.Helper()

	dev := device.NewMemDevice(testBlockSize, 1<<16)
	c, err := cache.New(map[uint32]device.Device{1: dev})
	require.NoError(t, err)

	alloc := testutil.NewBitmapAllocator(1, 0) // block 0 is the unallocated sentinel
	log := testutil.NewLogRecorder()
	meta := &metaRecorder{}

	xlat := inode.NewTranslator(c, alloc, func(o *inode.Options) {
		o.Log = log
		o.Meta = meta
	})
	return xlat, c, alloc, log, meta
}

func TestTranslator_Geometry(t *testing.T) {
	xlat, _, _, _, _ := newTestTranslator(t)

	assert.Equal(t, uint32(4), xlat.NumIndirect())
	assert.Equal(t, uint32(inode.NumDirect+4+16), xlat.MaxFileBlocks())
}

func TestTranslator_ResolveDirect(t *testing.T) {
	xlat, _, alloc, log, _ := newTestTranslator(t)
	ctx := context.Background()
	ip := &inode.Inode{Dev: 1, Inum: 1}

	addr, err := xlat.Resolve(ctx, ip, 0)
	require.NoError(t, err)
	assert.NotZero(t, addr)
	assert.Equal(t, addr, ip.Addrs[0])
	assert.Equal(t, 1, alloc.Allocs())

	// Resolving again is pure lookup.
	again, err := xlat.Resolve(ctx, ip, 0)
	require.NoError(t, err)
	assert.Equal(t, addr, again)
	assert.Equal(t, 1, alloc.Allocs())
	assert.Zero(t, log.Len(), "direct resolution must not touch the log")
}

func TestTranslator_ResolveIndirect(t *testing.T) {
	xlat, _, alloc, log, _ := newTestTranslator(t)
	ctx := context.Background()
	ip := &inode.Inode{Dev: 1, Inum: 1}

	bn := uint32(inode.NumDirect + 2)
	addr, err := xlat.Resolve(ctx, ip, bn)
	require.NoError(t, err)
	assert.NotZero(t, addr)

	// One allocation for the indirect block, one for the data block.
	assert.Equal(t, 2, alloc.Allocs())
	assert.NotZero(t, ip.Addrs[inode.NumDirect])

	// The freshly populated indirect block was logged.
	require.Equal(t, 1, log.Len())
	assert.Equal(t, ip.Addrs[inode.NumDirect], log.Records()[0])

	again, err := xlat.Resolve(ctx, ip, bn)
	require.NoError(t, err)
	assert.Equal(t, addr, again)
	assert.Equal(t, 2, alloc.Allocs())
	assert.Equal(t, 1, log.Len())
}

func TestTranslator_ResolveDoubleIndirect(t *testing.T) {
	xlat, _, alloc, log, _ := newTestTranslator(t)
	ctx := context.Background()
	ip := &inode.Inode{Dev: 1, Inum: 1}

	bn := inode.NumDirect + xlat.NumIndirect() + 3 // outer 0, inner 3
	addr, err := xlat.Resolve(ctx, ip, bn)
	require.NoError(t, err)
	assert.NotZero(t, addr)

	// Double-indirect block, inner indirect block, data block.
	assert.Equal(t, 3, alloc.Allocs())
	assert.NotZero(t, ip.Addrs[inode.NumDirect+1])
	assert.Equal(t, 2, log.Len(), "both index blocks were freshly populated")

	again, err := xlat.Resolve(ctx, ip, bn)
	require.NoError(t, err)
	assert.Equal(t, addr, again)
	assert.Equal(t, 3, alloc.Allocs())
	assert.Equal(t, 2, log.Len())
}

func TestTranslator_ResolveOutOfRange(t *testing.T) {
	xlat, _, _, _, _ := newTestTranslator(t)
	ip := &inode.Inode{Dev: 1, Inum: 1}

	_, err := xlat.Resolve(context.Background(), ip, xlat.MaxFileBlocks())
	require.ErrorIs(t, err, inode.ErrOutOfRange)
}

func TestTranslator_RoundTripNoCollisions(t *testing.T) {
	xlat, c, _, _, _ := newTestTranslator(t)
	ctx := context.Background()
	ip := &inode.Inode{Dev: 1, Inum: 1}

	ni := xlat.NumIndirect()
	indices := []uint32{
		0,
		inode.NumDirect - 1,
		inode.NumDirect,          // first indirect
		inode.NumDirect + ni - 1, // last indirect
		inode.NumDirect + ni,     // first double-indirect
		inode.NumDirect + ni + 5,
		xlat.MaxFileBlocks() - 1,
	}

	addrs := make(map[uint32]uint32, len(indices))
	for _, bn := range indices {
		addr, err := xlat.Resolve(ctx, ip, bn)
		require.NoError(t, err, "resolve of %d", bn)

		for other, a := range addrs {
			assert.NotEqual(t, a, addr, "indices %d and %d collided", other, bn)
		}
		addrs[bn] = addr
	}

	// Write distinct content through the cache and read it back.
	for bn, addr := range addrs {
		b, err := c.Read(ctx, ip.Dev, addr)
		require.NoError(t, err)
		b.Data[0] = byte(bn)
		require.NoError(t, c.Write(ctx, b))
		require.NoError(t, c.Release(b))
	}
	for bn, addr := range addrs {
		b, err := c.Read(ctx, ip.Dev, addr)
		require.NoError(t, err)
		assert.Equal(t, byte(bn), b.Data[0], "content of logical block %d", bn)
		require.NoError(t, c.Release(b))
	}

	// The resolved mapping is stable.
	for _, bn := range indices {
		addr, err := xlat.Resolve(ctx, ip, bn)
		require.NoError(t, err)
		assert.Equal(t, addrs[bn], addr)
	}
}

func TestTranslator_TruncateCompleteness(t *testing.T) {
	xlat, _, alloc, _, meta := newTestTranslator(t)
	ctx := context.Background()
	ip := &inode.Inode{Dev: 1, Inum: 1, Size: 12345}

	ni := xlat.NumIndirect()
	indices := []uint32{
		0, 3, inode.NumDirect - 1,
		inode.NumDirect, inode.NumDirect + ni - 1,
		inode.NumDirect + ni, inode.NumDirect + ni + 7,
		xlat.MaxFileBlocks() - 1,
	}
	for _, bn := range indices {
		_, err := xlat.Resolve(ctx, ip, bn)
		require.NoError(t, err)
	}

	allocated := alloc.Allocs()
	require.Positive(t, allocated)

	require.NoError(t, xlat.Truncate(ctx, ip))

	// Every allocated block was freed exactly once: no leaks, no double
	// frees (the allocator fails on double free).
	assert.Equal(t, allocated, alloc.Frees())
	assert.Zero(t, alloc.Live())

	for i, addr := range ip.Addrs {
		assert.Zero(t, addr, "Addrs[%d] not cleared", i)
	}
	assert.Zero(t, ip.Size)
	assert.Equal(t, 1, meta.calls)

	// Truncating an empty inode is a no-op.
	require.NoError(t, xlat.Truncate(ctx, ip))
	assert.Equal(t, allocated, alloc.Frees())
	assert.Equal(t, 2, meta.calls)
}

func TestTranslator_TruncateThenReuse(t *testing.T) {
	xlat, _, alloc, _, _ := newTestTranslator(t)
	ctx := context.Background()
	ip := &inode.Inode{Dev: 1, Inum: 1}

	first, err := xlat.Resolve(ctx, ip, 0)
	require.NoError(t, err)

	require.NoError(t, xlat.Truncate(ctx, ip))
	require.False(t, alloc.IsAllocated(first))

	// Freed blocks become available for reallocation.
	again, err := xlat.Resolve(ctx, ip, 0)
	require.NoError(t, err)
	assert.NotZero(t, again)
	assert.True(t, alloc.IsAllocated(again))
}
