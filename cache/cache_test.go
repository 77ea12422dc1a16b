package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/blockfs/device"
)

func newTestCache(t *testing.T, numShards, bufsPerShard int) (*Cache, *device.MemDevice) {
	t.Helper()

	dev := device.NewMemDevice(device.DefaultBlockSize, 1<<20)
	c, err := New(map[uint32]device.Device{1: dev}, func(o *Options) {
		o.NumShards = numShards
		o.BufsPerShard = bufsPerShard
	})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	return c, dev
}

func TestCache_ReadWriteRelease(t *testing.T) {
	c, dev := newTestCache(t, DefaultNumShards, DefaultBufsPerShard)
	ctx := context.Background()

	b, err := c.Read(ctx, 1, 42)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	copy(b.Data, []byte("hello blocks"))
	if err := c.Write(ctx, b); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := c.Release(b); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// Content reached the device.
	p := make([]byte, dev.BlockSize())
	if err := dev.ReadBlock(ctx, 42, p); err != nil {
		t.Fatalf("device read failed: %v", err)
	}
	if string(p[:12]) != "hello blocks" {
		t.Errorf("got %q, want %q", p[:12], "hello blocks")
	}

	// Re-read is a hit.
	b, err = c.Read(ctx, 1, 42)
	if err != nil {
		t.Fatalf("re-read failed: %v", err)
	}
	if !b.Cached() {
		t.Error("expected cache hit on re-read")
	}
	if string(b.Data[:12]) != "hello blocks" {
		t.Errorf("got %q, want %q", b.Data[:12], "hello blocks")
	}
	_ = c.Release(b)

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("got hits=%d misses=%d, want 1/1", stats.Hits, stats.Misses)
	}
}

func TestCache_UnknownDevice(t *testing.T) {
	c, _ := newTestCache(t, DefaultNumShards, DefaultBufsPerShard)

	_, err := c.Read(context.Background(), 99, 0)
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestCache_CheckoutDiscipline(t *testing.T) {
	c, _ := newTestCache(t, DefaultNumShards, DefaultBufsPerShard)
	ctx := context.Background()

	b, err := c.Read(ctx, 1, 7)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if err := c.Release(b); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// The buffer is no longer checked out.
	if err := c.Write(ctx, b); !errors.Is(err, ErrNotLocked) {
		t.Errorf("Write after Release: expected ErrNotLocked, got %v", err)
	}
	if err := c.Release(b); !errors.Is(err, ErrNotLocked) {
		t.Errorf("double Release: expected ErrNotLocked, got %v", err)
	}
}

func TestCache_CheckoutExclusivity(t *testing.T) {
	c, _ := newTestCache(t, DefaultNumShards, DefaultBufsPerShard)
	ctx := context.Background()

	const goroutines = 16

	var active atomic.Int32
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()

			b, err := c.Read(ctx, 1, 3)
			if err != nil {
				t.Errorf("Read failed: %v", err)
				return
			}
			if n := active.Add(1); n != 1 {
				t.Errorf("%d concurrent holders of the same buffer", n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)

			if err := c.Release(b); err != nil {
				t.Errorf("Release failed: %v", err)
			}
		}()
	}

	wg.Wait()
}

func TestCache_UniquenessSameBuffer(t *testing.T) {
	c, _ := newTestCache(t, DefaultNumShards, DefaultBufsPerShard)
	ctx := context.Background()

	first, err := c.Read(ctx, 1, 5)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	_ = c.Release(first)

	// Without eviction pressure every checkout of (1,5) lands on the same
	// buffer.
	for range 10 {
		b, err := c.Read(ctx, 1, 5)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if b != first {
			t.Fatal("second buffer observed for the same identity")
		}
		_ = c.Release(b)
	}
}

func TestCache_LocalRecycle(t *testing.T) {
	// One shard, one buffer: a miss on a new block must recycle the free
	// local buffer without any eviction.
	c, _ := newTestCache(t, 1, 1)
	ctx := context.Background()

	b, err := c.Read(ctx, 1, 1)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	_ = c.Release(b)

	b, err = c.Read(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	_ = c.Release(b)

	if got := c.Stats().Evictions; got != 0 {
		t.Errorf("got %d evictions, want 0", got)
	}
}

func TestCache_Exhausted(t *testing.T) {
	c, _ := newTestCache(t, 1, 1)
	ctx := context.Background()

	b, err := c.Read(ctx, 1, 1)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	defer func() { _ = c.Release(b) }()

	// The only buffer is held and there is no other shard to steal from.
	_, err = c.Read(ctx, 1, 2)
	if !errors.Is(err, ErrCacheExhausted) {
		t.Fatalf("expected ErrCacheExhausted, got %v", err)
	}
}

func TestCache_CrossShardEvictionLRU(t *testing.T) {
	// Three shards of one buffer each. Shard 0 is kept full, so a miss in
	// shard 0 must steal the least recently used free buffer across the
	// other shards.
	c, _ := newTestCache(t, 3, 1)
	ctx := context.Background()

	held, err := c.Read(ctx, 1, 0) // shard 0, kept checked out
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	for _, blockno := range []uint32{1, 2} { // shard 1, then shard 2
		b, err := c.Read(ctx, 1, blockno)
		if err != nil {
			t.Fatalf("Read(%d) failed: %v", blockno, err)
		}
		if err := c.Release(b); err != nil {
			t.Fatalf("Release(%d) failed: %v", blockno, err)
		}
	}

	// Miss in the full shard 0: block 1's buffer has the smallest tick and
	// must be the victim.
	b, err := c.Read(ctx, 1, 3)
	if err != nil {
		t.Fatalf("Read(3) failed: %v", err)
	}
	_ = c.Release(b)

	if got := c.Stats().Evictions; got != 1 {
		t.Fatalf("got %d evictions, want 1", got)
	}

	// Block 2 survived: it was more recently used than block 1.
	b, err = c.Read(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Read(2) failed: %v", err)
	}
	if !b.Cached() {
		t.Error("surviving block not served from cache")
	}
	_ = c.Release(b)

	// Block 1 was the victim: re-reading it repopulates from the device.
	b, err = c.Read(ctx, 1, 1)
	if err != nil {
		t.Fatalf("re-read of evicted block failed: %v", err)
	}
	if b.Cached() {
		t.Error("evicted block served from cache")
	}
	_ = c.Release(b)

	_ = c.Release(held)
}

func TestCache_SameShardOverflowScenario(t *testing.T) {
	// Default geometry: 13 shards of 5 buffers. Six blocks all hashing to
	// shard 0, held concurrently; the sixth overflows the shard and must be
	// served by a cross-shard steal, not an error.
	c, _ := newTestCache(t, DefaultNumShards, DefaultBufsPerShard)
	ctx := context.Background()

	blocks := []uint32{0, 13, 26, 39, 52, 65}
	held := make([]*Buf, 0, len(blocks))
	for _, blockno := range blocks {
		b, err := c.Read(ctx, 1, blockno)
		if err != nil {
			t.Fatalf("Read(%d) failed: %v", blockno, err)
		}
		held = append(held, b)
	}

	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("got %d evictions, want 1", got)
	}

	for _, b := range held {
		if err := c.Release(b); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	}

	// All six identities remain resident and readable.
	for _, blockno := range blocks {
		b, err := c.Read(ctx, 1, blockno)
		if err != nil {
			t.Fatalf("re-read of %d failed: %v", blockno, err)
		}
		if !b.Cached() {
			t.Errorf("block %d not resident after overflow", blockno)
		}
		_ = c.Release(b)
	}
}

func TestCache_EvictionLocalRecycleRace(t *testing.T) {
	// Two shards of one buffer each. A miss in shard 0 is driven into the
	// eviction path and parked on shard 1's lock; meanwhile shard 0's buffer
	// is released and locally recycled to the very block the parked miss is
	// stealing a victim for. The migration must detect the resident identity
	// and hand the victim back instead of creating a duplicate.
	c, _ := newTestCache(t, 2, 1)
	ctx := context.Background()

	b, err := c.Read(ctx, 1, 1) // shard 1
	if err != nil {
		t.Fatalf("Read(1) failed: %v", err)
	}
	_ = c.Release(b)

	held, err := c.Read(ctx, 1, 0) // shard 0, kept checked out
	if err != nil {
		t.Fatalf("Read(0) failed: %v", err)
	}

	// Park the victim search: the miss below passes its home-shard re-check
	// and then blocks scanning shard 1.
	c.shards[1].mu.Lock()

	var evicted *Buf
	done := make(chan struct{})
	go func() {
		defer close(done)

		eb, err := c.Read(ctx, 1, 2)
		if err != nil {
			t.Errorf("Read(2) failed: %v", err)
			return
		}
		evicted = eb
		_ = c.Release(eb)
	}()
	time.Sleep(50 * time.Millisecond)

	// Free shard 0's buffer and bind block 2 to it through local recycle,
	// which never touches the eviction lock.
	if err := c.Release(held); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	rival, err := c.Read(ctx, 1, 2)
	if err != nil {
		t.Fatalf("rival Read(2) failed: %v", err)
	}
	_ = c.Release(rival)

	c.shards[1].mu.Unlock()
	<-done

	if evicted != rival {
		t.Fatalf("two distinct buffers for the same identity: %p vs %p", evicted, rival)
	}

	live := 0
	for i := range c.bufs {
		if c.bufs[i].Dev == 1 && c.bufs[i].Blockno == 2 {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("got %d buffers bound to block 2, want 1", live)
	}

	// The claimed victim was rolled back: block 1 is still resident.
	b, err = c.Read(ctx, 1, 1)
	if err != nil {
		t.Fatalf("re-read of block 1 failed: %v", err)
	}
	if !b.Cached() {
		t.Error("rolled-back victim lost its identity")
	}
	_ = c.Release(b)

	if got := c.Stats().Evictions; got != 0 {
		t.Errorf("got %d evictions, want 0", got)
	}
}

func TestCache_PinKeepsResident(t *testing.T) {
	c, _ := newTestCache(t, 2, 1)
	ctx := context.Background()

	b, err := c.Read(ctx, 1, 0) // shard 0
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if err := c.Pin(b); err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	if err := c.Release(b); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// Shard 0 is full with the pinned buffer; the miss steals from shard 1
	// instead of recycling block 0.
	nb, err := c.Read(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Read(2) failed: %v", err)
	}
	_ = c.Release(nb)

	rb, err := c.Read(ctx, 1, 0)
	if err != nil {
		t.Fatalf("re-read of pinned block failed: %v", err)
	}
	if !rb.Cached() {
		t.Error("pinned block was not kept resident")
	}
	_ = c.Release(rb)

	if err := c.Unpin(rb); err != nil {
		t.Fatalf("Unpin failed: %v", err)
	}
	if err := c.Unpin(rb); !errors.Is(err, ErrRefcountUnderflow) {
		t.Errorf("double Unpin: expected ErrRefcountUnderflow, got %v", err)
	}
}

func TestCache_MigrationInvalidatesContent(t *testing.T) {
	c, dev := newTestCache(t, 2, 1)
	ctx := context.Background()

	// Seed device content for block 1.
	seed := make([]byte, dev.BlockSize())
	copy(seed, []byte("persisted"))
	if err := dev.WriteBlock(ctx, 1, seed); err != nil {
		t.Fatalf("device write failed: %v", err)
	}

	b, err := c.Read(ctx, 1, 1) // shard 1
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	_ = c.Release(b)

	// Fill shard 0 and force it to steal shard 1's buffer.
	held, err := c.Read(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Read(0) failed: %v", err)
	}
	nb, err := c.Read(ctx, 1, 2) // shard 0 full: steals block 1's buffer
	if err != nil {
		t.Fatalf("Read(2) failed: %v", err)
	}
	if nb.Cached() {
		t.Error("migrated buffer must not carry content across identities")
	}
	_ = c.Release(nb)
	_ = c.Release(held)

	// Re-reading block 1 repopulates from the device.
	b, err = c.Read(ctx, 1, 1)
	if err != nil {
		t.Fatalf("re-read failed: %v", err)
	}
	if b.Cached() {
		t.Error("evicted identity served from cache")
	}
	if string(b.Data[:9]) != "persisted" {
		t.Errorf("got %q, want %q", b.Data[:9], "persisted")
	}
	_ = c.Release(b)
}

func TestCache_ReadCancellation(t *testing.T) {
	c, _ := newTestCache(t, DefaultNumShards, DefaultBufsPerShard)
	ctx := context.Background()

	b, err := c.Read(ctx, 1, 9)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	if _, err := c.Read(cctx, 1, 9); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline error, got %v", err)
	}

	if err := c.Release(b); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// The cancelled checkout must not leak a reference: the buffer is
	// free again and recyclable.
	rb, err := c.Read(ctx, 1, 9)
	if err != nil {
		t.Fatalf("Read after cancellation failed: %v", err)
	}
	_ = c.Release(rb)
}

func TestCache_ConcurrentMixedBlocks(t *testing.T) {
	c, _ := newTestCache(t, DefaultNumShards, DefaultBufsPerShard)
	ctx := context.Background()

	const goroutines = 32
	const opsPerGoroutine = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := range goroutines {
		go func(id int) {
			defer wg.Done()

			for i := range opsPerGoroutine {
				blockno := uint32((id*7 + i) % 100) //nolint:gosec // G115: bounded

				b, err := c.Read(ctx, 1, blockno)
				if err != nil {
					t.Errorf("Read(%d) failed: %v", blockno, err)
					return
				}

				// Exclusivity: the payload cannot change under the holder.
				b.Data[0] = byte(id)
				b.Data[1] = byte(blockno)
				if b.Data[0] != byte(id) || b.Data[1] != byte(blockno) {
					t.Error("payload mutated while checked out")
				}

				if err := c.Release(b); err != nil {
					t.Errorf("Release(%d) failed: %v", blockno, err)
					return
				}
			}
		}(g)
	}

	wg.Wait()
}

func TestCache_RefcountConservation(t *testing.T) {
	c, _ := newTestCache(t, 1, 1)
	ctx := context.Background()

	// Equal numbers of reads and releases leave the only buffer free:
	// the next miss can recycle it.
	for range 5 {
		b, err := c.Read(ctx, 1, 1)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if err := c.Release(b); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	}

	b, err := c.Read(ctx, 1, 2)
	if err != nil {
		t.Fatalf("recycle after balanced read/release failed: %v", err)
	}
	_ = c.Release(b)
}
