package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/blockfs/device"
)

const (
	// DefaultNumShards is the default number of hash buckets.
	DefaultNumShards = 13
	// DefaultBufsPerShard is the default buffer pool size per shard.
	DefaultBufsPerShard = 5

	// maxVictimRetries caps the eviction retry loop. Losing the claim race
	// requires another goroutine to checkout the candidate between the scan
	// and the re-check, so consecutive losses are already unlikely.
	maxVictimRetries = 8
)

// Options configures a Cache.
type Options struct {
	// NumShards is the number of hash buckets. Defaults to DefaultNumShards.
	NumShards int

	// BufsPerShard is the initial buffer pool size per shard.
	// Defaults to DefaultBufsPerShard.
	BufsPerShard int

	// Logger receives debug-level eviction and migration events.
	// Defaults to a discarding logger.
	Logger *slog.Logger
}

// Cache is a fixed-capacity sharded block cache. The total pool of
// NumShards × BufsPerShard buffers is allocated once at construction and
// recycled for the life of the cache.
type Cache struct {
	devs      map[uint32]device.Device
	shards    []shard
	bufs      []Buf
	blockSize int

	// evictMu serializes the cross-shard victim search so two concurrent
	// misses cannot claim the same victim or deadlock on shard ordering.
	evictMu sync.Mutex

	// clock is the monotonic tick used as the recency proxy for
	// cross-shard LRU comparison.
	clock atomic.Uint64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	logger *slog.Logger
}

// Stats holds cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// New creates a Cache over the given devices, keyed by device id.
// All devices must share the same block size.
func New(devs map[uint32]device.Device, optFns ...func(o *Options)) (*Cache, error) {
	opts := Options{
		NumShards:    DefaultNumShards,
		BufsPerShard: DefaultBufsPerShard,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.NumShards <= 0 {
		opts.NumShards = DefaultNumShards
	}
	if opts.BufsPerShard <= 0 {
		opts.BufsPerShard = DefaultBufsPerShard
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if len(devs) == 0 {
		return nil, fmt.Errorf("cache: at least one device is required")
	}

	blockSize := 0
	for id, d := range devs {
		if blockSize == 0 {
			blockSize = d.BlockSize()
		} else if d.BlockSize() != blockSize {
			return nil, fmt.Errorf("cache: device %d block size %d does not match %d", id, d.BlockSize(), blockSize)
		}
	}

	c := &Cache{
		devs:      devs,
		shards:    make([]shard, opts.NumShards),
		bufs:      make([]Buf, opts.NumShards*opts.BufsPerShard),
		blockSize: blockSize,
		logger:    opts.Logger,
	}

	for i := range c.bufs {
		b := &c.bufs[i]
		b.Data = make([]byte, blockSize)
		b.lock = newSleepLock()

		si := i / opts.BufsPerShard
		b.shard.Store(int32(si)) //nolint:gosec // G115: shard counts are small
		c.shards[si].pushFront(b)
	}

	return c, nil
}

// BlockSize returns the cache's block size in bytes.
func (c *Cache) BlockSize() int { return c.blockSize }

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (c *Cache) shardIndex(blockno uint32) int {
	return int(blockno % uint32(len(c.shards))) //nolint:gosec // G115: shard counts are small
}

// checkout marks b as actively used. Caller holds the owning shard's lock.
func (c *Cache) checkout(b *Buf) {
	b.refs++
	b.state = stateInUse
	b.tick = c.clock.Add(1)
}

// rebind recycles b under a new identity. Caller holds the owning shard's lock.
func (c *Cache) rebind(b *Buf, dev, blockno uint32) {
	b.Dev = dev
	b.Blockno = blockno
	b.valid = false
	b.refs = 1
	b.state = stateInUse
	b.tick = c.clock.Add(1)
}

// lockBuf blocks until b's checkout lock is acquired. On cancellation the
// reference taken by the caller is dropped again.
func (c *Cache) lockBuf(ctx context.Context, b *Buf) (*Buf, error) {
	if err := b.lock.acquire(ctx); err != nil {
		s := &c.shards[b.shard.Load()]
		s.mu.Lock()
		b.refs--
		if b.refs == 0 {
			b.state = stateFree
		}
		s.mu.Unlock()
		return nil, err
	}
	return b, nil
}

// get returns a checked-out buffer for (dev, blockno), recycling or
// stealing a buffer on a miss. The buffer's checkout lock is held on return.
func (c *Cache) get(ctx context.Context, dev, blockno uint32) (*Buf, error) {
	if _, ok := c.devs[dev]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, dev)
	}

	idx := c.shardIndex(blockno)
	sh := &c.shards[idx]

	sh.mu.Lock()
	if b := sh.lookup(dev, blockno); b != nil {
		c.checkout(b)
		sh.mu.Unlock()
		return c.lockBuf(ctx, b)
	}
	if b := sh.freeFromTail(); b != nil {
		c.rebind(b, dev, blockno)
		sh.mu.Unlock()
		return c.lockBuf(ctx, b)
	}
	sh.mu.Unlock()

	// The shard is full: steal the globally least-recently-used free buffer
	// from another shard.
	c.evictMu.Lock()

	// The shard lock was dropped, so a concurrent miss may have inserted
	// the block, or a release may have freed a local buffer, in the
	// meantime. Re-check before stealing; this also preserves the
	// uniqueness invariant across racing misses for the same block.
	sh.mu.Lock()
	if b := sh.lookup(dev, blockno); b != nil {
		c.checkout(b)
		sh.mu.Unlock()
		c.evictMu.Unlock()
		return c.lockBuf(ctx, b)
	}
	if b := sh.freeFromTail(); b != nil {
		c.rebind(b, dev, blockno)
		sh.mu.Unlock()
		c.evictMu.Unlock()
		return c.lockBuf(ctx, b)
	}
	sh.mu.Unlock()

	var victim *Buf
	for attempt := 0; victim == nil; attempt++ {
		if attempt == maxVictimRetries {
			c.evictMu.Unlock()
			return nil, ErrEvictionContention
		}
		v, err := c.selectVictim(idx)
		if err != nil {
			c.evictMu.Unlock()
			return nil, err
		}
		victim = v
	}

	// Migrate while still holding evictMu: the stolen buffer must be
	// linked under its new identity before another miss for the same
	// block can search for a victim, or two buffers could end up with the
	// same identity. Only one shard lock is nested at a time.
	b := c.migrate(victim, idx, dev, blockno)
	if b == victim {
		c.evictions.Add(1)
	}
	c.evictMu.Unlock()

	return c.lockBuf(ctx, b)
}

// selectVictim finds the free buffer with the smallest tick across all
// shards except home and claims it for eviction. Returns (nil, nil) if the
// candidate was taken between the scan and the claim; the caller retries.
// Called with evictMu held and no shard lock held.
func (c *Cache) selectVictim(home int) (*Buf, error) {
	least := uint64(math.MaxUint64)
	var victim *Buf

	for i := range c.shards {
		if i == home {
			continue
		}
		s := &c.shards[i]
		s.mu.Lock()
		for b := s.tail; b != nil; b = b.prev {
			if b.state == stateFree && b.tick < least {
				least = b.tick
				victim = b
			}
		}
		s.mu.Unlock()
	}

	if victim == nil {
		return nil, ErrCacheExhausted
	}

	// Re-check under the owner's lock: the candidate may have been checked
	// out, or migrated to another shard, since the scan.
	si := victim.shard.Load()
	s := &c.shards[si]
	s.mu.Lock()
	if victim.shard.Load() != si || victim.state != stateFree {
		s.mu.Unlock()
		return nil, nil
	}
	victim.state = stateEvicting
	s.mu.Unlock()

	return victim, nil
}

// migrate moves a claimed victim from its donor shard to dst and rebinds it
// to the new identity. The donor and destination locks are never held
// together.
//
// The destination must be re-scanned before linking: a concurrent miss for
// the same block can bind a locally recycled buffer to the identity between
// the home-shard re-check in get and this point, since local recycle never
// takes evictMu. If the identity is already resident the victim claim is
// rolled back and the resident buffer is checked out instead; the returned
// buffer is the one bound to (dev, blockno).
func (c *Cache) migrate(v *Buf, dst int, dev, blockno uint32) *Buf {
	from := v.shard.Load()
	donor := &c.shards[from]
	donor.mu.Lock()
	donor.unlink(v)
	donor.mu.Unlock()

	sh := &c.shards[dst]
	sh.mu.Lock()
	if b := sh.lookup(dev, blockno); b != nil {
		c.checkout(b)
		sh.mu.Unlock()

		// Hand the victim back to its donor. Its old identity and content
		// are untouched, so it stays a valid cached copy.
		donor.mu.Lock()
		v.state = stateFree
		donor.pushBack(v)
		donor.mu.Unlock()

		return b
	}
	c.rebind(v, dev, blockno)
	v.shard.Store(int32(dst)) //nolint:gosec // G115: shard counts are small
	sh.pushBack(v)
	sh.mu.Unlock()

	c.logger.Debug("buffer migrated",
		"dev", dev,
		"blockno", blockno,
		"from_shard", from,
		"to_shard", dst,
	)

	return v
}

// Read returns a checked-out buffer holding the current content of the
// block. The caller must Release the buffer when done and must not use it
// afterwards.
func (c *Cache) Read(ctx context.Context, dev, blockno uint32) (*Buf, error) {
	b, err := c.get(ctx, dev, blockno)
	if err != nil {
		return nil, err
	}

	if b.valid {
		c.hits.Add(1)
		b.cached = true
		return b, nil
	}

	c.misses.Add(1)
	b.cached = false
	if err := c.devs[b.Dev].ReadBlock(ctx, b.Blockno, b.Data); err != nil {
		_ = c.Release(b)
		return nil, fmt.Errorf("failed to read block %d from device %d: %w", blockno, dev, err)
	}
	b.valid = true

	return b, nil
}

// Write writes b's content through to the device. The caller must hold the
// checkout lock. There is no dirty tracking: every Write hits the device.
func (c *Cache) Write(ctx context.Context, b *Buf) error {
	if !b.lock.held() {
		return ErrNotLocked
	}

	d, ok := c.devs[b.Dev]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, b.Dev)
	}

	if err := d.WriteBlock(ctx, b.Blockno, b.Data); err != nil {
		return fmt.Errorf("failed to write block %d to device %d: %w", b.Blockno, b.Dev, err)
	}
	return nil
}

// Release returns a checked-out buffer to the cache. If this was the last
// reference the buffer moves to the most-recently-used end of its current
// shard's list and becomes evictable.
func (c *Cache) Release(b *Buf) error {
	if !b.lock.held() {
		return ErrNotLocked
	}

	// refs stays >= 1 until the decrement below, so the owning shard
	// cannot change under us even after the checkout lock is dropped.
	b.lock.release()

	s := &c.shards[b.shard.Load()]
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.state == stateEvicting {
		return ErrBufferEvicting
	}
	if b.refs <= 0 {
		return ErrRefcountUnderflow
	}

	b.refs--
	if b.refs == 0 {
		b.state = stateFree
		s.unlink(b)
		s.pushFront(b)
	}
	return nil
}

// Pin takes an extra reference on a checked-out buffer so it stays resident
// after Release, independent of the checkout discipline. List position is
// untouched.
func (c *Cache) Pin(b *Buf) error {
	s := &c.shards[b.shard.Load()]
	s.mu.Lock()
	defer s.mu.Unlock()

	switch b.state {
	case stateEvicting:
		return ErrBufferEvicting
	case stateFree:
		return ErrNotLocked
	}
	b.refs++
	return nil
}

// Unpin drops a reference taken with Pin. If it was the last reference the
// buffer becomes evictable in place.
func (c *Cache) Unpin(b *Buf) error {
	s := &c.shards[b.shard.Load()]
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.state == stateEvicting {
		return ErrBufferEvicting
	}
	if b.refs <= 0 {
		return ErrRefcountUnderflow
	}

	b.refs--
	if b.refs == 0 {
		b.state = stateFree
	}
	return nil
}
