package blockfs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hupe1980/blockfs/cache"
	"github.com/hupe1980/blockfs/device"
	"github.com/hupe1980/blockfs/inode"
)

// ErrStoreClosed is returned when an operation is attempted on a closed Store.
var ErrStoreClosed = errors.New("store is closed")

// Store wires devices, the block cache, and the address translator into a
// single handle. It is safe for concurrent use.
type Store struct {
	devs    map[uint32]device.Device
	cache   *cache.Cache
	xlat    *inode.Translator
	logger  *Logger
	metrics MetricsCollector
	closed  atomic.Bool
}

// New creates a Store over the given devices, keyed by device id.
// alloc may be nil if Resolve and Truncate are never used.
func New(devs map[uint32]device.Device, alloc inode.Allocator, optFns ...Option) (*Store, error) {
	opts := options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	c, err := cache.New(devs, func(o *cache.Options) {
		o.NumShards = opts.numShards
		o.BufsPerShard = opts.bufsPerShard
		o.Logger = opts.logger.Logger
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build cache: %w", err)
	}

	s := &Store{
		devs:    devs,
		cache:   c,
		logger:  opts.logger,
		metrics: opts.metricsCollector,
	}

	if alloc != nil {
		s.xlat = inode.NewTranslator(c, alloc, func(o *inode.Options) {
			o.Log = opts.logWriter
			o.Meta = opts.metadataStore
		})
	}

	return s, nil
}

// Cache returns the underlying block cache.
func (s *Store) Cache() *cache.Cache { return s.cache }

// Translator returns the block-address translator, or nil if the Store was
// built without an allocator.
func (s *Store) Translator() *inode.Translator { return s.xlat }

// ReadBlock returns a checked-out buffer holding the block content.
// The caller must Release it when done.
func (s *Store) ReadBlock(ctx context.Context, dev, blockno uint32) (*cache.Buf, error) {
	start := time.Now()
	b, err := s.cache.Read(ctx, dev, blockno)
	hit := err == nil && b.Cached()
	s.metrics.RecordRead(time.Since(start), hit, err)
	return b, err
}

// WriteBlock writes a checked-out buffer through to its device.
func (s *Store) WriteBlock(ctx context.Context, b *cache.Buf) error {
	start := time.Now()
	err := s.cache.Write(ctx, b)
	s.metrics.RecordWrite(time.Since(start), err)
	return err
}

// Release returns a checked-out buffer to the cache.
func (s *Store) Release(b *cache.Buf) error {
	return s.cache.Release(b)
}

// Pin keeps a checked-out buffer resident past Release.
func (s *Store) Pin(b *cache.Buf) error { return s.cache.Pin(b) }

// Unpin drops a reference taken with Pin.
func (s *Store) Unpin(b *cache.Buf) error { return s.cache.Unpin(b) }

// Resolve maps a logical block index within ip to a physical block number,
// allocating data and index blocks lazily.
func (s *Store) Resolve(ctx context.Context, ip *inode.Inode, bn uint32) (uint32, error) {
	if s.xlat == nil {
		return 0, fmt.Errorf("store was built without an allocator")
	}

	start := time.Now()
	addr, err := s.xlat.Resolve(ctx, ip, bn)
	s.metrics.RecordResolve(time.Since(start), err)
	return addr, err
}

// Truncate frees every block reachable from ip and resets its size.
func (s *Store) Truncate(ctx context.Context, ip *inode.Inode) error {
	if s.xlat == nil {
		return fmt.Errorf("store was built without an allocator")
	}

	start := time.Now()
	err := s.xlat.Truncate(ctx, ip)
	s.metrics.RecordTruncate(time.Since(start), err)
	return err
}

// Stats returns the cache counters.
func (s *Store) Stats() cache.Stats { return s.cache.Stats() }

// Sync flushes all devices.
func (s *Store) Sync(ctx context.Context) error {
	for id, d := range s.devs {
		if err := d.Sync(ctx); err != nil {
			return fmt.Errorf("failed to sync device %d: %w", id, err)
		}
	}
	return nil
}

// Close syncs and closes all devices. The Store must not be used afterwards.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrStoreClosed
	}

	var firstErr error
	for id, d := range s.devs {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close device %d: %w", id, err)
		}
	}

	return firstErr
}
