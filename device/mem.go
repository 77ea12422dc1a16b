package device

import (
	"context"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// MemDevice is an in-memory block device. Blocks are materialized lazily on
// first write; unwritten blocks read as zeros.
type MemDevice struct {
	mu        sync.RWMutex
	blocks    map[uint32][]byte
	written   *roaring.Bitmap
	blockSize int
	numBlocks uint32
	closed    bool
}

// NewMemDevice creates an in-memory device with the given geometry.
// If blockSize <= 0, DefaultBlockSize is used.
func NewMemDevice(blockSize int, numBlocks uint32) *MemDevice {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &MemDevice{
		blocks:    make(map[uint32][]byte),
		written:   roaring.New(),
		blockSize: blockSize,
		numBlocks: numBlocks,
	}
}

func (d *MemDevice) ReadBlock(ctx context.Context, blockno uint32, p []byte) error {
	if err := checkBounds(d, blockno, p); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}

	if b, ok := d.blocks[blockno]; ok {
		copy(p, b)
		return nil
	}
	clear(p)
	return nil
}

func (d *MemDevice) WriteBlock(ctx context.Context, blockno uint32, p []byte) error {
	if err := checkBounds(d, blockno, p); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	b, ok := d.blocks[blockno]
	if !ok {
		b = make([]byte, d.blockSize)
		d.blocks[blockno] = b
	}
	copy(b, p)
	d.written.Add(blockno)
	return nil
}

func (d *MemDevice) Sync(ctx context.Context) error { return nil }

func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.blocks = nil
	return nil
}

func (d *MemDevice) BlockSize() int    { return d.blockSize }
func (d *MemDevice) NumBlocks() uint32 { return d.numBlocks }

// WrittenBlocks returns a copy of the set of blocks written so far.
func (d *MemDevice) WrittenBlocks() *roaring.Bitmap {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.written.Clone()
}
