package inode

import (
	"context"
	"errors"

	"github.com/hupe1980/blockfs/cache"
)

const (
	// NumDirect is the number of direct block pointers in an inode.
	NumDirect = 11

	// NumAddrs is the size of the inode address table: the direct pointers
	// plus the single- and double-indirect pointers.
	NumAddrs = NumDirect + 2
)

// ErrOutOfRange is returned when a logical block index exceeds the
// double-indirect capacity.
var ErrOutOfRange = errors.New("logical block index out of range")

// Inode is the in-memory address table of one file. Only the fields the
// translator manipulates are modeled here; the caller owns locking and
// persistence of the full on-disk inode.
type Inode struct {
	Dev  uint32
	Inum uint32
	Size uint32

	// Addrs[0:NumDirect] are direct pointers, Addrs[NumDirect] points to
	// the single-indirect block, Addrs[NumDirect+1] to the double-indirect
	// block. Zero means unallocated.
	Addrs [NumAddrs]uint32
}

// Allocator allocates and frees physical disk blocks.
type Allocator interface {
	// Alloc returns a zeroed free block on dev.
	Alloc(ctx context.Context, dev uint32) (uint32, error)

	// Free returns a block to the free set.
	Free(ctx context.Context, dev, blockno uint32) error
}

// LogWriter is the write-ahead log hook. Record marks a checked-out
// buffer for inclusion in the current crash-safe transaction; it must be
// called before the buffer is released.
type LogWriter interface {
	Record(b *cache.Buf)
}

// MetadataStore persists inode metadata after structural changes.
type MetadataStore interface {
	UpdateInode(ctx context.Context, ip *Inode) error
}

type noopLog struct{}

func (noopLog) Record(*cache.Buf) {}

type noopMeta struct{}

func (noopMeta) UpdateInode(context.Context, *Inode) error { return nil }
