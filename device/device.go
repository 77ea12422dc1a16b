package device

import (
	"context"
	"errors"

	"github.com/RoaringBitmap/roaring/v2"
)

// DefaultBlockSize is the block size used when none is configured.
const DefaultBlockSize = 1024

var (
	// ErrOutOfBounds is returned when a block number is beyond the device geometry.
	ErrOutOfBounds = errors.New("block number out of bounds")

	// ErrBadBlockSize is returned when a buffer does not match the device block size.
	ErrBadBlockSize = errors.New("buffer size does not match device block size")

	// ErrClosed is returned when an operation is attempted on a closed device.
	ErrClosed = errors.New("device is closed")
)

// Device is a fixed array of equally sized blocks addressed by block number.
// Implementations must be safe for concurrent use.
type Device interface {
	// ReadBlock reads block blockno into p. len(p) must equal BlockSize.
	// Blocks that were never written read as zeros.
	ReadBlock(ctx context.Context, blockno uint32, p []byte) error

	// WriteBlock writes p to block blockno. len(p) must equal BlockSize.
	WriteBlock(ctx context.Context, blockno uint32, p []byte) error

	// Sync flushes any buffered writes to stable storage.
	Sync(ctx context.Context) error

	// Close releases the device. The device must not be used afterwards.
	Close() error

	// BlockSize returns the size of each block in bytes.
	BlockSize() int

	// NumBlocks returns the device capacity in blocks.
	NumBlocks() uint32
}

// Sparse is an optional interface for devices that track which blocks have
// ever been written. Snapshots use it to skip untouched blocks.
type Sparse interface {
	// WrittenBlocks returns a copy of the set of written block numbers.
	WrittenBlocks() *roaring.Bitmap
}

func checkBounds(d Device, blockno uint32, p []byte) error {
	if blockno >= d.NumBlocks() {
		return ErrOutOfBounds
	}
	if len(p) != d.BlockSize() {
		return ErrBadBlockSize
	}
	return nil
}
