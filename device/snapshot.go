package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression defines the compression algorithm used for device snapshots.
type Compression uint8

const (
	// CompressionNone indicates no compression.
	CompressionNone Compression = iota
	// CompressionLZ4 indicates LZ4 stream compression (fast).
	CompressionLZ4
	// CompressionZSTD indicates ZSTD stream compression (better ratio).
	CompressionZSTD
)

var snapshotMagic = [4]byte{'b', 'f', 's', '1'}

// snapshotHeader is the uncompressed snapshot preamble.
// Format: [Magic 4][Compression uint8][BlockSize uint32][NumBlocks uint32][Count uint32]
type snapshotHeader struct {
	Magic       [4]byte
	Compression uint8
	BlockSize   uint32
	NumBlocks   uint32
	Count       uint32
}

// Dump writes a snapshot of dev to w. If dev implements Sparse, only blocks
// that were ever written are included; otherwise every block is dumped.
// The snapshot can be loaded with Restore.
func Dump(ctx context.Context, w io.Writer, dev Device, comp Compression) error {
	set := writtenSet(dev)

	hdr := snapshotHeader{
		Magic:       snapshotMagic,
		Compression: uint8(comp),
		BlockSize:   uint32(dev.BlockSize()), //nolint:gosec // G115: block sizes are small
		NumBlocks:   dev.NumBlocks(),
		Count:       uint32(set.GetCardinality()), //nolint:gosec // G115: bounded by NumBlocks
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}

	body, closeBody, err := compressWriter(w, comp)
	if err != nil {
		return err
	}

	buf := make([]byte, dev.BlockSize())
	it := set.Iterator()
	for it.HasNext() {
		blockno := it.Next()
		if err := dev.ReadBlock(ctx, blockno, buf); err != nil {
			_ = closeBody()
			return err
		}
		if err := binary.Write(body, binary.LittleEndian, blockno); err != nil {
			_ = closeBody()
			return err
		}
		if _, err := body.Write(buf); err != nil {
			_ = closeBody()
			return err
		}
	}

	return closeBody()
}

// Restore loads a snapshot produced by Dump into dev. The device block size
// must match the snapshot's.
func Restore(ctx context.Context, r io.Reader, dev Device) error {
	var hdr snapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("failed to read snapshot header: %w", err)
	}
	if hdr.Magic != snapshotMagic {
		return fmt.Errorf("not a device snapshot")
	}
	if int(hdr.BlockSize) != dev.BlockSize() {
		return fmt.Errorf("snapshot block size %d does not match device block size %d", hdr.BlockSize, dev.BlockSize())
	}

	body, closeBody, err := decompressReader(r, Compression(hdr.Compression))
	if err != nil {
		return err
	}
	defer closeBody()

	buf := make([]byte, dev.BlockSize())
	for i := uint32(0); i < hdr.Count; i++ {
		var blockno uint32
		if err := binary.Read(body, binary.LittleEndian, &blockno); err != nil {
			return fmt.Errorf("failed to read snapshot entry: %w", err)
		}
		if _, err := io.ReadFull(body, buf); err != nil {
			return fmt.Errorf("failed to read snapshot block %d: %w", blockno, err)
		}
		if err := dev.WriteBlock(ctx, blockno, buf); err != nil {
			return err
		}
	}

	return nil
}

func writtenSet(dev Device) *roaring.Bitmap {
	if s, ok := dev.(Sparse); ok {
		return s.WrittenBlocks()
	}

	set := roaring.New()
	set.AddRange(0, uint64(dev.NumBlocks()))
	return set
}

func compressWriter(w io.Writer, comp Compression) (io.Writer, func() error, error) {
	switch comp {
	case CompressionNone:
		return w, func() error { return nil }, nil
	case CompressionLZ4:
		zw := lz4.NewWriter(w)
		return zw, zw.Close, nil
	case CompressionZSTD:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, err
		}
		return zw, zw.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown compression type: %d", comp)
	}
}

func decompressReader(r io.Reader, comp Compression) (io.Reader, func(), error) {
	switch comp {
	case CompressionNone:
		return r, func() {}, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	case CompressionZSTD:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown compression type: %d", comp)
	}
}
