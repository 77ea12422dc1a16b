// Package minio provides a block device backed by MinIO or any
// S3-compatible object store. Each block is stored as its own object,
// so block writes map to single PutObject calls.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/blockfs/device"
)

// Device implements device.Device over a MinIO bucket.
type Device struct {
	client    *minio.Client
	bucket    string
	prefix    string
	blockSize int
	numBlocks uint32
}

// Options configures a MinIO device.
type Options struct {
	// BlockSize is the size of each block in bytes. Defaults to device.DefaultBlockSize.
	BlockSize int

	// Prefix is prepended to all object keys (e.g. "volumes/db0/").
	Prefix string
}

// New creates a MinIO-backed device in the given bucket.
func New(client *minio.Client, bucket string, numBlocks uint32, optFns ...func(o *Options)) *Device {
	opts := Options{
		BlockSize: device.DefaultBlockSize,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.BlockSize <= 0 {
		opts.BlockSize = device.DefaultBlockSize
	}

	return &Device{
		client:    client,
		bucket:    bucket,
		prefix:    opts.Prefix,
		blockSize: opts.BlockSize,
		numBlocks: numBlocks,
	}
}

func (d *Device) key(blockno uint32) string {
	return path.Join(d.prefix, fmt.Sprintf("%08x.blk", blockno))
}

func (d *Device) ReadBlock(ctx context.Context, blockno uint32, p []byte) error {
	if blockno >= d.numBlocks {
		return device.ErrOutOfBounds
	}
	if len(p) != d.blockSize {
		return device.ErrBadBlockSize
	}

	obj, err := d.client.GetObject(ctx, d.bucket, d.key(blockno), minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer obj.Close()

	n, err := io.ReadFull(obj, p)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			// Never written: the block reads as zeros.
			clear(p)
			return nil
		}
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			clear(p[n:])
			return nil
		}
		return err
	}
	return nil
}

func (d *Device) WriteBlock(ctx context.Context, blockno uint32, p []byte) error {
	if blockno >= d.numBlocks {
		return device.ErrOutOfBounds
	}
	if len(p) != d.blockSize {
		return device.ErrBadBlockSize
	}

	_, err := d.client.PutObject(ctx, d.bucket, d.key(blockno), bytes.NewReader(p), int64(len(p)), minio.PutObjectOptions{})
	return err
}

// Sync is a no-op: object writes are durable on PutObject return.
func (d *Device) Sync(ctx context.Context) error { return nil }

func (d *Device) Close() error { return nil }

func (d *Device) BlockSize() int    { return d.blockSize }
func (d *Device) NumBlocks() uint32 { return d.numBlocks }
