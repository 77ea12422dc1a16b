// Package s3 provides a block device backed by AWS S3. Each block is
// stored as its own object, so block writes map to single PutObject calls.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/blockfs/device"
)

// Device implements device.Device over an S3 bucket.
type Device struct {
	client    *s3.Client
	bucket    string
	prefix    string
	blockSize int
	numBlocks uint32
}

// Options configures an S3 device.
type Options struct {
	// BlockSize is the size of each block in bytes. Defaults to device.DefaultBlockSize.
	BlockSize int

	// Prefix is prepended to all object keys (e.g. "volumes/db0/").
	Prefix string
}

// New creates an S3-backed device in the given bucket.
func New(client *s3.Client, bucket string, numBlocks uint32, optFns ...func(o *Options)) *Device {
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

// NewFromDefaultConfig creates an S3-backed device using the default AWS
// credential and region chain.
func NewFromDefaultConfig(ctx context.Context, bucket string, numBlocks uint32, optFns ...func(o *Options)) (*Device, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return New(s3.NewFromConfig(cfg), bucket, numBlocks, optFns...), nil
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

	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(blockno)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			// Never written: the block reads as zeros.
			clear(p)
			return nil
		}
		return err
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, p)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		clear(p[n:])
		return nil
	}
	return err
}

func (d *Device) WriteBlock(ctx context.Context, blockno uint32, p []byte) error {
	if blockno >= d.numBlocks {
		return device.ErrOutOfBounds
	}
	if len(p) != d.blockSize {
		return device.ErrBadBlockSize
	}

	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(blockno)),
		Body:   bytes.NewReader(p),
	})
	return err
}

// Sync is a no-op: object writes are durable on PutObject return.
func (d *Device) Sync(ctx context.Context) error { return nil }

func (d *Device) Close() error { return nil }

func (d *Device) BlockSize() int    { return d.blockSize }
func (d *Device) NumBlocks() uint32 { return d.numBlocks }
