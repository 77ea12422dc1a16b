package inode

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/blockfs/cache"
)

// Options configures a Translator.
type Options struct {
	// Log receives freshly populated index blocks for crash-safe commit.
	// Defaults to a no-op.
	Log LogWriter

	// Meta persists inode metadata after Truncate. Defaults to a no-op.
	Meta MetadataStore
}

// Translator maps logical block indices to physical block numbers through
// the cache, allocating index blocks lazily. It is stateless apart from its
// collaborators; callers must serialize access to any single inode.
type Translator struct {
	cache *cache.Cache
	alloc Allocator
	log   LogWriter
	meta  MetadataStore

	// perIndirect is the number of block pointers per index block,
	// derived from the cache block size.
	perIndirect uint32
}

// NewTranslator creates a Translator over the given cache and allocator.
func NewTranslator(c *cache.Cache, alloc Allocator, optFns ...func(o *Options)) *Translator {
	opts := Options{
		Log:  noopLog{},
		Meta: noopMeta{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Log == nil {
		opts.Log = noopLog{}
	}
	if opts.Meta == nil {
		opts.Meta = noopMeta{}
	}

	return &Translator{
		cache:       c,
		alloc:       alloc,
		log:         opts.Log,
		meta:        opts.Meta,
		perIndirect: uint32(c.BlockSize() / 4), //nolint:gosec // G115: block sizes are small
	}
}

// NumIndirect returns the number of pointers per index block.
func (t *Translator) NumIndirect() uint32 { return t.perIndirect }

// MaxFileBlocks returns the largest addressable file size in blocks.
func (t *Translator) MaxFileBlocks() uint32 {
	return NumDirect + t.perIndirect + t.perIndirect*t.perIndirect
}

func ptrAt(b *cache.Buf, i uint32) uint32 {
	return binary.LittleEndian.Uint32(b.Data[i*4:])
}

func setPtr(b *cache.Buf, i, v uint32) {
	binary.LittleEndian.PutUint32(b.Data[i*4:], v)
}

// Resolve returns the physical block number of logical block bn in ip,
// allocating data and index blocks on demand. Freshly populated index
// blocks are handed to the log hook before release.
func (t *Translator) Resolve(ctx context.Context, ip *Inode, bn uint32) (uint32, error) {
	orig := bn

	if bn < NumDirect {
		addr := ip.Addrs[bn]
		if addr == 0 {
			a, err := t.alloc.Alloc(ctx, ip.Dev)
			if err != nil {
				return 0, err
			}
			ip.Addrs[bn] = a
			addr = a
		}
		return addr, nil
	}
	bn -= NumDirect

	ni := t.perIndirect
	if bn < ni {
		addr, err := t.ensureAddr(ctx, ip, NumDirect)
		if err != nil {
			return 0, err
		}

		bp, err := t.cache.Read(ctx, ip.Dev, addr)
		if err != nil {
			return 0, err
		}

		a := ptrAt(bp, bn)
		if a == 0 {
			a, err = t.alloc.Alloc(ctx, ip.Dev)
			if err != nil {
				_ = t.cache.Release(bp)
				return 0, err
			}
			setPtr(bp, bn, a)
			t.log.Record(bp)
		}

		if err := t.cache.Release(bp); err != nil {
			return 0, err
		}
		return a, nil
	}
	bn -= ni

	if bn < ni*ni {
		outer := bn / ni
		inner := bn % ni

		addr, err := t.ensureAddr(ctx, ip, NumDirect+1)
		if err != nil {
			return 0, err
		}

		dbp, err := t.cache.Read(ctx, ip.Dev, addr)
		if err != nil {
			return 0, err
		}

		mid := ptrAt(dbp, outer)
		if mid == 0 {
			mid, err = t.alloc.Alloc(ctx, ip.Dev)
			if err != nil {
				_ = t.cache.Release(dbp)
				return 0, err
			}
			setPtr(dbp, outer, mid)
			t.log.Record(dbp)
		}

		bp, err := t.cache.Read(ctx, ip.Dev, mid)
		if err != nil {
			_ = t.cache.Release(dbp)
			return 0, err
		}

		a := ptrAt(bp, inner)
		if a == 0 {
			a, err = t.alloc.Alloc(ctx, ip.Dev)
			if err != nil {
				_ = t.cache.Release(bp)
				_ = t.cache.Release(dbp)
				return 0, err
			}
			setPtr(bp, inner, a)
			t.log.Record(bp)
		}

		// Release in reverse access order: inner before outer.
		if err := t.cache.Release(bp); err != nil {
			_ = t.cache.Release(dbp)
			return 0, err
		}
		if err := t.cache.Release(dbp); err != nil {
			return 0, err
		}
		return a, nil
	}

	return 0, fmt.Errorf("%w: %d (max %d)", ErrOutOfRange, orig, t.MaxFileBlocks()-1)
}

// ensureAddr lazily allocates the index-block pointer at ip.Addrs[slot].
func (t *Translator) ensureAddr(ctx context.Context, ip *Inode, slot int) (uint32, error) {
	addr := ip.Addrs[slot]
	if addr != 0 {
		return addr, nil
	}

	a, err := t.alloc.Alloc(ctx, ip.Dev)
	if err != nil {
		return 0, err
	}
	ip.Addrs[slot] = a
	return a, nil
}

// Truncate frees every data and index block reachable from ip, zeroing each
// pointer as it goes, then resets the size and persists the inode metadata.
// The caller must hold an exclusive lock on the inode.
func (t *Translator) Truncate(ctx context.Context, ip *Inode) error {
	for i := 0; i < NumDirect; i++ {
		if ip.Addrs[i] != 0 {
			if err := t.alloc.Free(ctx, ip.Dev, ip.Addrs[i]); err != nil {
				return err
			}
			ip.Addrs[i] = 0
		}
	}

	if addr := ip.Addrs[NumDirect]; addr != 0 {
		if err := t.freeIndirect(ctx, ip.Dev, addr); err != nil {
			return err
		}
		ip.Addrs[NumDirect] = 0
	}

	if addr := ip.Addrs[NumDirect+1]; addr != 0 {
		dbp, err := t.cache.Read(ctx, ip.Dev, addr)
		if err != nil {
			return err
		}

		for i := uint32(0); i < t.perIndirect; i++ {
			mid := ptrAt(dbp, i)
			if mid == 0 {
				continue
			}
			if err := t.freeIndirect(ctx, ip.Dev, mid); err != nil {
				_ = t.cache.Release(dbp)
				return err
			}
		}

		if err := t.cache.Release(dbp); err != nil {
			return err
		}
		if err := t.alloc.Free(ctx, ip.Dev, addr); err != nil {
			return err
		}
		ip.Addrs[NumDirect+1] = 0
	}

	ip.Size = 0
	return t.meta.UpdateInode(ctx, ip)
}

// freeIndirect frees every block referenced by the index block at addr,
// then the index block itself.
func (t *Translator) freeIndirect(ctx context.Context, dev, addr uint32) error {
	bp, err := t.cache.Read(ctx, dev, addr)
	if err != nil {
		return err
	}

	for j := uint32(0); j < t.perIndirect; j++ {
		if a := ptrAt(bp, j); a != 0 {
			if err := t.alloc.Free(ctx, dev, a); err != nil {
				_ = t.cache.Release(bp)
				return err
			}
		}
	}

	if err := t.cache.Release(bp); err != nil {
		return err
	}
	return t.alloc.Free(ctx, dev, addr)
}
