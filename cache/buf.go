package cache

import "sync/atomic"

// bufState is the lifecycle state of a buffer, guarded by the owning
// shard's lock.
type bufState uint8

const (
	// stateFree: no active checkouts or pins; the buffer is evictable.
	stateFree bufState = iota
	// stateInUse: at least one active checkout or pin.
	stateInUse
	// stateEvicting: claimed by an eviction in progress. Skipped by lookups
	// and never selected as a victim again until relinked.
	stateEvicting
)

// Buf is one cache buffer holding the content of a single disk block.
//
// Data is valid only between Read and Release, while the caller holds the
// checkout lock. The remaining fields are cache bookkeeping guarded by the
// owning shard's lock.
type Buf struct {
	Dev     uint32
	Blockno uint32

	// Data is the block payload. Callers may read and mutate it while the
	// buffer is checked out, and must not touch it after Release.
	Data []byte

	// valid reports whether Data holds the on-disk content. Reset on every
	// identity change; read and written under the checkout lock.
	valid bool

	// cached reports whether the last Read was served without a device
	// transfer. Written under the checkout lock.
	cached bool

	lock sleepLock

	// Guarded by the owning shard's lock.
	refs  int
	state bufState
	tick  uint64
	prev  *Buf
	next  *Buf

	// shard is the index of the shard whose list currently holds the
	// buffer. Written under that shard's lock; read before locking to find
	// the lock to take, then re-verified.
	shard atomic.Int32
}

// Cached reports whether the last Read of this buffer was a cache hit.
// Only meaningful while the caller holds the checkout lock.
func (b *Buf) Cached() bool { return b.cached }
