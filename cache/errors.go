package cache

import "errors"

var (
	// ErrCacheExhausted is returned when no evictable buffer exists anywhere
	// in the cache. Every buffer is checked out or pinned; the caller holds
	// too many buffers at once for the configured capacity.
	ErrCacheExhausted = errors.New("cache exhausted: no free buffers")

	// ErrEvictionContention is returned when victim selection repeatedly
	// lost the claim race and the retry cap was hit.
	ErrEvictionContention = errors.New("eviction retry limit exceeded")

	// ErrNotLocked is returned when Write or Release is called on a buffer
	// whose checkout lock the caller does not hold.
	ErrNotLocked = errors.New("buffer is not checked out")

	// ErrRefcountUnderflow is returned when a release or unpin would drop a
	// buffer's reference count below zero.
	ErrRefcountUnderflow = errors.New("buffer refcount underflow")

	// ErrBufferEvicting is returned when an operation observes a buffer in
	// the middle of eviction. This indicates a caller bug: a buffer under
	// eviction has no active checkouts.
	ErrBufferEvicting = errors.New("buffer is being evicted")

	// ErrUnknownDevice is returned for a device id that was not registered
	// at construction.
	ErrUnknownDevice = errors.New("unknown device id")
)
