// Package cache implements a fixed-capacity, sharded block cache with
// cross-shard LRU eviction.
//
// The cache holds a fixed pool of buffers partitioned into shards by block
// number. Each shard keeps its buffers on a doubly linked recency list and
// is guarded by its own mutex. A buffer checked out through Read is
// protected by a per-buffer sleep lock until Release; the caller owns the
// payload in between.
//
// When a shard is full, a buffer is stolen from another shard: a global
// eviction mutex serializes the cross-shard victim search, the victim is
// claimed under its own shard's lock, then migrated list-to-list without
// ever holding two shard locks at once.
package cache
