// Package blockfs is an embeddable disk block cache with sharded locking,
// cross-shard LRU eviction, and a multi-level block-address translation
// layer, over pluggable block devices.
//
// The Store facade wires the pieces together:
//
//	dev, _ := device.OpenFile("disk.img", func(o *device.FileOptions) {
//		o.NumBlocks = 1 << 16
//	})
//
//	store, _ := blockfs.New(map[uint32]device.Device{1: dev}, alloc)
//	defer store.Close()
//
//	b, _ := store.ReadBlock(ctx, 1, 42)
//	copy(b.Data, payload)
//	_ = store.WriteBlock(ctx, b)
//	_ = store.Release(b)
//
// The cache and inode packages are usable on their own; the device package
// provides file, memory, mmap, and object-storage backed devices.
package blockfs
