// Package inode implements the multi-level block-address translation that
// maps a logical block index within a file to a physical block number.
//
// An inode's address table holds NumDirect direct pointers, one pointer to
// a single-indirect index block, and one pointer to a double-indirect index
// block. Index blocks are ordinary cached blocks holding little-endian
// uint32 pointer arrays; zero means unallocated. Resolve allocates pointers
// lazily on first access, Truncate walks the same structure and frees every
// reachable block.
//
// The block allocator, the write-ahead log, and inode metadata persistence
// are consumed through the Allocator, LogWriter, and MetadataStore
// interfaces; this package implements none of them.
package inode
