// Package device abstracts the raw block storage underneath the cache.
//
// A Device is a fixed geometry of equally sized blocks addressed by block
// number. Implementations included here:
//
//	FileDevice  – a local file, with bounded concurrent I/O and optional
//	              throughput throttling
//	MemDevice   – an in-memory device for tests and ephemeral use
//	MmapDevice  – a memory-mapped local file (unix only)
//	FaultyDevice – an error-injecting wrapper for tests
//
// Remote devices backed by object storage live in the minio and s3
// subpackages. Snapshot (Dump/Restore) support with optional compression
// is in snapshot.go.
package device
