// Package testutil provides testing fakes for blockfs.
//
// This package is intended for use in tests and benchmarks only. It
// provides an in-memory block allocator with double-free detection and a
// recorder for the write-ahead log hook, so tests can assert allocator
// call counts and log-write sequences.
package testutil
