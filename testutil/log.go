package testutil

import (
	"sync"

	"github.com/hupe1980/blockfs/cache"
)

// LogRecorder records write-ahead log hook invocations for assertions.
type LogRecorder struct {
	mu      sync.Mutex
	records []uint32
}

// NewLogRecorder creates an empty recorder.
func NewLogRecorder() *LogRecorder {
	return &LogRecorder{}
}

// Record captures the block number of the logged buffer.
func (r *LogRecorder) Record(b *cache.Buf) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, b.Blockno)
}

// Records returns the block numbers logged so far, in order.
func (r *LogRecorder) Records() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, len(r.records))
	copy(out, r.records)
	return out
}

// Len returns the number of log writes recorded.
func (r *LogRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
