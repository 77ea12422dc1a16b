package blockfs

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordRead is called after each block read. hit reports whether the
	// block was served from the cache without a device transfer.
	RecordRead(duration time.Duration, hit bool, err error)

	// RecordWrite is called after each write-through.
	RecordWrite(duration time.Duration, err error)

	// RecordResolve is called after each block-address resolution.
	RecordResolve(duration time.Duration, err error)

	// RecordTruncate is called after each inode truncation.
	RecordTruncate(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordRead(time.Duration, bool, error) {}
func (NoopMetricsCollector) RecordWrite(time.Duration, error)      {}
func (NoopMetricsCollector) RecordResolve(time.Duration, error)    {}
func (NoopMetricsCollector) RecordTruncate(time.Duration, error)   {}

// AtomicMetricsCollector is a lightweight MetricsCollector backed by atomic
// counters, suitable when full histogram support is not required.
type AtomicMetricsCollector struct {
	Reads     atomic.Int64
	Hits      atomic.Int64
	Writes    atomic.Int64
	Resolves  atomic.Int64
	Truncates atomic.Int64
	Errors    atomic.Int64
}

func (c *AtomicMetricsCollector) RecordRead(_ time.Duration, hit bool, err error) {
	c.Reads.Add(1)
	if hit {
		c.Hits.Add(1)
	}
	if err != nil {
		c.Errors.Add(1)
	}
}

func (c *AtomicMetricsCollector) RecordWrite(_ time.Duration, err error) {
	c.Writes.Add(1)
	if err != nil {
		c.Errors.Add(1)
	}
}

func (c *AtomicMetricsCollector) RecordResolve(_ time.Duration, err error) {
	c.Resolves.Add(1)
	if err != nil {
		c.Errors.Add(1)
	}
}

func (c *AtomicMetricsCollector) RecordTruncate(_ time.Duration, err error) {
	c.Truncates.Add(1)
	if err != nil {
		c.Errors.Add(1)
	}
}
