package blockfs

import (
	"github.com/hupe1980/blockfs/inode"
)

type options struct {
	numShards        int
	bufsPerShard     int
	logger           *Logger
	metricsCollector MetricsCollector
	logWriter        inode.LogWriter
	metadataStore    inode.MetadataStore
}

// Option configures Store constructor behavior.
type Option func(*options)

// WithNumShards configures the number of cache shards. Each shard has its
// own lock, so more shards mean less contention at the cost of a coarser
// block-number partition. Defaults to cache.DefaultNumShards.
func WithNumShards(numShards int) Option {
	return func(o *options) {
		o.numShards = numShards
	}
}

// WithBufsPerShard configures the buffer pool size per shard. The total
// cache capacity is NumShards × BufsPerShard blocks.
// Defaults to cache.DefaultBufsPerShard.
func WithBufsPerShard(bufsPerShard int) Option {
	return func(o *options) {
		o.bufsPerShard = bufsPerShard
	}
}

// WithLogger configures the logger. Defaults to NoopLogger.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithMetricsCollector configures the metrics collector.
// Defaults to NoopMetricsCollector.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogWriter configures the write-ahead log hook handed freshly
// populated index blocks. Defaults to a no-op.
func WithLogWriter(lw inode.LogWriter) Option {
	return func(o *options) {
		o.logWriter = lw
	}
}

// WithMetadataStore configures inode metadata persistence used by Truncate.
// Defaults to a no-op.
func WithMetadataStore(ms inode.MetadataStore) Option {
	return func(o *options) {
		o.metadataStore = ms
	}
}
