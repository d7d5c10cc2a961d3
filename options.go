package vcache

import (
	"time"

	"github.com/hupe1980/vcache/codec"
	"github.com/hupe1980/vcache/distance"
	"github.com/hupe1980/vcache/eviction"
	"github.com/hupe1980/vcache/partition"
	"github.com/hupe1980/vcache/persistence"
)

type options struct {
	metric                 distance.Metric
	evictionKind           eviction.Kind
	ttl                    time.Duration
	filterFPR              float64
	defaultNProbe          int
	shardCapacity          int
	numWorkers             int
	shardTimeout           time.Duration
	kmeans                 partition.Options
	seed                   int64
	codec                  codec.Codec
	compression            persistence.Compression
	logger                 *Logger
	metricsCollector       MetricsCollector
	autoRebuildThreshold   int
	autoRebuildMinInterval time.Duration
	now                    func() time.Time
}

func defaultOptions(shardCount int) options {
	return options{
		metric:           distance.MetricEuclidean,
		evictionKind:     eviction.KindLRU,
		filterFPR:        0.01,
		defaultNProbe:    shardCount,
		shardCapacity:    1024,
		kmeans:           partition.DefaultOptions(),
		codec:            codec.Default,
		compression:      persistence.CompressionZstd,
		metricsCollector: NoopMetricsCollector{},
		now:              time.Now,
	}
}

// Option configures cache construction and load behavior.
type Option func(*options)

// WithDistanceMetric selects the distance metric used for routing, local
// search, and rebalancing. Fixed for the cache's lifetime.
func WithDistanceMetric(m distance.Metric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithEvictionPolicy selects the per-shard victim-selection policy.
// eviction.KindNone makes inserts into a full shard fail instead.
func WithEvictionPolicy(kind eviction.Kind) Option {
	return func(o *options) {
		o.evictionKind = kind
	}
}

// WithTTL sets the record lifetime for the TTL eviction policy.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithShardCapacity sets the maximum record count per shard.
func WithShardCapacity(capacity int) Option {
	return func(o *options) {
		o.shardCapacity = capacity
	}
}

// WithFilterFalsePositiveRate sizes each shard's membership filter.
// Lower rates cost more bits per record. Defaults to 1%.
func WithFilterFalsePositiveRate(rate float64) Option {
	return func(o *options) {
		o.filterFPR = rate
	}
}

// WithDefaultNProbe sets how many shards a query probes when the caller does
// not say. Probing fewer shards trades recall for latency. Defaults to the
// shard count (exhaustive).
func WithDefaultNProbe(nprobe int) Option {
	return func(o *options) {
		o.defaultNProbe = nprobe
	}
}

// WithNumWorkers bounds the search worker pool. Defaults to GOMAXPROCS.
func WithNumWorkers(n int) Option {
	return func(o *options) {
		o.numWorkers = n
	}
}

// WithShardTimeout bounds each per-shard scan during a query. Shards that
// miss the deadline are excluded from the merge as partial results.
// Zero disables the deadline.
func WithShardTimeout(d time.Duration) Option {
	return func(o *options) {
		o.shardTimeout = d
	}
}

// WithKMeansOptions tunes the rebalancing run (iteration cap, convergence
// tolerance, assignment parallelism).
func WithKMeansOptions(opts partition.Options) Option {
	return func(o *options) {
		o.kmeans = opts
	}
}

// WithSeed makes centroid initialization and random eviction deterministic.
// Zero derives a seed from the clock.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// WithCodec configures the codec used for snapshot record sections.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithCompression selects the block compression for snapshot record
// sections. Defaults to zstd.
func WithCompression(c persistence.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithLogger configures structured logging. Pass nil to keep the default
// text logger.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithAutoRebuild triggers a background rebuild once `threshold` inserts have
// accumulated since the last rebuild, rate-limited to at most one rebuild per
// minInterval. Zero threshold disables auto-rebuild.
func WithAutoRebuild(threshold int, minInterval time.Duration) Option {
	return func(o *options) {
		o.autoRebuildThreshold = threshold
		o.autoRebuildMinInterval = minInterval
	}
}

// WithClock overrides the time source. Tests use it to drive TTL eviction
// and recency scoring deterministically.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
