// Package vcache implements an embedded vector similarity cache: a sharded
// store of embeddings with approximate nearest-neighbor lookup, pluggable
// eviction, probabilistic membership filters, and k-means rebalancing.
//
// Records are partitioned across shards by centroid proximity. Queries route
// to the nprobe nearest shards, scan them in parallel over a bounded worker
// pool, and merge candidates into a single top-k. Rebuild() reclusters all
// records off to the side and installs the new topology with one atomic
// swap, so reads and writes are never blocked for more than the swap itself.
package vcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hupe1980/vcache/distance"
	"github.com/hupe1980/vcache/engine"
	"github.com/hupe1980/vcache/model"
	"github.com/hupe1980/vcache/router"
	"github.com/hupe1980/vcache/shard"
)

// State is the cache's coarse lifecycle state.
type State int

const (
	// StateReady means operations run directly against the current
	// topology.
	StateReady State = iota
	// StateRebuilding means a rebuild is in flight. Operations still run
	// against the prior topology; nothing blocks on the rebuild.
	StateRebuilding
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRebuilding:
		return "rebuilding"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// topology is the cache's shared global state: one partition version, its
// centroid map, and the shard handles. It is replaced as a single unit via
// atomic pointer swap, so readers always observe a complete, internally
// consistent version.
type topology struct {
	version uint64
	pm      *model.PartitionMap
	shards  []*shard.Shard
}

// partitioned reports whether centroids have been assigned yet. Before the
// first rebuild there are none, and routing falls back to spreading by id.
func (t *topology) partitioned() bool {
	return t.pm.NumShards() > 0 && t.pm.Centroids[0] != nil
}

func (t *topology) searchers(ids []int) []engine.Searcher {
	out := make([]engine.Searcher, len(ids))
	for i, id := range ids {
		out[i] = t.shards[id]
	}
	return out
}

// BatchEntry is one record of a BatchInsert call.
type BatchEntry struct {
	Embedding []float32
	Metadata  []byte
}

// Cache is the public entry point. All methods are safe for concurrent use.
type Cache struct {
	id         string
	dim        int
	shardCount int
	opts       options

	router *router.Router
	dist   distance.Func
	engine *engine.Engine
	topo   atomic.Pointer[topology]

	nextID atomic.Uint64

	// live is the authoritative cross-shard id set. Inserts reserve their
	// id here before touching a shard, which serializes duplicate checks
	// across shards.
	liveMu sync.RWMutex
	live   *roaring64.Bitmap

	rebuildMu  sync.Mutex
	rebuilding atomic.Bool

	// preSwap, when non-nil, runs between off-line placement and the swap
	// taking the shard locks. Tests use it to race writes into the swap
	// window.
	preSwap func()

	insertsSinceRebuild atomic.Int64
	rebuildLimiter      *rate.Limiter

	counters counters
	closed   atomic.Bool

	logger    *Logger
	collector MetricsCollector
	now       func() time.Time
}

// New creates an empty cache with the given embedding dimension and shard
// count, both fixed for the cache's lifetime.
func New(dimension, shardCount int, optFns ...Option) (*Cache, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dimension)
	}
	if shardCount <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", shardCount)
	}

	opts := defaultOptions(shardCount)
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.defaultNProbe < 1 || opts.defaultNProbe > shardCount {
		opts.defaultNProbe = shardCount
	}

	rt, err := router.New(opts.metric)
	if err != nil {
		return nil, err
	}
	distFunc, err := distance.Provider(opts.metric)
	if err != nil {
		return nil, err
	}

	logger := opts.logger
	if logger == nil {
		logger = NewLogger(nil)
	}

	c := &Cache{
		id:         uuid.NewString(),
		dim:        dimension,
		shardCount: shardCount,
		opts:       opts,
		router:     rt,
		dist:       distFunc,
		live:       roaring64.New(),
		collector:  opts.metricsCollector,
		now:        opts.now,
	}
	c.logger = logger.WithCacheID(c.id)

	c.engine = engine.New(engine.Options{
		NumWorkers:   opts.numWorkers,
		ShardTimeout: opts.shardTimeout,
		Logger:       c.logger.Logger,
	})

	if opts.autoRebuildThreshold > 0 {
		limit := rate.Inf
		if opts.autoRebuildMinInterval > 0 {
			limit = rate.Every(opts.autoRebuildMinInterval)
		}
		c.rebuildLimiter = rate.NewLimiter(limit, 1)
	}

	shards, err := c.newShards(make([][]float32, shardCount))
	if err != nil {
		return nil, err
	}
	c.topo.Store(&topology{
		version: 0,
		pm:      &model.PartitionMap{Version: 0, Centroids: make([][]float32, shardCount)},
		shards:  shards,
	})

	return c, nil
}

// newShards builds one shard per centroid slot.
func (c *Cache) newShards(centroids [][]float32) ([]*shard.Shard, error) {
	shards := make([]*shard.Shard, len(centroids))
	for i := range centroids {
		s, err := shard.New(shard.Options{
			ShardID:                 i,
			Capacity:                c.opts.shardCapacity,
			Dimension:               c.dim,
			Metric:                  c.opts.metric,
			Centroid:                centroids[i],
			EvictionKind:            c.opts.evictionKind,
			TTL:                     c.opts.ttl,
			FilterFalsePositiveRate: c.opts.filterFPR,
			Now:                     c.now,
			Seed:                    c.shardSeed(i),
		})
		if err != nil {
			return nil, err
		}
		shards[i] = s
	}
	return shards, nil
}

func (c *Cache) shardSeed(shardID int) int64 {
	if c.opts.seed == 0 {
		return 0
	}
	return c.opts.seed + int64(shardID) + 1
}

// ID returns the cache instance id, assigned at construction and preserved
// across save/load.
func (c *Cache) ID() string {
	return c.id
}

// Dimension returns the fixed embedding dimension.
func (c *Cache) Dimension() int {
	return c.dim
}

// ShardCount returns the fixed shard count.
func (c *Cache) ShardCount() int {
	return c.shardCount
}

// Len returns the number of live records.
func (c *Cache) Len() int {
	c.liveMu.RLock()
	defer c.liveMu.RUnlock()
	return int(c.live.GetCardinality())
}

// State reports whether a rebuild is currently in flight. A rebuilding cache
// stays fully operational against the prior topology.
func (c *Cache) State() State {
	if c.rebuilding.Load() {
		return StateRebuilding
	}
	return StateReady
}

// PartitionVersion returns the current partition map version.
func (c *Cache) PartitionVersion() uint64 {
	return c.topo.Load().version
}

func (c *Cache) checkEmbedding(embedding []float32) error {
	if len(embedding) != c.dim {
		return &ErrInvalidDimension{Expected: c.dim, Actual: len(embedding)}
	}
	return nil
}

// Insert stores an embedding with opaque metadata and returns the assigned
// id. The target shard is the one with the nearest centroid; before the
// first rebuild, records are spread across shards by id.
func (c *Cache) Insert(ctx context.Context, embedding []float32, metadata []byte) (uint64, error) {
	start := c.now()

	id, err := c.insert(ctx, c.nextID.Add(1), embedding, metadata)

	c.collector.RecordInsert(c.now().Sub(start), err)
	c.logger.LogInsert(ctx, id, -1, err)

	return id, err
}

// InsertWithID stores an embedding under a caller-supplied id.
// Fails with ErrDuplicateID if the id is live.
func (c *Cache) InsertWithID(ctx context.Context, id uint64, embedding []float32, metadata []byte) error {
	start := c.now()

	// Advance the id sequence first so concurrent Insert calls can never
	// generate this id while the record is landing.
	for {
		cur := c.nextID.Load()
		if id <= cur || c.nextID.CompareAndSwap(cur, id) {
			break
		}
	}

	_, err := c.insert(ctx, id, embedding, metadata)

	c.collector.RecordInsert(c.now().Sub(start), err)
	c.logger.LogInsert(ctx, id, -1, err)

	return err
}

// BatchInsert stores multiple records, returning the assigned ids aligned
// with entries. Failed entries get id 0 and their errors are joined into the
// returned error; successful entries stick.
func (c *Cache) BatchInsert(ctx context.Context, entries []BatchEntry) ([]uint64, error) {
	start := c.now()

	ids := make([]uint64, len(entries))
	var errs []error
	failed := 0

	for i, entry := range entries {
		id, err := c.insert(ctx, c.nextID.Add(1), entry.Embedding, entry.Metadata)
		if err != nil {
			failed++
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		ids[i] = id
	}

	c.collector.RecordBatchInsert(len(entries), failed, c.now().Sub(start))

	return ids, errors.Join(errs...)
}

func (c *Cache) insert(ctx context.Context, id uint64, embedding []float32, metadata []byte) (uint64, error) {
	if c.closed.Load() {
		return 0, ErrCacheClosed
	}
	if err := c.checkEmbedding(embedding); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := c.now().UnixNano()
	rec := &model.Record{
		ID:             id,
		Embedding:      append([]float32(nil), embedding...),
		Metadata:       append([]byte(nil), metadata...),
		InsertedAt:     now,
		LastAccessedAt: now,
	}

	// Claim the id before touching any shard. The live set is the one
	// cross-shard id index, so reserving here makes the duplicate check
	// and the shard insert a single atomic step: two racing inserts of
	// the same id cannot both pass, even when centroid routing would send
	// them to different shards.
	c.liveMu.Lock()
	if c.live.Contains(id) {
		c.liveMu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	c.live.Add(id)
	c.liveMu.Unlock()

	for {
		topo := c.topo.Load()

		target := c.targetShard(rec, topo)
		evicted, didEvict, err := topo.shards[target].Insert(rec)
		if errors.Is(err, shard.ErrRetired) {
			// A rebuild swapped the topology mid-insert; retry on the
			// new one. The reservation stays.
			continue
		}
		if err != nil {
			c.liveMu.Lock()
			c.live.Remove(id)
			c.liveMu.Unlock()
			return 0, translateError(err)
		}

		if didEvict {
			c.liveMu.Lock()
			c.live.Remove(evicted)
			c.liveMu.Unlock()
		}

		c.counters.inserts.Add(1)
		if didEvict {
			c.counters.evictions.Add(1)
		}

		c.maybeAutoRebuild()

		return id, nil
	}
}

// targetShard picks the insert destination: nearest centroid once the cache
// is partitioned, round-robin by id before that.
func (c *Cache) targetShard(rec *model.Record, topo *topology) int {
	if !topo.partitioned() {
		return int(rec.ID % uint64(c.shardCount))
	}
	target, err := c.router.TargetShard(rec.Embedding, topo.pm)
	if err != nil {
		return int(rec.ID % uint64(c.shardCount))
	}
	return target
}

// Query returns the top k records nearest to the embedding, probing the
// default number of shards.
func (c *Cache) Query(ctx context.Context, embedding []float32, k int) ([]model.SearchResult, error) {
	return c.QueryWithNProbe(ctx, embedding, k, c.opts.defaultNProbe)
}

// QueryWithNProbe is Query with an explicit probe width. nprobe is clamped
// to [1, shard count]; larger values raise recall at the cost of scanning
// more shards.
func (c *Cache) QueryWithNProbe(ctx context.Context, embedding []float32, k, nprobe int) ([]model.SearchResult, error) {
	start := c.now()

	results, probed, failed, err := c.query(ctx, embedding, k, nprobe)

	c.collector.RecordQuery(k, c.now().Sub(start), err)
	c.logger.LogQuery(ctx, k, probed, failed, len(results), err)

	return results, err
}

func (c *Cache) query(ctx context.Context, embedding []float32, k, nprobe int) (results []model.SearchResult, probed, failed int, err error) {
	if c.closed.Load() {
		return nil, 0, 0, ErrCacheClosed
	}
	if err := c.checkEmbedding(embedding); err != nil {
		return nil, 0, 0, err
	}
	if k <= 0 {
		return nil, 0, 0, fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}
	if nprobe < 1 {
		nprobe = 1
	}
	if nprobe > c.shardCount {
		nprobe = c.shardCount
	}

	topo := c.topo.Load()

	var probeIDs []int
	if topo.partitioned() {
		probeIDs, err = c.router.SelectProbeShards(embedding, topo.pm, nprobe)
		if err != nil {
			return nil, 0, 0, err
		}
	} else {
		// No centroids yet; probe everything.
		probeIDs = make([]int, c.shardCount)
		for i := range probeIDs {
			probeIDs[i] = i
		}
	}

	res, err := c.engine.Search(ctx, topo.searchers(probeIDs), embedding, k)
	if errors.Is(err, engine.ErrAllShardsUnavailable) {
		c.counters.shardFailures.Add(int64(len(probeIDs)))
		return nil, len(probeIDs), len(probeIDs), translateError(err)
	}
	if err != nil {
		return nil, len(probeIDs), len(probeIDs), translateError(err)
	}
	if res.Failed > 0 {
		c.counters.shardFailures.Add(int64(res.Failed))
	}

	if len(res.Items) > 0 {
		c.counters.hits.Add(1)
	} else {
		c.counters.misses.Add(1)
	}

	results = make([]model.SearchResult, 0, len(res.Items))
	for _, item := range res.Items {
		sr := model.SearchResult{ID: item.ID, Score: item.Score}
		if origin, ok := res.Origin[item.ID]; ok {
			s := topo.shards[origin]
			sr.Metadata, _ = s.Metadata(item.ID)
			s.Touch(item.ID)
		}
		results = append(results, sr)
	}

	return results, res.Probed, res.Failed, nil
}

// Remove deletes a record by id. Shards whose membership filter rules the id
// out are skipped without taking their lock; a filter false positive simply
// falls through to the next shard.
func (c *Cache) Remove(ctx context.Context, id uint64) error {
	start := c.now()

	err := c.remove(ctx, id)

	c.collector.RecordRemove(c.now().Sub(start), err)
	c.logger.LogRemove(ctx, id, err)

	return err
}

func (c *Cache) remove(ctx context.Context, id uint64) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

retry:
	for {
		topo := c.topo.Load()

		for _, s := range topo.shards {
			if !s.ContainsHint(id) {
				continue
			}
			err := s.Remove(id)
			if errors.Is(err, shard.ErrNotFound) {
				// Filter false positive; keep looking.
				continue
			}
			if errors.Is(err, shard.ErrRetired) {
				continue retry
			}
			if err != nil {
				return translateError(err)
			}

			c.liveMu.Lock()
			c.live.Remove(id)
			c.liveMu.Unlock()
			c.counters.removes.Add(1)

			return nil
		}

		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
}

// Metrics returns a snapshot of the cache's counters and per-shard
// occupancy. It never blocks on in-flight writes.
func (c *Cache) Metrics() CacheMetrics {
	topo := c.topo.Load()

	m := CacheMetrics{
		Hits:             c.counters.hits.Load(),
		Misses:           c.counters.misses.Load(),
		Evictions:        c.counters.evictions.Load(),
		Inserts:          c.counters.inserts.Load(),
		Removes:          c.counters.removes.Load(),
		Rebuilds:         c.counters.rebuilds.Load(),
		ShardFailures:    c.counters.shardFailures.Load(),
		PartitionVersion: topo.version,
		ShardOccupancy:   make([]int, len(topo.shards)),
		ShardCapacity:    c.opts.shardCapacity,
		ShardFilterAdds:  make([]uint64, len(topo.shards)),
		ShardFilterFPR:   make([]float64, len(topo.shards)),
	}
	for i, s := range topo.shards {
		n := s.Len()
		m.ShardOccupancy[i] = n
		m.TotalCount += n
		m.ShardFilterAdds[i], m.ShardFilterFPR[i] = s.FilterStats()
	}

	return m
}

func (c *Cache) maybeAutoRebuild() {
	if c.opts.autoRebuildThreshold <= 0 {
		return
	}
	if c.insertsSinceRebuild.Add(1) < int64(c.opts.autoRebuildThreshold) {
		return
	}
	if c.rebuilding.Load() || !c.rebuildLimiter.Allow() {
		return
	}

	go func() {
		if _, err := c.Rebuild(context.Background()); err != nil {
			c.logger.Warn("auto rebuild failed", "error", err)
		}
	}()
}

// Close shuts the cache down. Idempotent; operations after Close fail with
// ErrCacheClosed.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.engine.Close()
	return nil
}
