// Package engine fans queries out to probed shards over a bounded worker
// pool and merges the per-shard candidates into one ranked top-k.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/hupe1980/vcache/queue"
)

// Searcher is the per-shard search surface the engine fans out to.
type Searcher interface {
	ID() int
	LocalSearch(ctx context.Context, query []float32, k int) ([]queue.Item, error)
}

// Options configures the search engine.
type Options struct {
	// NumWorkers bounds the worker pool. Scans are CPU-bound, so the
	// GOMAXPROCS default is usually right; matching the shard count keeps
	// a full-width probe from queuing behind itself. Defaults to
	// GOMAXPROCS when non-positive.
	NumWorkers int

	// ShardTimeout bounds each per-shard scan. Shards that miss the
	// deadline are excluded from the merge. Zero disables the deadline.
	ShardTimeout time.Duration

	// Logger receives per-shard failure logs. Defaults to slog.Default.
	Logger *slog.Logger
}

// Result is the merged outcome of one fan-out.
type Result struct {
	// Items holds the final top-k in ascending (best-first) score order.
	Items []queue.Item

	// Probed is the number of shards the query was dispatched to.
	Probed int

	// Failed is the number of probed shards that timed out or errored
	// and were excluded from the merge.
	Failed int

	// Origin maps each candidate id that reached the merge to the shard
	// that produced it. Hits use it to update per-shard access state.
	Origin map[uint64]int
}

// Engine dispatches shard-local scans and merges their candidates.
type Engine struct {
	pool         *WorkerPool
	shardTimeout time.Duration
	logger       *slog.Logger
}

// New creates a search engine with its own worker pool.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		pool:         NewWorkerPool(opts.NumWorkers),
		shardTimeout: opts.ShardTimeout,
		logger:       logger,
	}
}

type shardOutcome struct {
	shardID int
	items   []queue.Item
	err     error
}

// Search runs the query against every given shard in parallel and merges the
// candidates into the top k.
//
// Shards that fail or time out are dropped from the merge; the query only
// fails with ErrAllShardsUnavailable when no shard produced candidates. A
// cancelled context aborts the wait and discards in-flight shard results.
func (e *Engine) Search(ctx context.Context, shards []Searcher, query []float32, k int) (*Result, error) {
	res := &Result{Probed: len(shards)}
	if len(shards) == 0 {
		return nil, ErrAllShardsUnavailable
	}

	outcomes := make(chan shardOutcome, len(shards))

	dispatched := 0
	for _, s := range shards {
		task := func() {
			scanCtx := ctx
			var cancel context.CancelFunc
			if e.shardTimeout > 0 {
				scanCtx, cancel = context.WithTimeout(ctx, e.shardTimeout)
				defer cancel()
			}
			items, err := s.LocalSearch(scanCtx, query, k)
			outcomes <- shardOutcome{shardID: s.ID(), items: items, err: err}
		}
		if err := e.pool.Submit(ctx, task); err != nil {
			if err == ErrEngineClosed {
				return nil, err
			}
			return nil, err
		}
		dispatched++
	}

	// The merge heap applies the same replace-if-better discipline as the
	// shard-local scan: across shards ties go to the lower id.
	top := queue.NewMax(k)
	res.Origin = make(map[uint64]int)

	for received := 0; received < dispatched; received++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case out := <-outcomes:
			if out.err != nil {
				res.Failed++
				e.logger.Debug("shard excluded from merge",
					slog.Int("shard_id", out.shardID),
					slog.String("error", out.err.Error()),
				)
				continue
			}
			for _, item := range out.items {
				top.PushBounded(item, k)
				res.Origin[item.ID] = out.shardID
			}
		}
	}

	if res.Failed == res.Probed {
		return nil, ErrAllShardsUnavailable
	}

	res.Items = top.Drain()
	return res, nil
}

// Close shuts the engine's worker pool down.
func (e *Engine) Close() {
	e.pool.Close()
}
