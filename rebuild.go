package vcache

import (
	"context"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/vcache/model"
	"github.com/hupe1980/vcache/partition"
	"github.com/hupe1980/vcache/shard"
)

// Rebuild reclusters all records with k-means and installs the resulting
// topology, returning the new partition version.
//
// The heavy work runs against an immutable snapshot while reads and writes
// proceed on the old topology. Only the final swap takes every old shard's
// lock (in ascending id order); writes that raced past the snapshot are
// reconciled into the new shards during that step, so no record is lost or
// resurrected. Concurrent Rebuild calls serialize.
func (c *Cache) Rebuild(ctx context.Context) (uint64, error) {
	start := c.now()

	version, err := c.rebuild(ctx)

	c.collector.RecordRebuild(c.now().Sub(start), err)

	return version, err
}

func (c *Cache) rebuild(ctx context.Context) (uint64, error) {
	if c.closed.Load() {
		return 0, ErrCacheClosed
	}

	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()

	c.rebuilding.Store(true)
	defer c.rebuilding.Store(false)

	old := c.topo.Load()

	// Snapshot every shard. Each Snapshot takes only that shard's read
	// lock, so writes keep flowing; the diff against this id set at swap
	// time catches everything that changes in between. InsertedAt per id
	// distinguishes a snapshotted record from a same-id re-insert.
	snapIDs := roaring64.New()
	snapInsertedAt := make(map[uint64]int64)
	var records []*model.Record
	for _, s := range old.shards {
		for _, rec := range s.Snapshot() {
			records = append(records, rec)
			snapIDs.Add(rec.ID)
			snapInsertedAt[rec.ID] = rec.InsertedAt
		}
	}

	kmOpts := c.opts.kmeans
	if kmOpts.Seed == 0 {
		kmOpts.Seed = c.opts.seed
	}
	res, err := partition.Rebuild(ctx, records, c.shardCount, c.dim, c.opts.metric, kmOpts)
	if err != nil {
		c.logger.LogRebuild(ctx, 0, len(records), 0, err)
		return 0, err
	}

	newShards, err := c.newShards(res.Centroids)
	if err != nil {
		return 0, err
	}

	// Place the snapshot into the new shards. Rebuild placement never
	// evicts: a cluster larger than one shard's capacity spills its
	// overflow to the next-nearest centroid with room. Total capacity is
	// at least the live count (inserts enforce per-shard capacity), so
	// placement always terminates.
	for i, rec := range records {
		if err := c.place(rec, res.Assignments[i], res.Centroids, newShards); err != nil {
			return 0, err
		}
	}

	newPM := &model.PartitionMap{Version: old.version + 1, Centroids: res.Centroids}

	if c.preSwap != nil {
		c.preSwap()
	}

	// Swap: freeze all old shards in ascending id order, fold in the
	// writes that landed after the snapshot, and publish the new topology.
	for _, s := range old.shards {
		s.Lock()
	}

	currentIDs := roaring64.New()
	for _, s := range old.shards {
		for _, rec := range s.SnapshotLocked() {
			currentIDs.Add(rec.ID)
			if !snapIDs.Contains(rec.ID) {
				// Inserted after the snapshot.
				target := partition.Nearest(rec.Embedding, res.Centroids, c.dist)
				if err := c.place(rec, target, res.Centroids, newShards); err != nil {
					c.unlockAll(old.shards)
					return 0, err
				}
			} else if rec.InsertedAt != snapInsertedAt[rec.ID] {
				// Removed and re-inserted under the same id after the
				// snapshot: drop the stale placed copy and keep the
				// live record.
				for _, ns := range newShards {
					if ns.Remove(rec.ID) == nil {
						break
					}
				}
				target := partition.Nearest(rec.Embedding, res.Centroids, c.dist)
				if err := c.place(rec, target, res.Centroids, newShards); err != nil {
					c.unlockAll(old.shards)
					return 0, err
				}
			}
		}
		s.MarkRetiredLocked()
	}

	// Removed after the snapshot: drop from the new shards.
	snapIDs.AndNot(currentIDs)
	it := snapIDs.Iterator()
	for it.HasNext() {
		id := it.Next()
		for _, s := range newShards {
			if s.Remove(id) == nil {
				break
			}
		}
	}

	c.topo.Store(&topology{
		version: newPM.Version,
		pm:      newPM,
		shards:  newShards,
	})

	c.unlockAll(old.shards)

	c.insertsSinceRebuild.Store(0)
	c.counters.rebuilds.Add(1)
	c.logger.LogRebuild(ctx, newPM.Version, len(records), res.Iterations, nil)

	return newPM.Version, nil
}

func (c *Cache) unlockAll(shards []*shard.Shard) {
	for _, s := range shards {
		s.Unlock()
	}
}

// place puts a record into its assigned new shard, spilling to the
// next-nearest centroid when the assignment is full.
func (c *Cache) place(rec *model.Record, target int, centroids [][]float32, shards []*shard.Shard) error {
	err := shards[target].Place(rec)
	if err == nil {
		return nil
	}

	type ranked struct {
		shardID int
		dist    float32
	}
	ranks := make([]ranked, 0, len(shards)-1)
	for i := range shards {
		if i == target {
			continue
		}
		ranks = append(ranks, ranked{shardID: i, dist: c.dist(rec.Embedding, centroids[i])})
	}
	sort.SliceStable(ranks, func(a, b int) bool {
		return ranks[a].dist < ranks[b].dist
	})

	for _, r := range ranks {
		if err := shards[r.shardID].Place(rec); err == nil {
			return nil
		}
	}

	return fmt.Errorf("rebuild: no shard has room for record %d", rec.ID)
}
