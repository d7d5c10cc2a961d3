// Package router ranks shards by centroid distance for query and insert
// placement.
//
// Routing is a pure function of the query vector and one partition map
// version: it never mutates state, so it can safely run against a stale map
// while a rebuild is in flight.
package router

import (
	"fmt"
	"sort"

	"github.com/hupe1980/vcache/distance"
	"github.com/hupe1980/vcache/model"
)

// Router selects shards for a fixed distance metric.
type Router struct {
	dist distance.Func
}

// New creates a router for the given metric.
func New(metric distance.Metric) (*Router, error) {
	distFunc, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}
	return &Router{dist: distFunc}, nil
}

// SelectProbeShards returns up to nprobe shard ids ordered by ascending
// centroid distance to the query. Ties are broken by lower shard id, which
// sort.SliceStable preserves from the initial ordering.
func (r *Router) SelectProbeShards(query []float32, pm *model.PartitionMap, nprobe int) ([]int, error) {
	n := pm.NumShards()
	if n == 0 {
		return nil, fmt.Errorf("router: partition map has no shards")
	}
	if nprobe < 1 {
		return nil, fmt.Errorf("router: nprobe must be at least 1, got %d", nprobe)
	}
	if nprobe > n {
		nprobe = n
	}

	type ranked struct {
		shardID int
		dist    float32
	}

	ranks := make([]ranked, n)
	for i := 0; i < n; i++ {
		ranks[i] = ranked{shardID: i, dist: r.dist(query, pm.Centroids[i])}
	}

	sort.SliceStable(ranks, func(a, b int) bool {
		return ranks[a].dist < ranks[b].dist
	})

	out := make([]int, nprobe)
	for i := range out {
		out[i] = ranks[i].shardID
	}
	return out, nil
}

// TargetShard returns the single shard whose centroid is nearest to the
// embedding; inserts route through it.
func (r *Router) TargetShard(embedding []float32, pm *model.PartitionMap) (int, error) {
	ids, err := r.SelectProbeShards(embedding, pm, 1)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}
