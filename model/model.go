// Package model defines core types shared across vcache packages.
//
// # Identity Types
//
//   - ID: Globally unique record identifier (uint64), assigned at insert and
//     never reused while the record is live
//   - ShardID: Index of a shard within the cache topology (int)
//
// # Data Types
//
//   - Record: Embedding with opaque metadata and access bookkeeping
//   - PartitionMap: Immutable, versioned shard-to-centroid assignment
//   - SearchResult: Query match with id, score, and metadata
package model

import "fmt"

// ID is the user-facing stable identifier of a record.
type ID = uint64

// Record represents a cached vector and its bookkeeping state.
//
// Embedding and Metadata are immutable after insert; the access fields are
// mutated only by the owning shard under its lock.
type Record struct {
	// ID is the unique identifier, assigned at insert.
	ID ID

	// Embedding is the fixed-dimension vector. Never mutated after insert.
	Embedding []float32

	// Metadata is an opaque payload associated with the vector.
	// The cache stores and returns it verbatim.
	Metadata []byte

	// InsertedAt is the insert timestamp in Unix nanoseconds.
	InsertedAt int64

	// LastAccessedAt is the timestamp of the most recent query hit or
	// explicit access, in Unix nanoseconds.
	LastAccessedAt int64

	// AccessCount is the number of times the record was returned by a query.
	AccessCount uint64
}

// Clone returns a deep copy of the record.
// Rebuild snapshots clone records so k-means never aliases live shard state.
func (r *Record) Clone() *Record {
	emb := make([]float32, len(r.Embedding))
	copy(emb, r.Embedding)

	var meta []byte
	if r.Metadata != nil {
		meta = make([]byte, len(r.Metadata))
		copy(meta, r.Metadata)
	}

	return &Record{
		ID:             r.ID,
		Embedding:      emb,
		Metadata:       meta,
		InsertedAt:     r.InsertedAt,
		LastAccessedAt: r.LastAccessedAt,
		AccessCount:    r.AccessCount,
	}
}

// PartitionMap is an immutable snapshot of the shard-to-centroid assignment.
//
// Readers always observe one consistent version; a rebuild produces a new
// PartitionMap with Version incremented and swaps it in atomically.
type PartitionMap struct {
	// Version increases monotonically with every completed rebuild.
	Version uint64

	// Centroids holds one centroid per shard, indexed by shard id.
	// All centroids have the cache's configured dimension.
	Centroids [][]float32
}

// NumShards returns the number of shards in the map.
func (pm *PartitionMap) NumShards() int {
	return len(pm.Centroids)
}

// Centroid returns the centroid for the given shard id.
func (pm *PartitionMap) Centroid(shardID int) ([]float32, error) {
	if shardID < 0 || shardID >= len(pm.Centroids) {
		return nil, fmt.Errorf("model: shard id %d out of range [0,%d)", shardID, len(pm.Centroids))
	}
	return pm.Centroids[shardID], nil
}

// Clone returns a deep copy of the partition map.
func (pm *PartitionMap) Clone() *PartitionMap {
	centroids := make([][]float32, len(pm.Centroids))
	for i, c := range pm.Centroids {
		centroids[i] = make([]float32, len(c))
		copy(centroids[i], c)
	}
	return &PartitionMap{Version: pm.Version, Centroids: centroids}
}

// SearchResult represents a single query match.
type SearchResult struct {
	// ID is the identifier of the matched record.
	ID ID

	// Score is the metric-dependent distance between the query and the
	// matched embedding. Lower is better for all supported metrics.
	Score float32

	// Metadata is the opaque payload stored with the record.
	Metadata []byte
}
