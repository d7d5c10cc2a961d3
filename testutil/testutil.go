// Package testutil provides helpers for tests and benchmarks: seeded vector
// generation and exact (brute-force) top-k as ground truth.
package testutil

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hupe1980/vcache/distance"
	"github.com/hupe1980/vcache/internal/math32"
)

// SearchResult pairs an id with its distance for ground-truth comparisons.
type SearchResult struct {
	ID       uint64
	Distance float32
}

// RNG is a seeded, thread-safe random number generator.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float32 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// FillUniform fills dst with random values in range [0, 1).
// Locks only once per call (preferred over calling Float32 in a loop).
func (r *RNG) FillUniform(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.rand.Float32()
	}
}

// UniformVectors generates random vectors with values in range [0, 1).
// Uses a single backing array for efficiency.
func (r *RNG) UniformVectors(num, dimensions int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dimensions)
	vectors := make([][]float32, num)

	for i := range num {
		vec := data[i*dimensions : (i+1)*dimensions]
		for j := range vec {
			vec[j] = r.rand.Float32()
		}
		vectors[i] = vec
	}

	return vectors
}

// UnitVector generates a single L2-normalized random vector.
func (r *RNG) UnitVector(dimensions int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unitVectorLocked(dimensions)
}

func (r *RNG) unitVectorLocked(dimensions int) []float32 {
	vec := make([]float32, dimensions)
	var norm float64
	for j := range vec {
		v := r.rand.NormFloat64()
		vec[j] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		norm = 1
	}
	math32.ScaleInPlace(vec, float32(1.0/math.Sqrt(norm)))
	return vec
}

// ClusteredVectors generates vectors grouped around `clusters` random unit
// centroids with Gaussian noise of the given spread. Rebalancing tests need
// data with actual cluster structure.
func (r *RNG) ClusteredVectors(num, dim, clusters int, spread float32) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	centroids := make([][]float32, clusters)
	for i := range centroids {
		centroids[i] = r.unitVectorLocked(dim)
	}

	data := make([]float32, num*dim)
	vectors := make([][]float32, num)

	for i := range num {
		centroid := centroids[i%clusters]
		vec := data[i*dim : (i+1)*dim]
		for j := range dim {
			vec[j] = centroid[j] + float32(r.rand.NormFloat64())*spread
		}
		vectors[i] = vec
	}

	return vectors
}

// ExactTopK computes the exact k nearest dataset entries to query by linear
// scan, sorted ascending by distance with ties broken by lower id. Dataset
// index doubles as the id.
func ExactTopK(query []float32, dataset [][]float32, k int, distFunc distance.Func) []SearchResult {
	results := make([]SearchResult, 0, len(dataset))
	for i, vec := range dataset {
		results = append(results, SearchResult{
			ID:       uint64(i),
			Distance: distFunc(query, vec),
		})
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].Distance != results[b].Distance {
			return results[a].Distance < results[b].Distance
		}
		return results[a].ID < results[b].ID
	})

	if k < len(results) {
		results = results[:k]
	}
	return results
}

// ComputeRecall returns the fraction of exact results present in the
// approximate result set.
func ComputeRecall(approx, exact []SearchResult) float64 {
	if len(exact) == 0 {
		return 1
	}

	found := 0
	approxIDs := make(map[uint64]struct{}, len(approx))
	for _, r := range approx {
		approxIDs[r.ID] = struct{}{}
	}
	for _, r := range exact {
		if _, ok := approxIDs[r.ID]; ok {
			found++
		}
	}

	return float64(found) / float64(len(exact))
}
