// Package partition computes shard centroid assignments with Lloyd's k-means.
//
// Rebalancing runs over an immutable snapshot of the cache's records and
// produces a fresh set of centroids plus the full record-to-shard
// reassignment. It never touches live shard state; the cache installs the
// result with an atomic swap.
package partition

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vcache/distance"
	"github.com/hupe1980/vcache/internal/math32"
	"github.com/hupe1980/vcache/model"
)

// Options tunes the k-means run.
type Options struct {
	// MaxIterations caps the number of Lloyd iterations. Defaults to 25.
	MaxIterations int

	// ConvergenceTolerance stops iteration once the maximum centroid
	// displacement (Euclidean) falls below it. Defaults to 1e-4.
	ConvergenceTolerance float32

	// Seed seeds centroid initialization (zero = time-derived).
	Seed int64

	// Parallelism bounds the worker count for the assignment step.
	// Defaults to GOMAXPROCS.
	Parallelism int
}

// DefaultOptions returns the default k-means tuning.
func DefaultOptions() Options {
	return Options{
		MaxIterations:        25,
		ConvergenceTolerance: 1e-4,
	}
}

// Result is the output of a rebalancing run.
type Result struct {
	// Centroids holds one centroid per shard, indexed by shard id.
	Centroids [][]float32

	// Assignments maps each input record (by index) to its new shard id.
	Assignments []int

	// Iterations is the number of Lloyd iterations actually run.
	Iterations int
}

// Rebuild clusters the snapshot into k shards.
//
// Centroids are initialized by sampling distinct record embeddings; when the
// snapshot holds fewer than k records the remaining centroids are random
// points spanning the observed value range. Each record is assigned to its
// nearest centroid under the given metric, ties broken by lowest shard id.
// Clusters that end an iteration empty retain their previous centroid.
func Rebuild(ctx context.Context, records []*model.Record, k, dim int, metric distance.Metric, opts Options) (*Result, error) {
	if k <= 0 {
		return nil, fmt.Errorf("partition: shard count must be positive, got %d", k)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("partition: dimension must be positive, got %d", dim)
	}

	distFunc, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 25
	}
	if opts.ConvergenceTolerance <= 0 {
		opts.ConvergenceTolerance = 1e-4
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.GOMAXPROCS(0)
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	centroids := initCentroids(rng, records, k, dim)
	assignments := make([]int, len(records))
	res := &Result{Centroids: centroids, Assignments: assignments}

	if len(records) == 0 {
		return res, nil
	}

	sums := make([]float32, k*dim)
	counts := make([]int, k)

	for iter := 0; iter < opts.MaxIterations; iter++ {
		res.Iterations = iter + 1

		if err := assignParallel(ctx, records, centroids, assignments, distFunc, opts.Parallelism); err != nil {
			return nil, err
		}

		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i, rec := range records {
			cluster := assignments[i]
			sum := sums[cluster*dim : (cluster+1)*dim]
			for d, v := range rec.Embedding {
				sum[d] += v
			}
			counts[cluster]++
		}

		var maxShift float32
		for j := 0; j < k; j++ {
			if counts[j] == 0 {
				// Empty cluster: keep its centroid where it was.
				continue
			}
			next := make([]float32, dim)
			scale := 1.0 / float32(counts[j])
			sum := sums[j*dim : (j+1)*dim]
			for d := 0; d < dim; d++ {
				next[d] = sum[d] * scale
			}
			shift := math32.Sqrt(math32.SquaredL2(centroids[j], next))
			if shift > maxShift {
				maxShift = shift
			}
			centroids[j] = next
		}

		if maxShift < opts.ConvergenceTolerance {
			break
		}
	}

	// Assignments must reflect the final centroids.
	if err := assignParallel(ctx, records, centroids, assignments, distFunc, opts.Parallelism); err != nil {
		return nil, err
	}

	return res, nil
}

// assignParallel fills assignments[i] with the nearest centroid for each
// record, fanning chunks out over a bounded worker group. Workers write to
// disjoint index ranges, so no synchronization is needed on the slice.
func assignParallel(ctx context.Context, records []*model.Record, centroids [][]float32, assignments []int, distFunc distance.Func, parallelism int) error {
	n := len(records)
	chunk := (n + parallelism - 1) / parallelism
	if chunk < 64 {
		chunk = 64
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			for i := start; i < end; i++ {
				assignments[i] = Nearest(records[i].Embedding, centroids, distFunc)
			}
			return nil
		})
	}

	return g.Wait()
}

// Nearest returns the index of the centroid closest to vec,
// ties broken by lowest index.
func Nearest(vec []float32, centroids [][]float32, distFunc distance.Func) int {
	best := 0
	bestDist := float32(math.MaxFloat32)
	for j, center := range centroids {
		if d := distFunc(vec, center); d < bestDist {
			bestDist = d
			best = j
		}
	}
	return best
}

// initCentroids seeds k centroids from distinct record embeddings. When the
// snapshot has fewer than k distinct embeddings, the rest are random points
// within the observed per-dimension value range.
func initCentroids(rng *rand.Rand, records []*model.Record, k, dim int) [][]float32 {
	centroids := make([][]float32, 0, k)
	seen := make(map[string]struct{}, k)

	for _, i := range rng.Perm(len(records)) {
		if len(centroids) == k {
			break
		}
		emb := records[i].Embedding
		key := string(float32Bytes(emb))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		c := make([]float32, dim)
		copy(c, emb)
		centroids = append(centroids, c)
	}

	if len(centroids) < k {
		lo, hi := valueRange(records, dim)
		for len(centroids) < k {
			c := make([]float32, dim)
			for d := 0; d < dim; d++ {
				c[d] = lo[d] + rng.Float32()*(hi[d]-lo[d])
			}
			centroids = append(centroids, c)
		}
	}

	return centroids
}

func valueRange(records []*model.Record, dim int) (lo, hi []float32) {
	lo = make([]float32, dim)
	hi = make([]float32, dim)
	if len(records) == 0 {
		for d := 0; d < dim; d++ {
			lo[d], hi[d] = -1, 1
		}
		return lo, hi
	}
	copy(lo, records[0].Embedding)
	copy(hi, records[0].Embedding)
	for _, rec := range records[1:] {
		for d, v := range rec.Embedding {
			if v < lo[d] {
				lo[d] = v
			}
			if v > hi[d] {
				hi[d] = v
			}
		}
	}
	return lo, hi
}

func float32Bytes(v []float32) []byte {
	out := make([]byte, 0, len(v)*4)
	for _, f := range v {
		bits := math.Float32bits(f)
		out = append(out, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	}
	return out
}
