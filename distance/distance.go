// Package distance provides the distance metrics used for vector comparison.
//
// All metrics are normalized to a "lower is better" score so that search
// heaps and eviction scoring can treat every metric uniformly:
//
//   - Euclidean: squared L2 distance
//   - Cosine: cosine distance (1 - cosine similarity)
//   - Dot: negated dot product
package distance

import (
	"fmt"

	"github.com/hupe1980/vcache/internal/math32"
)

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	MetricEuclidean Metric = iota
	MetricCosine
	MetricDot
)

// String returns a stable lower-case name, also used in persisted headers.
func (m Metric) String() string {
	switch m {
	case MetricEuclidean:
		return "euclidean"
	case MetricCosine:
		return "cosine"
	case MetricDot:
		return "dot"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseMetric parses a metric name as produced by String.
func ParseMetric(name string) (Metric, error) {
	switch name {
	case "euclidean":
		return MetricEuclidean, nil
	case "cosine":
		return MetricCosine, nil
	case "dot":
		return MetricDot, nil
	default:
		return 0, fmt.Errorf("distance: unsupported metric %q", name)
	}
}

// Func computes the score between two vectors of equal length.
// Lower scores indicate higher similarity. Callers are responsible for
// ensuring both slices have the same length.
type Func func(a, b []float32) float32

// Provider returns the distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricEuclidean:
		return SquaredL2, nil
	case MetricCosine:
		return CosineDistance, nil
	case MetricDot:
		return NegativeDot, nil
	default:
		return nil, fmt.Errorf("distance: unsupported metric: %v", m)
	}
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	return math32.SquaredL2(a, b)
}

// CosineDistance calculates 1 - cosine similarity.
// A zero vector on either side yields the maximum distance of 1.
func CosineDistance(a, b []float32) float32 {
	dot := math32.Dot(a, b)
	na := math32.Dot(a, a)
	nb := math32.Dot(b, b)
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math32.Sqrt(na)*math32.Sqrt(nb))
}

// NegativeDot calculates the negated dot product, so that larger inner
// products sort as smaller scores.
func NegativeDot(a, b []float32) float32 {
	return -math32.Dot(a, b)
}
