package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSquaredL2(t *testing.T) {
	assert.Equal(t, float32(0), SquaredL2([]float32{1, 2, 3}, []float32{1, 2, 3}))
	assert.Equal(t, float32(8), SquaredL2([]float32{1, 2}, []float32{3, 4}))
	assert.Equal(t, float32(27), SquaredL2([]float32{0, 0, 0}, []float32{3, 3, 3}))
}

func TestCosineDistance(t *testing.T) {
	t.Run("Identical", func(t *testing.T) {
		d := CosineDistance([]float32{1, 2, 3}, []float32{1, 2, 3})
		assert.InDelta(t, 0, d, 1e-6)
	})

	t.Run("Orthogonal", func(t *testing.T) {
		d := CosineDistance([]float32{1, 0}, []float32{0, 1})
		assert.InDelta(t, 1, d, 1e-6)
	})

	t.Run("Opposite", func(t *testing.T) {
		d := CosineDistance([]float32{1, 0}, []float32{-1, 0})
		assert.InDelta(t, 2, d, 1e-6)
	})

	t.Run("ScaleInvariant", func(t *testing.T) {
		a := CosineDistance([]float32{1, 2, 3}, []float32{2, 1, 0})
		b := CosineDistance([]float32{10, 20, 30}, []float32{2, 1, 0})
		assert.InDelta(t, a, b, 1e-6)
	})

	t.Run("ZeroVector", func(t *testing.T) {
		assert.Equal(t, float32(1), CosineDistance([]float32{0, 0}, []float32{1, 1}))
	})
}

func TestNegativeDot(t *testing.T) {
	assert.Equal(t, float32(-11), NegativeDot([]float32{1, 2}, []float32{3, 4}))

	// Higher similarity must mean lower score.
	close := NegativeDot([]float32{1, 1}, []float32{1, 1})
	far := NegativeDot([]float32{1, 1}, []float32{-1, -1})
	assert.Less(t, close, far)
}

func TestProvider(t *testing.T) {
	for _, m := range []Metric{MetricEuclidean, MetricCosine, MetricDot} {
		fn, err := Provider(m)
		require.NoError(t, err)
		require.NotNil(t, fn)
	}

	_, err := Provider(Metric(99))
	assert.Error(t, err)
}

func TestParseMetric(t *testing.T) {
	for _, m := range []Metric{MetricEuclidean, MetricCosine, MetricDot} {
		parsed, err := ParseMetric(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}

	_, err := ParseMetric("hamming")
	assert.Error(t, err)
}
