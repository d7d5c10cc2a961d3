package queue

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBetter(t *testing.T) {
	assert.True(t, Better(Item{ID: 1, Score: 1}, Item{ID: 2, Score: 2}))
	assert.False(t, Better(Item{ID: 1, Score: 2}, Item{ID: 2, Score: 1}))

	// Equal scores break ties by lower id.
	assert.True(t, Better(Item{ID: 1, Score: 1}, Item{ID: 2, Score: 1}))
	assert.False(t, Better(Item{ID: 2, Score: 1}, Item{ID: 1, Score: 1}))
}

func TestPriorityQueue(t *testing.T) {
	t.Run("MinOrder", func(t *testing.T) {
		pq := NewMin(4)
		pq.PushItem(Item{ID: 1, Score: 3})
		pq.PushItem(Item{ID: 2, Score: 1})
		pq.PushItem(Item{ID: 3, Score: 2})

		top, ok := pq.TopItem()
		require.True(t, ok)
		assert.Equal(t, uint64(2), top.ID)

		var scores []float32
		for pq.Len() > 0 {
			item, ok := pq.PopItem()
			require.True(t, ok)
			scores = append(scores, item.Score)
		}
		assert.Equal(t, []float32{1, 2, 3}, scores)
	})

	t.Run("MaxOrder", func(t *testing.T) {
		pq := NewMax(4)
		pq.PushItem(Item{ID: 1, Score: 3})
		pq.PushItem(Item{ID: 2, Score: 1})
		pq.PushItem(Item{ID: 3, Score: 2})

		top, ok := pq.TopItem()
		require.True(t, ok)
		assert.Equal(t, uint64(1), top.ID)
	})

	t.Run("PopEmpty", func(t *testing.T) {
		pq := NewMin(0)
		_, ok := pq.PopItem()
		assert.False(t, ok)
	})
}

func TestPushBounded(t *testing.T) {
	t.Run("KeepsBestK", func(t *testing.T) {
		const k = 3
		pq := NewMax(k)
		for i, score := range []float32{9, 1, 8, 2, 7, 3} {
			pq.PushBounded(Item{ID: uint64(i), Score: score}, k)
		}

		items := pq.Drain()
		require.Len(t, items, k)
		assert.Equal(t, []float32{1, 2, 3}, []float32{items[0].Score, items[1].Score, items[2].Score})
	})

	t.Run("RejectsWorse", func(t *testing.T) {
		pq := NewMax(1)
		assert.True(t, pq.PushBounded(Item{ID: 1, Score: 5}, 1))
		assert.False(t, pq.PushBounded(Item{ID: 2, Score: 9}, 1))
		assert.True(t, pq.PushBounded(Item{ID: 3, Score: 1}, 1))

		items := pq.Drain()
		require.Len(t, items, 1)
		assert.Equal(t, uint64(3), items[0].ID)
	})

	t.Run("TieGoesToLowerID", func(t *testing.T) {
		pq := NewMax(1)
		pq.PushBounded(Item{ID: 7, Score: 1}, 1)
		pq.PushBounded(Item{ID: 3, Score: 1}, 1)

		items := pq.Drain()
		require.Len(t, items, 1)
		assert.Equal(t, uint64(3), items[0].ID)
	})
}

func TestDrainAgainstSort(t *testing.T) {
	const n, k = 200, 10

	rng := rand.New(rand.NewSource(42))
	all := make([]Item, n)
	pq := NewMax(k)
	for i := range all {
		all[i] = Item{ID: uint64(i), Score: rng.Float32()}
		pq.PushBounded(all[i], k)
	}

	sort.Slice(all, func(i, j int) bool { return Better(all[i], all[j]) })

	got := pq.Drain()
	require.Len(t, got, k)
	for i := range got {
		assert.Equal(t, all[i].ID, got[i].ID)
	}
}
