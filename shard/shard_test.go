package shard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vcache/distance"
	"github.com/hupe1980/vcache/eviction"
	"github.com/hupe1980/vcache/model"
)

func newTestShard(t *testing.T, opts Options) *Shard {
	t.Helper()

	if opts.Capacity == 0 {
		opts.Capacity = 8
	}
	if opts.Dimension == 0 {
		opts.Dimension = 2
	}

	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func newRecord(id model.ID, emb []float32) *model.Record {
	now := time.Now().UnixNano()
	return &model.Record{ID: id, Embedding: emb, InsertedAt: now, LastAccessedAt: now}
}

func TestNew(t *testing.T) {
	t.Run("RejectsNonPositiveCapacity", func(t *testing.T) {
		_, err := New(Options{Capacity: 0, Dimension: 2})
		assert.Error(t, err)
	})

	t.Run("RejectsNonPositiveDimension", func(t *testing.T) {
		_, err := New(Options{Capacity: 4, Dimension: 0})
		assert.Error(t, err)
	})

	t.Run("RejectsBadPolicyConfig", func(t *testing.T) {
		_, err := New(Options{Capacity: 4, Dimension: 2, EvictionKind: eviction.KindTTL})
		assert.Error(t, err)
	})
}

func TestInsert(t *testing.T) {
	t.Run("Basic", func(t *testing.T) {
		s := newTestShard(t, Options{})

		_, didEvict, err := s.Insert(newRecord(1, []float32{1, 2}))
		require.NoError(t, err)
		assert.False(t, didEvict)
		assert.Equal(t, 1, s.Len())
		assert.True(t, s.Contains(1))
		assert.True(t, s.ContainsHint(1))
	})

	t.Run("DuplicateID", func(t *testing.T) {
		s := newTestShard(t, Options{})

		_, _, err := s.Insert(newRecord(1, []float32{1, 2}))
		require.NoError(t, err)

		_, _, err = s.Insert(newRecord(1, []float32{3, 4}))
		assert.ErrorIs(t, err, ErrDuplicateID)
	})

	t.Run("NoPolicyFailsWhenFull", func(t *testing.T) {
		s := newTestShard(t, Options{Capacity: 2, EvictionKind: eviction.KindNone})

		_, _, err := s.Insert(newRecord(1, []float32{1, 0}))
		require.NoError(t, err)
		_, _, err = s.Insert(newRecord(2, []float32{0, 1}))
		require.NoError(t, err)

		_, _, err = s.Insert(newRecord(3, []float32{1, 1}))
		assert.ErrorIs(t, err, ErrCapacityExceeded)
		assert.Equal(t, 2, s.Len())
	})

	t.Run("LRUEvictsOverCapacity", func(t *testing.T) {
		s := newTestShard(t, Options{Capacity: 2, EvictionKind: eviction.KindLRU})

		_, _, err := s.Insert(newRecord(1, []float32{1, 0}))
		require.NoError(t, err)
		_, _, err = s.Insert(newRecord(2, []float32{0, 1}))
		require.NoError(t, err)

		// Touch 1 so 2 becomes the LRU victim.
		s.Touch(1)

		evicted, didEvict, err := s.Insert(newRecord(3, []float32{1, 1}))
		require.NoError(t, err)
		require.True(t, didEvict)
		assert.Equal(t, model.ID(2), evicted)
		assert.Equal(t, 2, s.Len())
		assert.False(t, s.Contains(2))
		assert.True(t, s.Contains(1))
		assert.True(t, s.Contains(3))
	})
}

func TestPlace(t *testing.T) {
	s := newTestShard(t, Options{Capacity: 1, EvictionKind: eviction.KindLRU})

	require.NoError(t, s.Place(newRecord(1, []float32{1, 0})))

	// Place never evicts, even with a policy configured.
	err := s.Place(newRecord(2, []float32{0, 1}))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.True(t, s.Contains(1))

	err = s.Place(newRecord(1, []float32{1, 0}))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestRemove(t *testing.T) {
	s := newTestShard(t, Options{})

	_, _, err := s.Insert(newRecord(1, []float32{1, 2}))
	require.NoError(t, err)

	require.NoError(t, s.Remove(1))
	assert.False(t, s.Contains(1))
	assert.Equal(t, 0, s.Len())

	// The filter never retracts: the hint may stay true after removal.
	assert.True(t, s.ContainsHint(1))

	err = s.Remove(1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContainsHint(t *testing.T) {
	s := newTestShard(t, Options{Capacity: 64})

	for id := model.ID(1); id <= 32; id++ {
		_, _, err := s.Insert(newRecord(id, []float32{float32(id), 0}))
		require.NoError(t, err)
	}

	// No false negatives, ever.
	for id := model.ID(1); id <= 32; id++ {
		assert.True(t, s.ContainsHint(id))
	}
}

func TestMetadata(t *testing.T) {
	s := newTestShard(t, Options{})

	rec := newRecord(1, []float32{1, 2})
	rec.Metadata = []byte(`{"key":"value"}`)
	_, _, err := s.Insert(rec)
	require.NoError(t, err)

	meta, ok := s.Metadata(1)
	require.True(t, ok)
	assert.Equal(t, rec.Metadata, meta)

	// Returned metadata is a copy.
	meta[0] = 'X'
	meta2, _ := s.Metadata(1)
	assert.Equal(t, byte('{'), meta2[0])

	_, ok = s.Metadata(99)
	assert.False(t, ok)
}

func TestTouch(t *testing.T) {
	now := time.Unix(0, 1_000)
	s := newTestShard(t, Options{Now: func() time.Time { return now }})

	_, _, err := s.Insert(newRecord(1, []float32{1, 2}))
	require.NoError(t, err)

	now = time.Unix(0, 2_000)
	s.Touch(1)

	recs := s.Snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].AccessCount)
	assert.Equal(t, int64(2_000), recs[0].LastAccessedAt)

	// Unknown id is a no-op.
	s.Touch(99)
}

func TestLocalSearch(t *testing.T) {
	s := newTestShard(t, Options{Capacity: 16, Metric: distance.MetricEuclidean})

	_, _, err := s.Insert(newRecord(1, []float32{0, 0}))
	require.NoError(t, err)
	_, _, err = s.Insert(newRecord(2, []float32{1, 0}))
	require.NoError(t, err)
	_, _, err = s.Insert(newRecord(3, []float32{5, 5}))
	require.NoError(t, err)

	t.Run("OrderedBestFirst", func(t *testing.T) {
		items, err := s.LocalSearch(context.Background(), []float32{0, 0}, 3)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, uint64(1), items[0].ID)
		assert.Equal(t, uint64(2), items[1].ID)
		assert.Equal(t, uint64(3), items[2].ID)
	})

	t.Run("KClampsToLen", func(t *testing.T) {
		items, err := s.LocalSearch(context.Background(), []float32{0, 0}, 10)
		require.NoError(t, err)
		assert.Len(t, items, 3)
	})

	t.Run("InvalidK", func(t *testing.T) {
		_, err := s.LocalSearch(context.Background(), []float32{0, 0}, 0)
		assert.Error(t, err)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.LocalSearch(ctx, []float32{0, 0}, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newTestShard(t, Options{})

	_, _, err := s.Insert(newRecord(1, []float32{1, 2}))
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Embedding[0] = 99

	items, err := s.LocalSearch(context.Background(), []float32{1, 2}, 1)
	require.NoError(t, err)
	assert.Equal(t, float32(0), items[0].Score)
}

func TestRetired(t *testing.T) {
	s := newTestShard(t, Options{})

	_, _, err := s.Insert(newRecord(1, []float32{1, 2}))
	require.NoError(t, err)

	s.Lock()
	s.MarkRetiredLocked()
	s.Unlock()

	_, _, err = s.Insert(newRecord(2, []float32{3, 4}))
	assert.ErrorIs(t, err, ErrRetired)

	err = s.Remove(1)
	assert.ErrorIs(t, err, ErrRetired)

	// Reads stay valid on a retired shard.
	assert.True(t, s.Contains(1))
	items, err := s.LocalSearch(context.Background(), []float32{1, 2}, 1)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestCentroid(t *testing.T) {
	s := newTestShard(t, Options{})
	assert.Nil(t, s.Centroid())

	s.SetCentroid([]float32{1, 2})
	assert.Equal(t, []float32{1, 2}, s.Centroid())
}
