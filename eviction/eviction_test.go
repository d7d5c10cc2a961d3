package eviction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vcache/distance"
	"github.com/hupe1980/vcache/model"
)

func TestKindString(t *testing.T) {
	for _, tc := range []struct {
		kind Kind
		name string
	}{
		{KindNone, "none"},
		{KindLRU, "lru"},
		{KindLFU, "lfu"},
		{KindTTL, "ttl"},
		{KindRandom, "random"},
		{KindScore, "score"},
	} {
		assert.Equal(t, tc.name, tc.kind.String())

		parsed, err := ParseKind(tc.name)
		require.NoError(t, err)
		assert.Equal(t, tc.kind, parsed)
	}

	_, err := ParseKind("fifo")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	t.Run("NoneReturnsNilPolicy", func(t *testing.T) {
		p, err := New(KindNone, Config{})
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("TTLRequiresPositiveTTL", func(t *testing.T) {
		_, err := New(KindTTL, Config{})
		assert.Error(t, err)
	})

	t.Run("ScoreRequiresHooks", func(t *testing.T) {
		_, err := New(KindScore, Config{})
		assert.Error(t, err)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		_, err := New(Kind(99), Config{})
		assert.Error(t, err)
	})
}

func rec(id model.ID, insertedAt int64) *model.Record {
	return &model.Record{
		ID:             id,
		Embedding:      []float32{float32(id)},
		InsertedAt:     insertedAt,
		LastAccessedAt: insertedAt,
	}
}

func TestLRU(t *testing.T) {
	p, err := New(KindLRU, Config{})
	require.NoError(t, err)

	p.OnInsert(rec(1, 10))
	p.OnInsert(rec(2, 20))
	p.OnInsert(rec(3, 30))
	require.Equal(t, 3, p.Len())

	t.Run("OldestIsVictim", func(t *testing.T) {
		id, ok := p.SelectVictim()
		require.True(t, ok)
		assert.Equal(t, model.ID(1), id)
	})

	t.Run("AccessProtects", func(t *testing.T) {
		p.OnAccess(1)
		id, ok := p.SelectVictim()
		require.True(t, ok)
		assert.Equal(t, model.ID(2), id)
	})

	t.Run("RemoveForgets", func(t *testing.T) {
		p.OnRemove(2)
		id, ok := p.SelectVictim()
		require.True(t, ok)
		assert.Equal(t, model.ID(3), id)
		assert.Equal(t, 2, p.Len())
	})

	t.Run("EmptyHasNoVictim", func(t *testing.T) {
		p.OnRemove(3)
		p.OnRemove(1)
		_, ok := p.SelectVictim()
		assert.False(t, ok)
	})
}

func TestLFU(t *testing.T) {
	p, err := New(KindLFU, Config{})
	require.NoError(t, err)

	a := rec(1, 10)
	b := rec(2, 20)
	c := rec(3, 30)
	p.OnInsert(a)
	p.OnInsert(b)
	p.OnInsert(c)

	t.Run("LowestCountIsVictimTieByAge", func(t *testing.T) {
		// All counts zero: tie broken by oldest insert.
		id, ok := p.SelectVictim()
		require.True(t, ok)
		assert.Equal(t, model.ID(1), id)
	})

	t.Run("AccessCountWins", func(t *testing.T) {
		a.AccessCount = 5
		b.AccessCount = 2
		c.AccessCount = 3
		id, ok := p.SelectVictim()
		require.True(t, ok)
		assert.Equal(t, model.ID(2), id)
	})

	t.Run("TieByLowerID", func(t *testing.T) {
		a.AccessCount = 1
		a.InsertedAt = 10
		b.AccessCount = 1
		b.InsertedAt = 10
		c.AccessCount = 9
		id, ok := p.SelectVictim()
		require.True(t, ok)
		assert.Equal(t, model.ID(1), id)
	})
}

func TestTTL(t *testing.T) {
	base := time.Unix(0, 1_000_000_000_000)
	now := base
	p, err := New(KindTTL, Config{
		TTL: time.Minute,
		Now: func() time.Time { return now },
	})
	require.NoError(t, err)

	p.OnInsert(rec(1, base.UnixNano()))
	p.OnInsert(rec(2, base.Add(10*time.Second).UnixNano()))
	p.OnInsert(rec(3, base.Add(20*time.Second).UnixNano()))

	t.Run("NothingExpiredPicksOldest", func(t *testing.T) {
		id, ok := p.SelectVictim()
		require.True(t, ok)
		assert.Equal(t, model.ID(1), id)
	})

	t.Run("EarliestExpiredWins", func(t *testing.T) {
		now = base.Add(75 * time.Second) // records 1 and 2 expired
		id, ok := p.SelectVictim()
		require.True(t, ok)
		assert.Equal(t, model.ID(1), id)

		p.OnRemove(1)
		id, ok = p.SelectVictim()
		require.True(t, ok)
		assert.Equal(t, model.ID(2), id)
	})
}

func TestRandom(t *testing.T) {
	p, err := New(KindRandom, Config{Seed: 7})
	require.NoError(t, err)

	members := map[model.ID]bool{}
	for id := model.ID(1); id <= 10; id++ {
		p.OnInsert(rec(id, int64(id)))
		members[id] = true
	}
	require.Equal(t, 10, p.Len())

	t.Run("VictimIsMember", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			id, ok := p.SelectVictim()
			require.True(t, ok)
			assert.True(t, members[id])
		}
	})

	t.Run("RemoveShrinks", func(t *testing.T) {
		p.OnRemove(5)
		delete(members, 5)
		assert.Equal(t, 9, p.Len())
		for i := 0; i < 20; i++ {
			id, ok := p.SelectVictim()
			require.True(t, ok)
			assert.NotEqual(t, model.ID(5), id)
		}
	})

	t.Run("DeterministicWithSeed", func(t *testing.T) {
		p1, err := New(KindRandom, Config{Seed: 99})
		require.NoError(t, err)
		p2, err := New(KindRandom, Config{Seed: 99})
		require.NoError(t, err)
		for id := model.ID(1); id <= 10; id++ {
			p1.OnInsert(rec(id, int64(id)))
			p2.OnInsert(rec(id, int64(id)))
		}
		for i := 0; i < 5; i++ {
			v1, _ := p1.SelectVictim()
			v2, _ := p2.SelectVictim()
			assert.Equal(t, v1, v2)
		}
	})
}

func TestScore(t *testing.T) {
	base := time.Unix(0, 1_000_000_000_000)
	centroid := []float32{0, 0}

	p, err := New(KindScore, Config{
		Now:      func() time.Time { return base.Add(time.Minute) },
		Centroid: func() []float32 { return centroid },
		Distance: distance.SquaredL2,
	})
	require.NoError(t, err)

	near := &model.Record{ID: 1, Embedding: []float32{0.1, 0.1}, InsertedAt: base.UnixNano(), LastAccessedAt: base.Add(50 * time.Second).UnixNano()}
	farStale := &model.Record{ID: 2, Embedding: []float32{9, 9}, InsertedAt: base.UnixNano(), LastAccessedAt: base.UnixNano()}
	p.OnInsert(near)
	p.OnInsert(farStale)

	t.Run("StaleOutlierGoesFirst", func(t *testing.T) {
		id, ok := p.SelectVictim()
		require.True(t, ok)
		assert.Equal(t, model.ID(2), id)
	})

	t.Run("EmptyHasNoVictim", func(t *testing.T) {
		p.OnRemove(1)
		p.OnRemove(2)
		_, ok := p.SelectVictim()
		assert.False(t, ok)
	})
}
