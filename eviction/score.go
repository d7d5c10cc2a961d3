package eviction

import (
	"time"

	"github.com/hupe1980/vcache/distance"
	"github.com/hupe1980/vcache/model"
)

// score evicts the record with the worst combined score of normalized
// recency and distance to the shard centroid: stale outliers go first.
//
// Both components are normalized to [0,1] over the shard's current records,
// then averaged. The centroid is read through a hook so the policy always
// sees the owning shard's latest assignment.
type score struct {
	now      func() time.Time
	centroid func() []float32
	dist     distance.Func
	records  map[model.ID]*model.Record
}

func newScore(now func() time.Time, centroid func() []float32, dist distance.Func) *score {
	return &score{
		now:      now,
		centroid: centroid,
		dist:     dist,
		records:  make(map[model.ID]*model.Record),
	}
}

func (p *score) OnInsert(rec *model.Record) {
	p.records[rec.ID] = rec
}

func (p *score) OnAccess(id model.ID) {}

func (p *score) OnRemove(id model.ID) {
	delete(p.records, id)
}

func (p *score) SelectVictim() (model.ID, bool) {
	if len(p.records) == 0 {
		return 0, false
	}

	nowNanos := p.now().UnixNano()
	center := p.centroid()

	// First pass: normalization bounds.
	var maxAge int64
	var maxDist float32
	ages := make(map[model.ID]int64, len(p.records))
	dists := make(map[model.ID]float32, len(p.records))
	for id, rec := range p.records {
		age := nowNanos - rec.LastAccessedAt
		if age < 0 {
			age = 0
		}
		ages[id] = age
		if age > maxAge {
			maxAge = age
		}

		var d float32
		if center != nil {
			d = p.dist(rec.Embedding, center)
		}
		dists[id] = d
		if d > maxDist {
			maxDist = d
		}
	}

	// Second pass: worst combined score wins, ties broken by lower id.
	var victim model.ID
	var victimScore float64 = -1
	first := true
	for id := range p.records {
		var recency, spread float64
		if maxAge > 0 {
			recency = float64(ages[id]) / float64(maxAge)
		}
		if maxDist > 0 {
			spread = float64(dists[id]) / float64(maxDist)
		}
		s := (recency + spread) / 2

		if first || s > victimScore || (s == victimScore && id < victim) {
			victim = id
			victimScore = s
			first = false
		}
	}

	return victim, true
}

func (p *score) Len() int {
	return len(p.records)
}
