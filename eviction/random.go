package eviction

import (
	"math/rand"
	"time"

	"github.com/hupe1980/vcache/model"
)

// random evicts a uniformly sampled record.
// Ids are kept in a slice with swap-delete so sampling and removal are O(1).
type random struct {
	rng     *rand.Rand
	ids     []model.ID
	indexOf map[model.ID]int
}

func newRandom(seed int64) *random {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &random{
		rng:     rand.New(rand.NewSource(seed)),
		indexOf: make(map[model.ID]int),
	}
}

func (p *random) OnInsert(rec *model.Record) {
	if _, ok := p.indexOf[rec.ID]; ok {
		return
	}
	p.indexOf[rec.ID] = len(p.ids)
	p.ids = append(p.ids, rec.ID)
}

func (p *random) OnAccess(id model.ID) {}

func (p *random) OnRemove(id model.ID) {
	idx, ok := p.indexOf[id]
	if !ok {
		return
	}
	last := len(p.ids) - 1
	moved := p.ids[last]
	p.ids[idx] = moved
	p.indexOf[moved] = idx
	p.ids = p.ids[:last]
	delete(p.indexOf, id)
}

func (p *random) SelectVictim() (model.ID, bool) {
	if len(p.ids) == 0 {
		return 0, false
	}
	return p.ids[p.rng.Intn(len(p.ids))], true
}

func (p *random) Len() int {
	return len(p.ids)
}
