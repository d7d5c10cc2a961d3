package eviction

import "github.com/hupe1980/vcache/model"

// lfu evicts the record with the lowest access count, ties broken by the
// oldest insert time, then by lowest id for determinism.
//
// Victim selection scans the tracked records. Shards are capacity-bounded,
// so the scan stays proportional to shard capacity.
type lfu struct {
	records map[model.ID]*model.Record
}

func newLFU() *lfu {
	return &lfu{records: make(map[model.ID]*model.Record)}
}

func (p *lfu) OnInsert(rec *model.Record) {
	p.records[rec.ID] = rec
}

// OnAccess is a no-op: access counts live on the record and are read at
// selection time.
func (p *lfu) OnAccess(id model.ID) {}

func (p *lfu) OnRemove(id model.ID) {
	delete(p.records, id)
}

func (p *lfu) SelectVictim() (model.ID, bool) {
	var victim *model.Record
	for _, rec := range p.records {
		if victim == nil || lfuWorse(rec, victim) {
			victim = rec
		}
	}
	if victim == nil {
		return 0, false
	}
	return victim.ID, true
}

func (p *lfu) Len() int {
	return len(p.records)
}

// lfuWorse reports whether a is a better eviction victim than b.
func lfuWorse(a, b *model.Record) bool {
	if a.AccessCount != b.AccessCount {
		return a.AccessCount < b.AccessCount
	}
	if a.InsertedAt != b.InsertedAt {
		return a.InsertedAt < b.InsertedAt
	}
	return a.ID < b.ID
}
