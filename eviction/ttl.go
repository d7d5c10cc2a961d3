package eviction

import (
	"time"

	"github.com/hupe1980/vcache/model"
)

// ttl evicts the earliest-expired record, falling back to the oldest record
// when nothing has expired yet.
type ttl struct {
	ttl     time.Duration
	now     func() time.Time
	records map[model.ID]*model.Record
}

func newTTL(d time.Duration, now func() time.Time) *ttl {
	return &ttl{
		ttl:     d,
		now:     now,
		records: make(map[model.ID]*model.Record),
	}
}

func (p *ttl) OnInsert(rec *model.Record) {
	p.records[rec.ID] = rec
}

func (p *ttl) OnAccess(id model.ID) {}

func (p *ttl) OnRemove(id model.ID) {
	delete(p.records, id)
}

func (p *ttl) SelectVictim() (model.ID, bool) {
	deadline := p.now().Add(-p.ttl).UnixNano()

	var expired *model.Record
	var oldest *model.Record
	for _, rec := range p.records {
		if oldest == nil || ttlOlder(rec, oldest) {
			oldest = rec
		}
		if rec.InsertedAt <= deadline {
			if expired == nil || ttlOlder(rec, expired) {
				expired = rec
			}
		}
	}

	if expired != nil {
		return expired.ID, true
	}
	if oldest != nil {
		return oldest.ID, true
	}
	return 0, false
}

func (p *ttl) Len() int {
	return len(p.records)
}

func ttlOlder(a, b *model.Record) bool {
	if a.InsertedAt != b.InsertedAt {
		return a.InsertedAt < b.InsertedAt
	}
	return a.ID < b.ID
}
