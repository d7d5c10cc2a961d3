package eviction

import (
	"container/list"

	"github.com/hupe1980/vcache/model"
)

// lru evicts the least-recently-accessed record.
// It keeps an access-ordered doubly linked list with O(1) updates.
type lru struct {
	order    *list.List // front = most recent, back = victim
	elements map[model.ID]*list.Element
}

func newLRU() *lru {
	return &lru{
		order:    list.New(),
		elements: make(map[model.ID]*list.Element),
	}
}

func (p *lru) OnInsert(rec *model.Record) {
	if el, ok := p.elements[rec.ID]; ok {
		p.order.MoveToFront(el)
		return
	}
	p.elements[rec.ID] = p.order.PushFront(rec.ID)
}

func (p *lru) OnAccess(id model.ID) {
	if el, ok := p.elements[id]; ok {
		p.order.MoveToFront(el)
	}
}

func (p *lru) OnRemove(id model.ID) {
	if el, ok := p.elements[id]; ok {
		p.order.Remove(el)
		delete(p.elements, id)
	}
}

func (p *lru) SelectVictim() (model.ID, bool) {
	back := p.order.Back()
	if back == nil {
		return 0, false
	}
	return back.Value.(model.ID), true
}

func (p *lru) Len() int {
	return len(p.elements)
}
