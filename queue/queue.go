// Package queue provides the bounded priority queues used for top-k search.
//
// Shard-local scans and the cross-shard merge both keep the k best candidates
// in a max-heap: the worst kept candidate sits at the root and is replaced
// only when a better candidate arrives. This yields O(n log k) scans instead
// of O(n log n) sorts.
package queue

// Item represents a scored candidate in a priority queue.
type Item struct {
	ID    uint64  // ID is the record identifier.
	Score float32 // Score is the priority; lower is better for all metrics.
}

// Better reports whether a ranks strictly ahead of b.
// Equal scores are broken by lower id so results are deterministic.
func Better(a, b Item) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.ID < b.ID
}

// PriorityQueue is a value-based binary heap of Items.
// Value storage avoids pointer indirection and per-push allocations.
type PriorityQueue struct {
	isMaxHeap bool
	items     []Item
}

// NewMin initializes a min-heap: the best candidate is at the top.
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{isMaxHeap: false, items: make([]Item, 0, capacity)}
}

// NewMax initializes a max-heap: the worst candidate is at the top.
// This is the shape used for bounded top-k collection.
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{isMaxHeap: true, items: make([]Item, 0, capacity)}
}

// Len returns the number of items in the queue.
func (pq *PriorityQueue) Len() int { return len(pq.items) }

// TopItem returns the top element without removing it.
func (pq *PriorityQueue) TopItem() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	return pq.items[0], true
}

// PushItem inserts an item while maintaining the heap invariant.
func (pq *PriorityQueue) PushItem(item Item) {
	pq.items = append(pq.items, item)
	pq.siftUp(len(pq.items) - 1)
}

// PopItem removes and returns the top element.
func (pq *PriorityQueue) PopItem() (Item, bool) {
	n := len(pq.items)
	if n == 0 {
		return Item{}, false
	}
	root := pq.items[0]
	last := pq.items[n-1]
	pq.items[n-1] = Item{}
	pq.items = pq.items[:n-1]
	if n-1 > 0 {
		pq.items[0] = last
		pq.siftDown(0)
	}
	return root, true
}

// ReplaceTop replaces the top element in place, avoiding a pop+push pair.
func (pq *PriorityQueue) ReplaceTop(item Item) {
	if len(pq.items) == 0 {
		pq.PushItem(item)
		return
	}
	pq.items[0] = item
	pq.siftDown(0)
}

// PushBounded offers item to a max-heap holding at most k elements.
// If the heap is full the item replaces the root only if it ranks better.
// Returns true if the item was kept.
func (pq *PriorityQueue) PushBounded(item Item, k int) bool {
	if k <= 0 {
		return false
	}
	if len(pq.items) < k {
		pq.PushItem(item)
		return true
	}
	if Better(item, pq.items[0]) {
		pq.ReplaceTop(item)
		return true
	}
	return false
}

// Drain pops every element and returns them best-first.
// For a max-heap this reverses the pop order; the queue is empty afterwards.
func (pq *PriorityQueue) Drain() []Item {
	out := make([]Item, len(pq.items))
	if pq.isMaxHeap {
		for i := len(out) - 1; i >= 0; i-- {
			out[i], _ = pq.PopItem()
		}
	} else {
		for i := range out {
			out[i], _ = pq.PopItem()
		}
	}
	return out
}

// less orders the heap: for a max-heap the worst item wins the root.
func (pq *PriorityQueue) less(i, j int) bool {
	if pq.isMaxHeap {
		return Better(pq.items[j], pq.items[i])
	}
	return Better(pq.items[i], pq.items[j])
}

func (pq *PriorityQueue) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !pq.less(i, p) {
			return
		}
		pq.items[i], pq.items[p] = pq.items[p], pq.items[i]
		i = p
	}
}

func (pq *PriorityQueue) siftDown(i int) {
	n := len(pq.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && pq.less(r, l) {
			best = r
		}
		if !pq.less(best, i) {
			return
		}
		pq.items[i], pq.items[best] = pq.items[best], pq.items[i]
		i = best
	}
}
