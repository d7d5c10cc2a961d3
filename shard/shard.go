// Package shard implements the per-shard record store.
//
// A shard owns a disjoint subset of the cache's records together with its
// local membership filter, eviction state, and centroid. All mutation happens
// under the shard's own lock; different shards never share data, so the cache
// can read and write many shards concurrently.
package shard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hupe1980/vcache/distance"
	"github.com/hupe1980/vcache/eviction"
	"github.com/hupe1980/vcache/filter"
	"github.com/hupe1980/vcache/model"
	"github.com/hupe1980/vcache/queue"
)

var (
	// ErrCapacityExceeded is returned when an insert would exceed capacity
	// and no eviction policy is configured.
	ErrCapacityExceeded = errors.New("shard: capacity exceeded")

	// ErrNotFound is returned when an id is not present in the shard.
	ErrNotFound = errors.New("shard: not found")

	// ErrDuplicateID is returned when an insert collides with a live id.
	ErrDuplicateID = errors.New("shard: duplicate id")

	// ErrRetired is returned when a write reaches a shard that a rebuild
	// swap has already replaced. Callers retry against the new topology.
	ErrRetired = errors.New("shard: retired")
)

// Options contains the configuration for a shard.
type Options struct {
	// ShardID is the shard's index in the cache topology.
	ShardID int

	// Capacity is the maximum record count. Must be > 0.
	Capacity int

	// Dimension is the fixed embedding dimension.
	Dimension int

	// Metric selects the distance function for local search and the
	// score eviction policy.
	Metric distance.Metric

	// Centroid is the shard's initial centroid. May be nil until the
	// first rebuild assigns one.
	Centroid []float32

	// EvictionKind selects the victim-selection policy.
	// KindNone makes over-capacity inserts fail.
	EvictionKind eviction.Kind

	// TTL is the record lifetime for the TTL policy.
	TTL time.Duration

	// FilterFalsePositiveRate sizes the membership filter relative to
	// Capacity. Defaults to 1%.
	FilterFalsePositiveRate float64

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Seed seeds the random eviction policy (zero = time-derived).
	Seed int64
}

// Shard owns a disjoint subset of the cache's records.
type Shard struct {
	mu       sync.RWMutex
	id       int
	capacity int
	dim      int
	dist     distance.Func
	records  map[model.ID]*model.Record
	filter   *filter.Bloom
	policy   eviction.Policy
	centroid []float32
	now      func() time.Time
	retired  bool
}

// New creates an empty shard.
func New(opts Options) (*Shard, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("shard: capacity must be positive, got %d", opts.Capacity)
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("shard: dimension must be positive, got %d", opts.Dimension)
	}

	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	fpr := opts.FilterFalsePositiveRate
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.01
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Shard{
		id:       opts.ShardID,
		capacity: opts.Capacity,
		dim:      opts.Dimension,
		dist:     distFunc,
		records:  make(map[model.ID]*model.Record, opts.Capacity),
		filter:   filter.New(opts.Capacity, fpr),
		centroid: opts.Centroid,
		now:      now,
	}

	// The centroid hook reads the field directly: policy methods only run
	// while the shard lock is already held, and RWMutex is not reentrant.
	policy, err := eviction.New(opts.EvictionKind, eviction.Config{
		TTL:      opts.TTL,
		Now:      now,
		Centroid: func() []float32 { return s.centroid },
		Distance: distFunc,
		Seed:     opts.Seed,
	})
	if err != nil {
		return nil, err
	}
	s.policy = policy

	return s, nil
}

// ID returns the shard's index in the cache topology.
func (s *Shard) ID() int {
	return s.id
}

// Capacity returns the maximum record count.
func (s *Shard) Capacity() int {
	return s.capacity
}

// Len returns the current record count.
func (s *Shard) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Centroid returns the shard's current centroid (nil before first rebuild).
// The returned slice must be treated as read-only.
func (s *Shard) Centroid() []float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.centroid
}

// SetCentroid installs a new centroid, replacing the previous one.
func (s *Shard) SetCentroid(c []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.centroid = c
}

// Insert stores a record, updating the filter and eviction state.
//
// If the insert pushes the shard over capacity, the eviction policy selects
// a victim which is removed; its id is returned. With no policy configured
// the insert fails with ErrCapacityExceeded and the shard is unchanged.
func (s *Shard) Insert(rec *model.Record) (evicted model.ID, didEvict bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retired {
		return 0, false, ErrRetired
	}

	if _, exists := s.records[rec.ID]; exists {
		return 0, false, fmt.Errorf("%w: %d", ErrDuplicateID, rec.ID)
	}

	if s.policy == nil && len(s.records) >= s.capacity {
		return 0, false, fmt.Errorf("%w: shard %d at capacity %d", ErrCapacityExceeded, s.id, s.capacity)
	}

	s.records[rec.ID] = rec
	s.filter.Add(rec.ID)
	if s.policy != nil {
		s.policy.OnInsert(rec)
	}

	if len(s.records) > s.capacity {
		// Over-capacity implies the shard is non-empty, so selection
		// must succeed.
		victim, ok := s.policy.SelectVictim()
		if !ok {
			return 0, false, fmt.Errorf("shard %d: eviction policy returned no victim for non-empty shard", s.id)
		}
		delete(s.records, victim)
		s.policy.OnRemove(victim)
		return victim, true, nil
	}

	return 0, false, nil
}

// Place stores a record without ever evicting.
//
// It is used by rebuild placement and snapshot load, where records are
// redistributed rather than newly admitted; callers spill to another shard
// on ErrCapacityExceeded instead of dropping live records.
func (s *Shard) Place(rec *model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, rec.ID)
	}
	if len(s.records) >= s.capacity {
		return fmt.Errorf("%w: shard %d at capacity %d", ErrCapacityExceeded, s.id, s.capacity)
	}

	s.records[rec.ID] = rec
	s.filter.Add(rec.ID)
	if s.policy != nil {
		s.policy.OnInsert(rec)
	}
	return nil
}

// Remove deletes a record by id.
// The membership filter never retracts bits; it stays a superset hint.
func (s *Shard) Remove(id model.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retired {
		return ErrRetired
	}

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	delete(s.records, id)
	if s.policy != nil {
		s.policy.OnRemove(id)
	}
	return nil
}

// Contains reports authoritatively whether the shard owns the id.
func (s *Shard) Contains(id model.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// ContainsHint consults the membership filter only.
// A false result definitively rules the id out; a true result requires the
// authoritative Contains check.
func (s *Shard) ContainsHint(id model.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.MayContain(id)
}

// Metadata returns a copy of the metadata stored for id.
func (s *Shard) Metadata(id model.ID) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	if rec.Metadata == nil {
		return nil, true
	}
	meta := make([]byte, len(rec.Metadata))
	copy(meta, rec.Metadata)
	return meta, true
}

// Touch records a query hit: bumps the access count, refreshes the
// last-access timestamp, and notifies the eviction policy.
func (s *Shard) Touch(id model.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || s.retired {
		return
	}
	rec.AccessCount++
	rec.LastAccessedAt = s.now().UnixNano()
	if s.policy != nil {
		s.policy.OnAccess(id)
	}
}

// LocalSearch scans every local record and returns the k best candidates in
// ascending (best-first) score order, ties broken by lower id.
//
// The scan keeps a bounded max-heap of size k, giving O(n log k) per shard.
// The context is checked periodically so cancelled queries stop early.
func (s *Shard) LocalSearch(ctx context.Context, query []float32, k int) ([]queue.Item, error) {
	if k <= 0 {
		return nil, fmt.Errorf("shard: k must be positive, got %d", k)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	top := queue.NewMax(min(k, len(s.records)))

	i := 0
	for id, rec := range s.records {
		if i&255 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		i++

		top.PushBounded(queue.Item{ID: id, Score: s.dist(query, rec.Embedding)}, k)
	}

	return top.Drain(), nil
}

// Snapshot returns deep copies of all records, ordered arbitrarily.
// Rebuild and persistence operate on snapshots so k-means and serialization
// never alias live shard state.
func (s *Shard) Snapshot() []*model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}

// IDs returns the ids of all live records in the shard.
func (s *Shard) IDs() []model.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ID, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	return out
}

// AppendFilter serializes the membership filter to w under the shard's read
// lock, so persistence never races concurrent inserts.
func (s *Shard) AppendFilter(w io.Writer) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.WriteTo(w)
}

// FilterStats returns the filter's tracked add count and estimated false
// positive rate.
func (s *Shard) FilterStats() (count uint64, fpr float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.Count(), s.filter.EstimatedFalsePositiveRate()
}

// SetFilter replaces the shard's membership filter. Snapshot loads restore
// the persisted filter so pre-save hint behavior (including bits from
// removed ids) carries over exactly.
func (s *Shard) SetFilter(f *filter.Bloom) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = f
}

// Lock acquires the shard's exclusive lock. Used by the rebuild swap, which
// must freeze multiple shards at once; locks are always taken in ascending
// shard-id order to prevent deadlock.
func (s *Shard) Lock() {
	s.mu.Lock()
}

// Unlock releases the shard's exclusive lock.
func (s *Shard) Unlock() {
	s.mu.Unlock()
}

// MarkRetiredLocked flags the shard as replaced by a rebuild swap. Must be
// called while holding the shard lock; writes arriving after release fail
// with ErrRetired and retry on the new topology. Reads stay valid: a query
// one partition version behind still sees consistent data.
func (s *Shard) MarkRetiredLocked() {
	s.retired = true
}

// SnapshotLocked is Snapshot for callers already holding the shard lock.
func (s *Shard) SnapshotLocked() []*model.Record {
	out := make([]*model.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}
