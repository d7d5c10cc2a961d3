// Package eviction provides the pluggable victim-selection policies used by
// shards to stay within capacity.
//
// A policy is a closed set of variants selected at cache construction time.
// Each variant carries only the state it needs; all methods are invoked under
// the owning shard's lock, so implementations need no internal locking.
package eviction

import (
	"fmt"
	"time"

	"github.com/hupe1980/vcache/distance"
	"github.com/hupe1980/vcache/model"
)

// Kind identifies an eviction policy variant.
type Kind int

const (
	// KindNone disables eviction; inserts over capacity fail instead.
	KindNone Kind = iota
	KindLRU
	KindLFU
	KindTTL
	KindRandom
	KindScore
)

// String returns a stable lower-case name, also used in persisted headers.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindLRU:
		return "lru"
	case KindLFU:
		return "lfu"
	case KindTTL:
		return "ttl"
	case KindRandom:
		return "random"
	case KindScore:
		return "score"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseKind parses a policy name as produced by String.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "none":
		return KindNone, nil
	case "lru":
		return KindLRU, nil
	case "lfu":
		return KindLFU, nil
	case "ttl":
		return KindTTL, nil
	case "random":
		return KindRandom, nil
	case "score":
		return KindScore, nil
	default:
		return 0, fmt.Errorf("eviction: unsupported policy %q", name)
	}
}

// Policy tracks per-shard access state and selects eviction victims.
//
// The owning shard updates record bookkeeping (access count, timestamps)
// itself and notifies the policy; SelectVictim must succeed whenever the
// shard is non-empty.
type Policy interface {
	// OnInsert registers a newly inserted record.
	OnInsert(rec *model.Record)

	// OnAccess records an access to an existing id.
	OnAccess(id model.ID)

	// OnRemove forgets an id, whether removed explicitly or evicted.
	OnRemove(id model.ID)

	// SelectVictim returns the id to evict next.
	// ok is false only if the policy tracks no records.
	SelectVictim() (id model.ID, ok bool)

	// Len returns the number of tracked records.
	Len() int
}

// Config carries the shard-supplied hooks a policy variant may need.
type Config struct {
	// TTL is the record lifetime for the TTL policy.
	TTL time.Duration

	// Now returns the current time. Defaults to time.Now; tests override it.
	Now func() time.Time

	// Centroid returns the owning shard's current centroid (score policy).
	Centroid func() []float32

	// Distance scores a record's embedding against the centroid (score policy).
	Distance distance.Func

	// Seed seeds the random policy. Zero means a time-derived seed.
	Seed int64
}

// New creates the policy variant for the given kind.
// KindNone returns nil: the shard treats a nil policy as "fail when full".
func New(kind Kind, cfg Config) (Policy, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	switch kind {
	case KindNone:
		return nil, nil
	case KindLRU:
		return newLRU(), nil
	case KindLFU:
		return newLFU(), nil
	case KindTTL:
		if cfg.TTL <= 0 {
			return nil, fmt.Errorf("eviction: ttl policy requires a positive TTL, got %v", cfg.TTL)
		}
		return newTTL(cfg.TTL, cfg.Now), nil
	case KindRandom:
		return newRandom(cfg.Seed), nil
	case KindScore:
		if cfg.Centroid == nil || cfg.Distance == nil {
			return nil, fmt.Errorf("eviction: score policy requires centroid and distance hooks")
		}
		return newScore(cfg.Now, cfg.Centroid, cfg.Distance), nil
	default:
		return nil, fmt.Errorf("eviction: unsupported policy kind: %v", kind)
	}
}
