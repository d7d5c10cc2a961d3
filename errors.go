package vcache

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vcache/engine"
	"github.com/hupe1980/vcache/shard"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrNotFound is returned when an id is not present in the cache.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateID is returned when a caller-supplied id collides with a
	// live record.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrCapacityExceeded is returned when an insert hits a full shard and
	// no eviction policy is configured.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrAllShardsUnavailable is returned when every probed shard timed
	// out or failed. The cache itself stays usable.
	ErrAllShardsUnavailable = errors.New("all probed shards unavailable")

	// ErrCacheClosed is returned for operations after Close.
	ErrCacheClosed = errors.New("cache is closed")
)

// ErrInvalidDimension indicates an embedding whose length does not match the
// cache's configured dimension.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrInvalidDimension struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrInvalidDimension) Unwrap() error { return e.cause }

// LoadError indicates a snapshot that could not be restored: corruption,
// format mismatch, or an unreadable source. A failed load never partially
// initializes a cache.
type LoadError struct {
	Reason string
	cause  error
}

func (e *LoadError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("load failed: %s: %v", e.Reason, e.cause)
	}
	return fmt.Sprintf("load failed: %s", e.Reason)
}

func (e *LoadError) Unwrap() error { return e.cause }

// translateError maps internal package errors onto the public taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, shard.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, shard.ErrDuplicateID) {
		return fmt.Errorf("%w: %w", ErrDuplicateID, err)
	}
	if errors.Is(err, shard.ErrCapacityExceeded) {
		return fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	}
	if errors.Is(err, engine.ErrAllShardsUnavailable) {
		return fmt.Errorf("%w: %w", ErrAllShardsUnavailable, err)
	}
	if errors.Is(err, engine.ErrEngineClosed) {
		return fmt.Errorf("%w: %w", ErrCacheClosed, err)
	}

	return err
}
