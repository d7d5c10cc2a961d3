package engine

import "errors"

var (
	// ErrAllShardsUnavailable is returned when every probed shard timed out
	// or failed, leaving nothing to merge.
	ErrAllShardsUnavailable = errors.New("engine: all probed shards unavailable")

	// ErrEngineClosed is returned when work is submitted after Close.
	ErrEngineClosed = errors.New("engine: closed")
)
