// Package store provides backing-store implementations for distributed
// buckets.
//
// The Store interface is the capability a distributed bucket consumes: an
// atomic scripted read-modify-write primitive (TakeTokens, AdjustTokens)
// plus plain keyed hash operations. RedisStore executes the scripted
// primitives server-side in one round trip; MemoryStore implements the same
// semantics in process, for tests and single-instance deployments.
package store

import (
	"context"
	"time"
)

// Hash field names for bucket state records.
const (
	FieldTokens       = "tokens"
	FieldLastRefillAt = "lastRefillAt" // unix milliseconds
	FieldBlockUntil   = "until"        // unix milliseconds, block keys only
)

// TakeResult is the outcome of one atomic take evaluation.
type TakeResult struct {
	Allowed bool
	Tokens  float64   // balance after the evaluation
	Now     time.Time // echo of the evaluation instant
	Blocked bool      // denied because the block key exists
}

// AdjustResult reports the balance around an atomic adjustment.
type AdjustResult struct {
	Before float64
	After  float64
}

// Store is the backing-store capability contract. Implementations must make
// TakeTokens and AdjustTokens atomic with respect to each other and to
// themselves: the read-refill-compare-write sequence of one call never
// interleaves with another's. Any store exposing these operations satisfies
// the contract.
type Store interface {
	// TakeTokens atomically refills the bucket at stateKey and consumes
	// cost tokens if available. When blockKey exists the request is denied
	// without touching the stored balance. A missing state record is
	// treated as a full bucket. ttl > 0 refreshes the record's expiry.
	TakeTokens(ctx context.Context, stateKey, blockKey string, capacity, refillRate, cost float64, now time.Time, ttl time.Duration) (TakeResult, error)

	// AdjustTokens atomically refills the bucket at stateKey and applies
	// delta (negative for penalties). The result is capped above at
	// capacity and has no lower bound.
	AdjustTokens(ctx context.Context, stateKey string, capacity, refillRate, delta float64, now time.Time, ttl time.Duration) (AdjustResult, error)

	// ReadState returns the hash record at key, or nil when it does not
	// exist.
	ReadState(ctx context.Context, key string) (map[string]string, error)

	// WriteState overwrites fields of the hash record at key in one
	// atomic write. ttl > 0 sets the record's expiry.
	WriteState(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// Delete removes the given keys, returning how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
