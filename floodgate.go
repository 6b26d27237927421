// Package floodgate provides token bucket admission control with burst
// capacity, penalties and rewards, administrative blocks, and an optional
// Redis-backed distributed mode with local failover.
//
// The root package re-exports the types most integrations need; the full
// surface lives in core, distributed, store and middleware.
package floodgate

import (
	"github.com/yourusername/floodgate/core"
	"github.com/yourusername/floodgate/middleware"
)

// Re-exports for the common entry points.
type (
	Config       = core.Config
	Result       = core.Result
	Bucket       = core.Bucket
	Event        = core.Event
	Snapshot     = core.Snapshot
	Limiter      = middleware.Limiter
	RateLimiter  = middleware.RateLimiter
	KeyExtractor = middleware.KeyExtractor
)

var (
	// NewBucket creates a local token bucket.
	NewBucket = core.NewBucket

	// FromSnapshot restores a local bucket from a snapshot.
	FromSnapshot = core.FromSnapshot

	// NewLocalLimiter creates a per-key limiter with in-process buckets.
	NewLocalLimiter = middleware.NewLocalLimiter

	// NewDistributedLimiter creates a per-key limiter over a shared store.
	NewDistributedLimiter = middleware.NewDistributedLimiter

	// NewRateLimiter wraps a limiter as net/http middleware.
	NewRateLimiter = middleware.NewRateLimiter
)
