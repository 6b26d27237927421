// Package middleware applies per-client admission control to HTTP traffic.
// A Limiter manages one bucket per client key; the HTTP and gin adapters
// extract the key from the request and translate decisions into responses.
package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/yourusername/floodgate/core"
	"github.com/yourusername/floodgate/distributed"
	"github.com/yourusername/floodgate/store"
)

// Limiter applies one admission policy across many client keys. Buckets are
// created lazily on a key's first request.
type Limiter interface {
	// AllowN checks a request costing cost tokens against key's bucket.
	AllowN(ctx context.Context, key string, cost float64) (core.Result, error)

	// Penalty removes points tokens from key's bucket.
	Penalty(ctx context.Context, key string, points float64) (float64, error)

	// Reward returns points tokens to key's bucket.
	Reward(ctx context.Context, key string, points float64) (float64, error)

	// Block denies all of key's requests for the duration.
	Block(ctx context.Context, key string, d time.Duration) error

	// Unblock lifts key's block early.
	Unblock(ctx context.Context, key string) (bool, error)

	// State reports key's bucket state.
	State(ctx context.Context, key string) (core.DetailedState, error)

	// Config returns the policy applied to every key.
	Config() core.Config
}

type localEntry struct {
	bucket *core.Bucket

	mu           sync.Mutex // protects lastAccessed
	lastAccessed time.Time
}

// LocalLimiter keeps one in-memory bucket per key. It is suitable for
// single-instance deployments; use DistributedLimiter when several processes
// must share budgets. Idle buckets are dropped by Cleanup so unbounded key
// cardinality does not leak memory.
type LocalLimiter struct {
	cfg        core.Config
	clock      core.Clock
	cleanupAge time.Duration

	mu      sync.RWMutex
	entries map[string]*localEntry
}

var _ Limiter = (*LocalLimiter)(nil)

// LocalOption configures a LocalLimiter.
type LocalOption func(*LocalLimiter)

// WithLocalClock replaces the time source for every bucket the limiter
// creates.
func WithLocalClock(c core.Clock) LocalOption {
	return func(l *LocalLimiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithCleanupAge sets how long an idle bucket is kept before Cleanup drops
// it. Zero disables cleanup.
func WithCleanupAge(age time.Duration) LocalOption {
	return func(l *LocalLimiter) {
		l.cleanupAge = age
	}
}

// NewLocalLimiter creates a limiter that gives every key a bucket with the
// given configuration.
func NewLocalLimiter(cfg core.Config, opts ...LocalOption) (*LocalLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &LocalLimiter{
		cfg:        cfg,
		clock:      core.SystemClock{},
		cleanupAge: time.Hour,
		entries:    make(map[string]*localEntry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// bucketFor retrieves or creates the bucket for key.
func (l *LocalLimiter) bucketFor(key string) (*core.Bucket, error) {
	if key == "" {
		return nil, core.ErrInvalidKey
	}

	l.mu.RLock()
	entry, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		l.touch(entry)
		return entry.bucket, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Another goroutine may have created it between the locks.
	if entry, ok = l.entries[key]; ok {
		l.touch(entry)
		return entry.bucket, nil
	}

	bucket, err := core.NewBucket(l.cfg, core.WithClock(l.clock))
	if err != nil {
		return nil, err
	}
	l.entries[key] = &localEntry{bucket: bucket, lastAccessed: l.clock.Now()}
	return bucket, nil
}

func (l *LocalLimiter) touch(entry *localEntry) {
	entry.mu.Lock()
	entry.lastAccessed = l.clock.Now()
	entry.mu.Unlock()
}

func (l *LocalLimiter) AllowN(_ context.Context, key string, cost float64) (core.Result, error) {
	b, err := l.bucketFor(key)
	if err != nil {
		return core.Result{}, err
	}
	return b.AllowN(cost)
}

func (l *LocalLimiter) Penalty(_ context.Context, key string, points float64) (float64, error) {
	b, err := l.bucketFor(key)
	if err != nil {
		return 0, err
	}
	return b.Penalty(points)
}

func (l *LocalLimiter) Reward(_ context.Context, key string, points float64) (float64, error) {
	b, err := l.bucketFor(key)
	if err != nil {
		return 0, err
	}
	return b.Reward(points)
}

func (l *LocalLimiter) Block(_ context.Context, key string, d time.Duration) error {
	b, err := l.bucketFor(key)
	if err != nil {
		return err
	}
	return b.Block(d)
}

func (l *LocalLimiter) Unblock(_ context.Context, key string) (bool, error) {
	b, err := l.bucketFor(key)
	if err != nil {
		return false, err
	}
	return b.Unblock(), nil
}

func (l *LocalLimiter) State(_ context.Context, key string) (core.DetailedState, error) {
	b, err := l.bucketFor(key)
	if err != nil {
		return core.DetailedState{}, err
	}
	return b.DetailedState(), nil
}

// Config returns the policy applied to every key.
func (l *LocalLimiter) Config() core.Config { return l.cfg }

// Count returns the number of tracked keys.
func (l *LocalLimiter) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Cleanup drops buckets idle longer than the cleanup age and reports how
// many were removed.
func (l *LocalLimiter) Cleanup() int {
	if l.cleanupAge == 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-l.cleanupAge)
	removed := 0
	for key, entry := range l.entries {
		entry.mu.Lock()
		lastAccessed := entry.lastAccessed
		entry.mu.Unlock()

		if lastAccessed.Before(cutoff) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// StartBackgroundCleanup runs Cleanup on a ticker. The returned function
// stops it.
func (l *LocalLimiter) StartBackgroundCleanup(interval time.Duration) func() {
	if l.cleanupAge == 0 || interval == 0 {
		return func() {}
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// DistributedLimiter keeps one distributed bucket handle per key, all
// sharing one backing store. The handles themselves are light; they are
// cached so per-key failover state (insurance limiters) survives between
// requests.
type DistributedLimiter struct {
	st   store.Store
	cfg  core.Config
	opts []distributed.Option

	mu      sync.RWMutex
	buckets map[string]*distributed.Bucket
}

var _ Limiter = (*DistributedLimiter)(nil)

// NewDistributedLimiter creates a limiter whose buckets live on st. The
// options are applied to every bucket it creates.
func NewDistributedLimiter(st store.Store, cfg core.Config, opts ...distributed.Option) (*DistributedLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// Creating a probe bucket surfaces option errors at construction time
	// instead of on the first request.
	if _, err := distributed.NewBucket(st, "probe", cfg, opts...); err != nil {
		return nil, err
	}
	return &DistributedLimiter{
		st:      st,
		cfg:     cfg,
		opts:    opts,
		buckets: make(map[string]*distributed.Bucket),
	}, nil
}

func (l *DistributedLimiter) bucketFor(key string) (*distributed.Bucket, error) {
	if key == "" {
		return nil, core.ErrInvalidKey
	}

	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok = l.buckets[key]; ok {
		return b, nil
	}
	b, err := distributed.NewBucket(l.st, key, l.cfg, l.opts...)
	if err != nil {
		return nil, err
	}
	l.buckets[key] = b
	return b, nil
}

func (l *DistributedLimiter) AllowN(ctx context.Context, key string, cost float64) (core.Result, error) {
	b, err := l.bucketFor(key)
	if err != nil {
		return core.Result{}, err
	}
	return b.AllowN(ctx, cost)
}

func (l *DistributedLimiter) Penalty(ctx context.Context, key string, points float64) (float64, error) {
	b, err := l.bucketFor(key)
	if err != nil {
		return 0, err
	}
	return b.Penalty(ctx, points)
}

func (l *DistributedLimiter) Reward(ctx context.Context, key string, points float64) (float64, error) {
	b, err := l.bucketFor(key)
	if err != nil {
		return 0, err
	}
	return b.Reward(ctx, points)
}

func (l *DistributedLimiter) Block(ctx context.Context, key string, d time.Duration) error {
	b, err := l.bucketFor(key)
	if err != nil {
		return err
	}
	return b.Block(ctx, d)
}

func (l *DistributedLimiter) Unblock(ctx context.Context, key string) (bool, error) {
	b, err := l.bucketFor(key)
	if err != nil {
		return false, err
	}
	return b.Unblock(ctx)
}

func (l *DistributedLimiter) State(ctx context.Context, key string) (core.DetailedState, error) {
	b, err := l.bucketFor(key)
	if err != nil {
		return core.DetailedState{}, err
	}
	return b.State(ctx)
}

// Config returns the policy applied to every key.
func (l *DistributedLimiter) Config() core.Config { return l.cfg }

// Count returns the number of cached bucket handles.
func (l *DistributedLimiter) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
