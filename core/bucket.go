package core

import (
	"math"
	"sync"
	"time"
)

// Config holds the immutable bucket parameters.
type Config struct {
	// Capacity is the maximum number of tokens (burst size).
	Capacity float64

	// RefillRate is the number of tokens added per second.
	RefillRate float64
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if !isPositiveFinite(c.Capacity) {
		return ErrInvalidCapacity
	}
	if !isPositiveFinite(c.RefillRate) {
		return ErrInvalidRefillRate
	}
	return nil
}

func isPositiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// Result is the outcome of an admission check.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Tokens is the token balance after the decision. On a denial the
	// balance is the refilled value, unchanged by the request.
	Tokens float64

	// Cost is the number of tokens the request asked for.
	Cost float64

	// Reason is set on denials: ReasonBlocked or ReasonInsufficientTokens.
	Reason string

	// RetryAfter is how long until the request could succeed. Zero when
	// allowed.
	RetryAfter time.Duration

	// Source tells which path of a distributed bucket decided
	// (SourceRedis or SourceInsurance). Empty for local buckets.
	Source Source

	// FailedOpen is set when a distributed bucket allowed the request
	// only because the store was unreachable and no insurance limiter is
	// configured.
	FailedOpen bool
}

// Bucket is an in-memory token bucket with burst capacity and steady-state
// refill. Tokens may go negative through Penalty (debt) but never exceed
// capacity. A bucket can additionally be blocked outright for a duration;
// block expiry is detected lazily by the next operation, never by a timer.
//
// All methods are safe for concurrent use. The refill-check-mutate sequence
// of each call runs under one mutex so decisions never interleave.
type Bucket struct {
	capacity   float64
	refillRate float64

	mu           sync.Mutex
	tokens       float64
	lastRefillAt time.Time
	blockUntil   time.Time // zero when not blocked

	clock   Clock
	emitter *Emitter
}

// Option configures a Bucket.
type Option func(*Bucket)

// WithClock replaces the time source. Tests use this with ManualClock.
func WithClock(c Clock) Option {
	return func(b *Bucket) {
		if c != nil {
			b.clock = c
		}
	}
}

// NewBucket creates a full bucket.
func NewBucket(cfg Config, opts ...Option) (*Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bucket{
		capacity:   cfg.Capacity,
		refillRate: cfg.RefillRate,
		clock:      SystemClock{},
		emitter:    NewEmitter(),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.tokens = cfg.Capacity
	b.lastRefillAt = b.clock.Now()
	return b, nil
}

// On subscribes a listener to the named event. The returned function
// unsubscribes it.
func (b *Bucket) On(name EventName, fn Listener) func() {
	return b.emitter.On(name, fn)
}

// Once subscribes a listener that auto-unsubscribes after its first dispatch.
func (b *Bucket) Once(name EventName, fn Listener) func() {
	return b.emitter.Once(name, fn)
}

// Capacity returns the maximum token count.
func (b *Bucket) Capacity() float64 { return b.capacity }

// RefillRate returns the refill rate in tokens per second.
func (b *Bucket) RefillRate() float64 { return b.refillRate }

// Config returns the bucket configuration.
func (b *Bucket) Config() Config {
	return Config{Capacity: b.capacity, RefillRate: b.refillRate}
}

// Allow checks a unit-cost request.
func (b *Bucket) Allow() bool {
	res, _ := b.AllowN(1)
	return res.Allowed
}

// AllowN checks a request costing cost tokens. On success the tokens are
// consumed. On a denial the refilled balance is left untouched and the
// Result carries the reason and a retry hint.
func (b *Bucket) AllowN(cost float64) (Result, error) {
	if !isPositiveFinite(cost) {
		return Result{}, ErrInvalidCost
	}

	b.mu.Lock()
	now := b.clock.Now()
	var evs []Event

	if b.checkBlockLocked(now, &evs) {
		// Blocked requests are denied without touching tokens.
		res := Result{
			Tokens:     b.tokens,
			Cost:       cost,
			Reason:     ReasonBlocked,
			RetryAfter: b.blockUntil.Sub(now),
		}
		evs = append(evs, Event{Name: EventRateLimitExceeded, Timestamp: now, Data: ExceededData{
			Reason:     ReasonBlocked,
			Cost:       cost,
			Tokens:     b.tokens,
			RetryAfter: res.RetryAfter,
		}})
		b.mu.Unlock()
		b.flush(evs)
		return res, nil
	}

	b.refillLocked(now)

	if b.tokens >= cost {
		b.tokens -= cost
		res := Result{Allowed: true, Tokens: b.tokens, Cost: cost}
		evs = append(evs, Event{Name: EventAllowed, Timestamp: now, Data: AllowedData{
			Tokens: b.tokens,
			Cost:   cost,
		}})
		b.mu.Unlock()
		b.flush(evs)
		return res, nil
	}

	retry := RetryAfter(cost, b.tokens, b.refillRate)
	res := Result{
		Tokens:     b.tokens,
		Cost:       cost,
		Reason:     ReasonInsufficientTokens,
		RetryAfter: retry,
	}
	evs = append(evs, Event{Name: EventRateLimitExceeded, Timestamp: now, Data: ExceededData{
		Reason:     ReasonInsufficientTokens,
		Cost:       cost,
		Tokens:     b.tokens,
		RetryAfter: retry,
	}})
	b.mu.Unlock()
	b.flush(evs)
	return res, nil
}

// RetryAfter computes how long until deficit tokens accrue, rounded up to a
// whole millisecond.
func RetryAfter(cost, tokens, refillRate float64) time.Duration {
	ms := math.Ceil((cost - tokens) / refillRate * 1000)
	return time.Duration(ms) * time.Millisecond
}

// Penalty removes points tokens after a refill. There is no lower bound:
// the balance may go negative and must be earned back through refill or
// Reward. Returns the remaining balance.
func (b *Bucket) Penalty(points float64) (float64, error) {
	if !isPositiveFinite(points) {
		return 0, ErrInvalidPoints
	}

	b.mu.Lock()
	now := b.clock.Now()
	var evs []Event
	b.checkBlockLocked(now, &evs)
	b.refillLocked(now)

	before := b.tokens
	b.tokens -= points
	remaining := b.tokens
	evs = append(evs, Event{Name: EventPenalty, Timestamp: now, Data: PenaltyData{
		PenaltyApplied:  points,
		BeforePenalty:   before,
		RemainingTokens: remaining,
	}})
	b.mu.Unlock()
	b.flush(evs)
	return remaining, nil
}

// Reward adds points tokens after a refill, capped at capacity. Returns the
// remaining balance.
func (b *Bucket) Reward(points float64) (float64, error) {
	if !isPositiveFinite(points) {
		return 0, ErrInvalidPoints
	}

	b.mu.Lock()
	now := b.clock.Now()
	var evs []Event
	b.checkBlockLocked(now, &evs)
	b.refillLocked(now)

	before := b.tokens
	b.tokens = math.Min(b.capacity, b.tokens+points)
	remaining := b.tokens
	applied := remaining - before
	evs = append(evs, Event{Name: EventReward, Timestamp: now, Data: RewardData{
		RewardRequested:  points,
		RewardApplied:    applied,
		RemainingTokens:  remaining,
		CappedAtCapacity: applied < points,
	}})
	b.mu.Unlock()
	b.flush(evs)
	return remaining, nil
}

// Block denies all admission checks for the given duration, regardless of
// the token balance. Re-blocking overwrites the previous deadline (last
// write wins). Expiry is observed lazily by the next operation.
func (b *Bucket) Block(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidDuration
	}

	b.mu.Lock()
	now := b.clock.Now()
	b.blockUntil = now.Add(d)
	ev := Event{Name: EventBlocked, Timestamp: now, Data: BlockedData{
		BlockDuration: d,
		BlockUntil:    b.blockUntil,
	}}
	b.mu.Unlock()
	b.emitter.Emit(ev)
	return nil
}

// Unblock lifts an active block. It reports whether a block was actually
// lifted; an already-expired block counts as expired, not as manual.
func (b *Bucket) Unblock() bool {
	b.mu.Lock()
	now := b.clock.Now()
	var evs []Event
	blocked := b.checkBlockLocked(now, &evs)
	if blocked {
		b.blockUntil = time.Time{}
		evs = append(evs, Event{Name: EventUnblocked, Timestamp: now, Data: UnblockedData{
			Reason:     ReasonManual,
			WasBlocked: true,
		}})
	}
	b.mu.Unlock()
	b.flush(evs)
	return blocked
}

// IsBlocked reports whether the bucket is currently blocked. Observing an
// expired block clears it and fires unblocked{expired} exactly once.
func (b *Bucket) IsBlocked() bool {
	b.mu.Lock()
	now := b.clock.Now()
	var evs []Event
	blocked := b.checkBlockLocked(now, &evs)
	b.mu.Unlock()
	b.flush(evs)
	return blocked
}

// SetTokens overwrites the balance with a value in [0, capacity] and
// restarts the refill window.
func (b *Bucket) SetTokens(value float64) error {
	if math.IsNaN(value) || value < 0 || value > b.capacity {
		return ErrTokensOutOfRange
	}
	b.setTokens(value)
	return nil
}

// Reset refills the bucket to capacity and restarts the refill window.
func (b *Bucket) Reset() {
	b.setTokens(b.capacity)
}

func (b *Bucket) setTokens(value float64) {
	b.mu.Lock()
	now := b.clock.Now()
	old := b.tokens
	b.tokens = value
	b.lastRefillAt = now
	ev := Event{Name: EventReset, Timestamp: now, Data: ResetData{
		OldTokens: old,
		NewTokens: value,
		Capacity:  b.capacity,
	}}
	b.mu.Unlock()
	b.emitter.Emit(ev)
}

// Tokens returns the refilled balance.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	now := b.clock.Now()
	var evs []Event
	b.checkBlockLocked(now, &evs)
	b.refillLocked(now)
	tokens := b.tokens
	b.mu.Unlock()
	b.flush(evs)
	return tokens
}

// refillLocked applies the refill-and-check protocol: credit elapsed time at
// the refill rate, cap at capacity, restart the window. Must run before any
// token-affecting computation and must not be applied twice for one call.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefillAt).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	}
	b.lastRefillAt = now
}

// checkBlockLocked reports whether the bucket is blocked at now. An expired
// block is cleared here, appending the one-time unblocked{expired} event.
func (b *Bucket) checkBlockLocked(now time.Time, evs *[]Event) bool {
	if b.blockUntil.IsZero() {
		return false
	}
	if !now.Before(b.blockUntil) {
		b.blockUntil = time.Time{}
		*evs = append(*evs, Event{Name: EventUnblocked, Timestamp: now, Data: UnblockedData{
			Reason:     ReasonExpired,
			WasBlocked: true,
		}})
		return false
	}
	return true
}

func (b *Bucket) flush(evs []Event) {
	for _, ev := range evs {
		b.emitter.Emit(ev)
	}
}
