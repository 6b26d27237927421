// Package distributed implements a token bucket whose state lives in a
// shared store, so any number of processes enforce one budget per key.
// Every admission decision is a single scripted round trip; when the store
// is unreachable the bucket fails over to an optional local insurance
// limiter, or fails open.
package distributed

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/yourusername/floodgate/core"
	"github.com/yourusername/floodgate/store"
)

// Bucket is a handle onto one remote token bucket identified by key.
// Handles are cheap: the authoritative state is in the store, created on
// first use, and several handles (in one process or many) may share a key.
//
// All methods are safe for concurrent use.
type Bucket struct {
	key    string
	prefix string
	cfg    core.Config
	ttl    time.Duration

	st      store.Store
	clock   core.Clock
	log     core.Logger
	emitter *core.Emitter

	insuranceCfg *core.Config
	failover     *failoverController
}

// NewBucket creates a handle for key on st. The remote state is not touched
// until the first operation; a missing key behaves as a full bucket.
func NewBucket(st store.Store, key string, cfg core.Config, opts ...Option) (*Bucket, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store cannot be nil", core.ErrConfiguration)
	}
	if key == "" {
		return nil, core.ErrInvalidKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bucket{
		key:     key,
		prefix:  DefaultKeyPrefix,
		cfg:     cfg,
		ttl:     DefaultTTL,
		st:      st,
		clock:   core.SystemClock{},
		log:     core.NopLogger,
		emitter: core.NewEmitter(),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	if b.insuranceCfg != nil {
		insurance, err := core.NewBucket(*b.insuranceCfg, core.WithClock(b.clock))
		if err != nil {
			return nil, err
		}
		// Everything the insurance limiter emits resurfaces on this
		// bucket's emitter, tagged with its source.
		for _, name := range core.EventNames() {
			insurance.On(name, func(ev core.Event) {
				ev.Source = core.SourceInsurance
				b.emitter.Emit(ev)
			})
		}
		b.failover = newFailoverController(insurance)
	}
	return b, nil
}

// FromSnapshot creates a handle from a snapshot's key and configuration,
// reconnecting to whatever state the store holds for that key. Live state
// carried by a full snapshot is not written; use ImportState for that.
func FromSnapshot(st store.Store, s core.Snapshot, opts ...Option) (*Bucket, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Key == "" {
		return nil, core.ErrInvalidKey
	}
	return NewBucket(st, s.Key, core.Config{Capacity: s.Capacity, RefillRate: s.RefillRate}, opts...)
}

// Key returns the bucket key, without the store prefix.
func (b *Bucket) Key() string { return b.key }

// Config returns the bucket configuration.
func (b *Bucket) Config() core.Config { return b.cfg }

// Mode reports which path currently serves decisions. A bucket without an
// insurance limiter is always primary.
func (b *Bucket) Mode() Mode {
	if b.failover == nil {
		return ModePrimary
	}
	return b.failover.currentMode()
}

// ConsecutiveFailures reports the store failures seen since the last
// successful call.
func (b *Bucket) ConsecutiveFailures() int {
	if b.failover == nil {
		return 0
	}
	return b.failover.failureCount()
}

// On subscribes a listener to the named event. The returned function
// unsubscribes it.
func (b *Bucket) On(name core.EventName, fn core.Listener) func() {
	return b.emitter.On(name, fn)
}

// Once subscribes a listener that auto-unsubscribes after its first dispatch.
func (b *Bucket) Once(name core.EventName, fn core.Listener) func() {
	return b.emitter.Once(name, fn)
}

func (b *Bucket) stateKey() string { return b.prefix + b.key }
func (b *Bucket) blockKey() string { return b.prefix + b.key + ":block" }

// Allow checks a unit-cost request.
func (b *Bucket) Allow(ctx context.Context) (core.Result, error) {
	return b.AllowN(ctx, 1)
}

// AllowN checks a request costing cost tokens, in one store round trip. A
// store failure never fails the request: with an insurance limiter the
// decision comes from it, without one the request is allowed with
// Result.FailedOpen set.
func (b *Bucket) AllowN(ctx context.Context, cost float64) (core.Result, error) {
	if !(cost > 0) || math.IsInf(cost, 1) || math.IsNaN(cost) {
		return core.Result{}, core.ErrInvalidCost
	}

	now := b.clock.Now()
	taken, err := b.st.TakeTokens(ctx, b.stateKey(), b.blockKey(), b.cfg.Capacity, b.cfg.RefillRate, cost, now, b.ttl)
	if err != nil {
		return b.allowFallback(cost, now, "allow", err), nil
	}
	b.noteSuccess(now)

	if taken.Blocked {
		res := core.Result{
			Tokens: taken.Tokens,
			Cost:   cost,
			Reason: core.ReasonBlocked,
			Source: core.SourceRedis,
		}
		b.emit(core.EventRateLimitExceeded, now, core.ExceededData{
			Reason: core.ReasonBlocked,
			Cost:   cost,
			Tokens: taken.Tokens,
		})
		return res, nil
	}

	if taken.Allowed {
		res := core.Result{
			Allowed: true,
			Tokens:  taken.Tokens,
			Cost:    cost,
			Source:  core.SourceRedis,
		}
		b.emit(core.EventAllowed, now, core.AllowedData{Tokens: taken.Tokens, Cost: cost})
		return res, nil
	}

	retry := core.RetryAfter(cost, taken.Tokens, b.cfg.RefillRate)
	res := core.Result{
		Tokens:     taken.Tokens,
		Cost:       cost,
		Reason:     core.ReasonInsufficientTokens,
		RetryAfter: retry,
		Source:     core.SourceRedis,
	}
	b.emit(core.EventRateLimitExceeded, now, core.ExceededData{
		Reason:     core.ReasonInsufficientTokens,
		Cost:       cost,
		Tokens:     taken.Tokens,
		RetryAfter: retry,
	})
	return res, nil
}

// allowFallback decides a request the store could not.
func (b *Bucket) allowFallback(cost float64, now time.Time, op string, cause error) core.Result {
	if !b.noteFailure(op, now, cause) {
		// Fail open: availability over enforcement.
		return core.Result{
			Allowed:    true,
			Cost:       cost,
			Source:     core.SourceRedis,
			FailedOpen: true,
		}
	}
	res, _ := b.failover.insurance.AllowN(cost)
	res.Source = core.SourceInsurance
	return res
}

// Penalty removes points tokens from the remote balance, which may go
// negative. During an outage the penalty lands on the insurance limiter; if
// none is configured the store error surfaces.
func (b *Bucket) Penalty(ctx context.Context, points float64) (float64, error) {
	if !(points > 0) || math.IsInf(points, 1) || math.IsNaN(points) {
		return 0, core.ErrInvalidPoints
	}

	now := b.clock.Now()
	adj, err := b.st.AdjustTokens(ctx, b.stateKey(), b.cfg.Capacity, b.cfg.RefillRate, -points, now, b.ttl)
	if err != nil {
		if b.noteFailure("penalty", now, err) {
			return b.failover.insurance.Penalty(points)
		}
		return 0, storeErr("penalty", err)
	}
	b.noteSuccess(now)

	b.emit(core.EventPenalty, now, core.PenaltyData{
		PenaltyApplied:  points,
		BeforePenalty:   adj.Before,
		RemainingTokens: adj.After,
	})
	return adj.After, nil
}

// Reward returns points tokens to the remote balance, capped at capacity.
// During an outage the reward lands on the insurance limiter; if none is
// configured the store error surfaces.
func (b *Bucket) Reward(ctx context.Context, points float64) (float64, error) {
	if !(points > 0) || math.IsInf(points, 1) || math.IsNaN(points) {
		return 0, core.ErrInvalidPoints
	}

	now := b.clock.Now()
	adj, err := b.st.AdjustTokens(ctx, b.stateKey(), b.cfg.Capacity, b.cfg.RefillRate, points, now, b.ttl)
	if err != nil {
		if b.noteFailure("reward", now, err) {
			return b.failover.insurance.Reward(points)
		}
		return 0, storeErr("reward", err)
	}
	b.noteSuccess(now)

	applied := adj.After - adj.Before
	b.emit(core.EventReward, now, core.RewardData{
		RewardRequested:  points,
		RewardApplied:    applied,
		RemainingTokens:  adj.After,
		CappedAtCapacity: applied < points,
	})
	return adj.After, nil
}

// Block denies all admission for key across every process for the given
// duration. The block rides its own store key whose TTL is the duration, so
// expiry is the store's job and needs no timer anywhere. Block is an
// administrative write: a store failure always surfaces, it is never
// absorbed by the insurance limiter.
func (b *Bucket) Block(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return core.ErrInvalidDuration
	}

	now := b.clock.Now()
	until := now.Add(d)
	fields := map[string]string{
		store.FieldBlockUntil: strconv.FormatInt(until.UnixMilli(), 10),
	}
	if err := b.st.WriteState(ctx, b.blockKey(), fields, d); err != nil {
		b.noteFailure("block", now, err)
		return storeErr("block", err)
	}
	b.noteSuccess(now)

	b.emit(core.EventBlocked, now, core.BlockedData{BlockDuration: d, BlockUntil: until})
	return nil
}

// Unblock lifts an active block early. It reports whether a block was
// actually removed; a block that already expired through its TTL counts as
// not removed and emits nothing. Store failures surface, as with Block.
func (b *Bucket) Unblock(ctx context.Context) (bool, error) {
	now := b.clock.Now()
	removed, err := b.st.Delete(ctx, b.blockKey())
	if err != nil {
		b.noteFailure("unblock", now, err)
		return false, storeErr("unblock", err)
	}
	b.noteSuccess(now)

	if removed == 0 {
		return false, nil
	}
	b.emit(core.EventUnblocked, now, core.UnblockedData{
		Reason:     core.ReasonManual,
		WasBlocked: true,
	})
	return true, nil
}

// IsBlocked reports whether an explicit block is active for key.
func (b *Bucket) IsBlocked(ctx context.Context) (bool, error) {
	now := b.clock.Now()
	fields, err := b.st.ReadState(ctx, b.blockKey())
	if err != nil {
		b.noteFailure("isBlocked", now, err)
		return false, storeErr("isBlocked", err)
	}
	b.noteSuccess(now)
	return fields != nil, nil
}

// Tokens returns the refilled remote balance without consuming anything.
func (b *Bucket) Tokens(ctx context.Context) (float64, error) {
	st, err := b.State(ctx)
	if err != nil {
		return 0, err
	}
	return st.Tokens, nil
}

// State reads the remote state and reports it the way a local bucket would.
// The refill is computed client-side from the stored balance and timestamp;
// nothing is written.
func (b *Bucket) State(ctx context.Context) (core.DetailedState, error) {
	now := b.clock.Now()

	fields, err := b.st.ReadState(ctx, b.stateKey())
	if err != nil {
		b.noteFailure("state", now, err)
		return core.DetailedState{}, storeErr("state", err)
	}
	tokens, _ := b.remoteBalance(fields, now)

	blockFields, err := b.st.ReadState(ctx, b.blockKey())
	if err != nil {
		b.noteFailure("state", now, err)
		return core.DetailedState{}, storeErr("state", err)
	}
	b.noteSuccess(now)

	ds := core.DetailedState{
		State: core.State{
			Capacity:           b.cfg.Capacity,
			RefillRate:         b.cfg.RefillRate,
			AvailableTokens:    int64(math.Floor(tokens)),
			UtilizationPercent: (b.cfg.Capacity - tokens) / b.cfg.Capacity * 100,
		},
		Tokens:      tokens,
		TokensFull:  tokens >= b.cfg.Capacity,
		TokensEmpty: tokens < 1,
	}
	if !ds.TokensFull {
		ds.TimeToFull = time.Duration((b.cfg.Capacity - tokens) / b.cfg.RefillRate * float64(time.Second))
		next := math.Floor(tokens) + 1
		if next > b.cfg.Capacity {
			next = b.cfg.Capacity
		}
		ds.NextRefillIn = time.Duration((next - tokens) / b.cfg.RefillRate * float64(time.Second))
	}
	if blockFields != nil {
		ds.Blocked = true
		if raw, ok := blockFields[store.FieldBlockUntil]; ok {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				if rem := time.UnixMilli(ms).Sub(now); rem > 0 {
					ds.BlockRemaining = rem
				}
			}
		}
	}
	return ds, nil
}

// ExportState captures a snapshot of the remote state. On a store failure
// it returns a configuration-only snapshot alongside the error, so a caller
// can still persist enough to reconnect later.
func (b *Bucket) ExportState(ctx context.Context) (core.Snapshot, error) {
	now := b.clock.Now()
	snap := core.Snapshot{
		Version:    core.SnapshotVersion,
		Key:        b.key,
		Capacity:   b.cfg.Capacity,
		RefillRate: b.cfg.RefillRate,
		Metadata: core.SnapshotMetadata{
			ClassName:    core.SnapshotKindDistributed,
			SerializedAt: now.UnixMilli(),
		},
	}

	fields, err := b.st.ReadState(ctx, b.stateKey())
	if err != nil {
		b.noteFailure("exportState", now, err)
		return snap, storeErr("exportState", err)
	}
	tokens, lastRefillAt := b.remoteBalance(fields, now)
	snap.Tokens = &tokens
	snap.LastRefillAt = lastRefillAt.UnixMilli()

	blockFields, err := b.st.ReadState(ctx, b.blockKey())
	if err != nil {
		b.noteFailure("exportState", now, err)
		return core.Snapshot{
			Version:    snap.Version,
			Key:        snap.Key,
			Capacity:   snap.Capacity,
			RefillRate: snap.RefillRate,
			Metadata:   snap.Metadata,
		}, storeErr("exportState", err)
	}
	b.noteSuccess(now)

	if blockFields != nil {
		if raw, ok := blockFields[store.FieldBlockUntil]; ok {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > now.UnixMilli() {
				snap.BlockUntil = ms
			}
		}
	}
	return snap, nil
}

// ImportState writes a full snapshot's state to the store, replacing
// whatever is there. The snapshot must validate and its balance must lie in
// [0, capacity]; nothing is written otherwise. Like Block, this is an
// administrative write and store failures always surface.
func (b *Bucket) ImportState(ctx context.Context, s core.Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if !s.HasState() {
		return fmt.Errorf("%w: snapshot carries no state", core.ErrInvalidSnapshot)
	}
	if *s.Tokens < 0 {
		return fmt.Errorf("%w: tokens must not be negative", core.ErrInvalidSnapshot)
	}
	if *s.Tokens > b.cfg.Capacity {
		return fmt.Errorf("%w: tokens exceed capacity", core.ErrInvalidSnapshot)
	}

	now := b.clock.Now()
	fields := map[string]string{
		store.FieldTokens:       strconv.FormatFloat(*s.Tokens, 'f', -1, 64),
		store.FieldLastRefillAt: strconv.FormatInt(s.LastRefillAt, 10),
	}
	if err := b.st.WriteState(ctx, b.stateKey(), fields, b.ttl); err != nil {
		b.noteFailure("importState", now, err)
		return storeErr("importState", err)
	}

	if until := time.UnixMilli(s.BlockUntil); s.BlockUntil > 0 && until.After(now) {
		blockFields := map[string]string{
			store.FieldBlockUntil: strconv.FormatInt(s.BlockUntil, 10),
		}
		if err := b.st.WriteState(ctx, b.blockKey(), blockFields, until.Sub(now)); err != nil {
			b.noteFailure("importState", now, err)
			return storeErr("importState", err)
		}
	}
	b.noteSuccess(now)
	return nil
}

// remoteBalance computes the refilled balance from stored fields the same
// way the store scripts do. A missing record is a full bucket.
func (b *Bucket) remoteBalance(fields map[string]string, now time.Time) (float64, time.Time) {
	if fields == nil {
		return b.cfg.Capacity, now
	}
	tokens := b.cfg.Capacity
	if raw, ok := fields[store.FieldTokens]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			tokens = v
		}
	}
	last := now
	if raw, ok := fields[store.FieldLastRefillAt]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			last = time.UnixMilli(ms)
		}
	}
	elapsed := now.Sub(last).Seconds()
	if elapsed > 0 {
		tokens += elapsed * b.cfg.RefillRate
	}
	return math.Min(b.cfg.Capacity, tokens), last
}

// noteSuccess records a reachable store and fires the recovery transition
// when it ends an outage.
func (b *Bucket) noteSuccess(now time.Time) {
	if b.failover == nil {
		return
	}
	if b.failover.onSuccess(now) {
		b.log.Debugf("store recovered for key %s, leaving insurance mode", b.key)
		b.emit(core.EventInsuranceDeactivated, now, core.InsuranceDeactivatedData{
			Reason: core.ReasonStoreRecovered,
		})
	}
}

// noteFailure records a store failure and reports whether the insurance
// limiter is available to take over. The first failure of an outage fires
// the activation transition.
func (b *Bucket) noteFailure(op string, now time.Time, cause error) bool {
	b.log.Errorf("store %s failed for key %s: %v", op, b.key, cause)
	b.emit(core.EventStoreError, now, core.StoreErrorData{
		Operation: op,
		Err:       cause,
		Key:       b.key,
	})

	if b.failover == nil {
		return false
	}
	activated, failures := b.failover.onFailure()
	if activated {
		cfg := b.failover.insuranceCfg
		b.log.Errorf("entering insurance mode for key %s after %d failure(s)", b.key, failures)
		b.emitAs(core.EventInsuranceActivated, now, core.SourceInsurance, core.InsuranceActivatedData{
			Reason:              core.ReasonStoreError,
			FailureCount:        failures,
			InsuranceCapacity:   cfg.Capacity,
			InsuranceRefillRate: cfg.RefillRate,
		})
	}
	return true
}

func (b *Bucket) emit(name core.EventName, now time.Time, data any) {
	b.emitAs(name, now, core.SourceRedis, data)
}

func (b *Bucket) emitAs(name core.EventName, now time.Time, src core.Source, data any) {
	b.emitter.Emit(core.Event{Name: name, Timestamp: now, Source: src, Data: data})
}

func storeErr(op string, cause error) error {
	return fmt.Errorf("%w: %s: %v", core.ErrStore, op, cause)
}
