package store

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/yourusername/floodgate/core"
)

type memEntry struct {
	fields    map[string]string
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is an in-process Store. One mutex around each scripted
// operation gives the same atomicity Redis provides server-side, so it can
// stand in for Redis in tests and single-instance deployments. Expired
// records are dropped lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	clock   core.Clock
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock replaces the expiry time source, for deterministic tests.
func WithMemoryClock(c core.Clock) MemoryOption {
	return func(s *MemoryStore) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memEntry),
		clock:   core.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) TakeTokens(ctx context.Context, stateKey, blockKey string, capacity, refillRate, cost float64, now time.Time, ttl time.Duration) (TakeResult, error) {
	if err := ctx.Err(); err != nil {
		return TakeResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liveEntryLocked(blockKey) != nil {
		tokens := capacity
		if entry := s.liveEntryLocked(stateKey); entry != nil {
			tokens = fieldFloat(entry.fields, FieldTokens, capacity)
		}
		return TakeResult{Tokens: tokens, Now: now, Blocked: true}, nil
	}

	tokens := s.refillLocked(stateKey, capacity, refillRate, now)
	allowed := tokens >= cost
	if allowed {
		tokens -= cost
	}
	s.writeBucketLocked(stateKey, tokens, now, ttl)
	return TakeResult{Allowed: allowed, Tokens: tokens, Now: now}, nil
}

func (s *MemoryStore) AdjustTokens(ctx context.Context, stateKey string, capacity, refillRate, delta float64, now time.Time, ttl time.Duration) (AdjustResult, error) {
	if err := ctx.Err(); err != nil {
		return AdjustResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.refillLocked(stateKey, capacity, refillRate, now)
	after := math.Min(capacity, before+delta)
	s.writeBucketLocked(stateKey, after, now, ttl)
	return AdjustResult{Before: before, After: after}, nil
}

func (s *MemoryStore) ReadState(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.liveEntryLocked(key)
	if entry == nil {
		return nil, nil
	}
	out := make(map[string]string, len(entry.fields))
	for k, v := range entry.fields {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) WriteState(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.liveEntryLocked(key)
	if entry == nil {
		entry = &memEntry{fields: make(map[string]string)}
		s.entries[key] = entry
	}
	for k, v := range fields {
		entry.fields[k] = v
	}
	if ttl > 0 {
		entry.expiresAt = s.clock.Now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for _, key := range keys {
		if s.liveEntryLocked(key) != nil {
			removed++
		}
		delete(s.entries, key)
	}
	return removed, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Cleanup drops every expired record and reports how many were removed.
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for key, entry := range s.entries {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports how many live records the store holds.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	n := 0
	for _, entry := range s.entries {
		if entry.expiresAt.IsZero() || now.Before(entry.expiresAt) {
			n++
		}
	}
	return n
}

// liveEntryLocked returns the entry at key, dropping it first if expired.
func (s *MemoryStore) liveEntryLocked(key string) *memEntry {
	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && !s.clock.Now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return entry
}

// refillLocked mirrors the Lua scripts: a missing record is a full bucket,
// elapsed time credits tokens, capped at capacity.
func (s *MemoryStore) refillLocked(stateKey string, capacity, refillRate float64, now time.Time) float64 {
	entry := s.liveEntryLocked(stateKey)
	if entry == nil {
		return capacity
	}
	tokens := fieldFloat(entry.fields, FieldTokens, capacity)
	lastMs := fieldFloat(entry.fields, FieldLastRefillAt, float64(now.UnixMilli()))

	elapsed := (float64(now.UnixMilli()) - lastMs) / 1000.0
	if elapsed > 0 {
		tokens += elapsed * refillRate
	}
	return math.Min(capacity, tokens)
}

func (s *MemoryStore) writeBucketLocked(stateKey string, tokens float64, now time.Time, ttl time.Duration) {
	entry := s.entries[stateKey]
	if entry == nil {
		entry = &memEntry{fields: make(map[string]string)}
		s.entries[stateKey] = entry
	}
	entry.fields[FieldTokens] = strconv.FormatFloat(tokens, 'f', -1, 64)
	entry.fields[FieldLastRefillAt] = strconv.FormatInt(now.UnixMilli(), 10)
	if ttl > 0 {
		entry.expiresAt = s.clock.Now().Add(ttl)
	}
}

func fieldFloat(fields map[string]string, name string, fallback float64) float64 {
	raw, ok := fields[name]
	if !ok {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}
