package core

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// SnapshotVersion is the only wire version this codec understands. An
// unrecognized version is a hard validation error; there is no migration
// path.
const SnapshotVersion = 1

// Snapshot kind markers recorded in the metadata.
const (
	SnapshotKindLocal       = "LocalBucket"
	SnapshotKindDistributed = "DistributedBucket"
)

// SnapshotMetadata describes the origin of a snapshot.
type SnapshotMetadata struct {
	ClassName    string `json:"className"`
	SerializedAt int64  `json:"serializedAt"` // unix milliseconds
}

// Snapshot is the versioned wire record for bucket configuration and live
// state. It comes in two flavors: configuration-only (Tokens nil), used to
// reconnect a handle to an existing remote key, and full (Tokens set), used
// for backup, migration and persistence.
//
// Timestamps are unix milliseconds; BlockUntil zero means no block.
type Snapshot struct {
	Version      int              `json:"version"`
	Key          string           `json:"key,omitempty"`
	Capacity     float64          `json:"capacity"`
	RefillRate   float64          `json:"refillRate"`
	Tokens       *float64         `json:"tokens,omitempty"`
	LastRefillAt int64            `json:"lastRefillAt,omitempty"`
	BlockUntil   int64            `json:"blockUntil,omitempty"`
	Metadata     SnapshotMetadata `json:"metadata"`
}

// HasState reports whether the snapshot carries live numeric state.
func (s Snapshot) HasState() bool { return s.Tokens != nil }

// Validate checks every field. A snapshot that fails validation must not be
// imported, even partially. Note the token balance may be negative (debt);
// only the upper bound is enforced here. Store imports apply the stricter
// [0, capacity] range themselves.
func (s Snapshot) Validate() error {
	if s.Version != SnapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, s.Version)
	}
	if !isPositiveFinite(s.Capacity) {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidSnapshot)
	}
	if !isPositiveFinite(s.RefillRate) {
		return fmt.Errorf("%w: refill rate must be positive", ErrInvalidSnapshot)
	}
	if s.HasState() {
		tokens := *s.Tokens
		if math.IsNaN(tokens) || math.IsInf(tokens, 0) {
			return fmt.Errorf("%w: tokens must be finite", ErrInvalidSnapshot)
		}
		if tokens > s.Capacity {
			return fmt.Errorf("%w: tokens exceed capacity", ErrInvalidSnapshot)
		}
		if s.LastRefillAt < 0 {
			return fmt.Errorf("%w: lastRefillAt must not be negative", ErrInvalidSnapshot)
		}
	}
	if s.BlockUntil < 0 {
		return fmt.Errorf("%w: blockUntil must not be negative", ErrInvalidSnapshot)
	}
	return nil
}

// JSON serializes the snapshot.
func (s Snapshot) JSON() ([]byte, error) {
	return json.Marshal(s)
}

// ParseSnapshot decodes and validates a JSON snapshot.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Export captures the full live state after a refill.
func (b *Bucket) Export() Snapshot {
	b.mu.Lock()
	now := b.clock.Now()
	var evs []Event
	b.checkBlockLocked(now, &evs)
	b.refillLocked(now)

	tokens := b.tokens
	s := Snapshot{
		Version:      SnapshotVersion,
		Capacity:     b.capacity,
		RefillRate:   b.refillRate,
		Tokens:       &tokens,
		LastRefillAt: b.lastRefillAt.UnixMilli(),
		Metadata: SnapshotMetadata{
			ClassName:    SnapshotKindLocal,
			SerializedAt: now.UnixMilli(),
		},
	}
	if !b.blockUntil.IsZero() {
		s.BlockUntil = b.blockUntil.UnixMilli()
	}
	b.mu.Unlock()
	b.flush(evs)
	return s
}

// FromSnapshot builds a bucket from a snapshot. Every field is validated
// before anything is constructed; there is never a partially-built bucket.
// A configuration-only snapshot yields a fresh full bucket.
func FromSnapshot(s Snapshot, opts ...Option) (*Bucket, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	b, err := NewBucket(Config{Capacity: s.Capacity, RefillRate: s.RefillRate}, opts...)
	if err != nil {
		return nil, err
	}
	if s.HasState() {
		b.mu.Lock()
		b.tokens = *s.Tokens
		b.lastRefillAt = time.UnixMilli(s.LastRefillAt)
		if s.BlockUntil > 0 {
			b.blockUntil = time.UnixMilli(s.BlockUntil)
		}
		b.mu.Unlock()
	}
	return b, nil
}
