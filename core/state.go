package core

import (
	"math"
	"time"
)

// State is the basic bucket report returned by State().
type State struct {
	Capacity           float64
	RefillRate         float64
	AvailableTokens    int64 // whole tokens, floored; negative when in debt
	UtilizationPercent float64
}

// DetailedState extends State with timing and block information.
type DetailedState struct {
	State
	Tokens         float64 // exact balance
	TokensFull     bool
	TokensEmpty    bool
	TimeToFull     time.Duration // until the bucket refills completely
	NextRefillIn   time.Duration // until the next whole token accrues
	Blocked        bool
	BlockRemaining time.Duration
}

// State runs the refill protocol and returns the basic report.
func (b *Bucket) State() State {
	return b.DetailedState().State
}

// DetailedState runs the refill protocol and returns the full report.
func (b *Bucket) DetailedState() DetailedState {
	b.mu.Lock()
	now := b.clock.Now()
	var evs []Event
	blocked := b.checkBlockLocked(now, &evs)
	b.refillLocked(now)

	ds := DetailedState{
		State: State{
			Capacity:           b.capacity,
			RefillRate:         b.refillRate,
			AvailableTokens:    int64(math.Floor(b.tokens)),
			UtilizationPercent: (b.capacity - b.tokens) / b.capacity * 100,
		},
		Tokens:      b.tokens,
		TokensFull:  b.tokens >= b.capacity,
		TokensEmpty: b.tokens < 1,
		Blocked:     blocked,
	}
	if !ds.TokensFull {
		ds.TimeToFull = secondsToDuration((b.capacity - b.tokens) / b.refillRate)
		next := math.Floor(b.tokens) + 1
		if next > b.capacity {
			next = b.capacity
		}
		ds.NextRefillIn = secondsToDuration((next - b.tokens) / b.refillRate)
	}
	if blocked {
		ds.BlockRemaining = b.blockUntil.Sub(now)
	}
	b.mu.Unlock()
	b.flush(evs)
	return ds
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
