package core

import (
	"sync"
	"time"
)

// EventName identifies one of the bucket event streams.
type EventName string

const (
	EventAllowed              EventName = "allowed"
	EventRateLimitExceeded    EventName = "rateLimitExceeded"
	EventPenalty              EventName = "penalty"
	EventReward               EventName = "reward"
	EventBlocked              EventName = "blocked"
	EventUnblocked            EventName = "unblocked"
	EventReset                EventName = "reset"
	EventStoreError           EventName = "redisError"
	EventInsuranceActivated   EventName = "insuranceActivated"
	EventInsuranceDeactivated EventName = "insuranceDeactivated"
)

// EventNames returns every event name a bucket can emit.
func EventNames() []EventName {
	return []EventName{
		EventAllowed,
		EventRateLimitExceeded,
		EventPenalty,
		EventReward,
		EventBlocked,
		EventUnblocked,
		EventReset,
		EventStoreError,
		EventInsuranceActivated,
		EventInsuranceDeactivated,
	}
}

// Source tells which decision path produced a distributed bucket event.
// Local bucket events leave it empty.
type Source string

const (
	SourceRedis     Source = "redis"
	SourceInsurance Source = "insurance"
)

// Reasons carried by rateLimitExceeded and unblocked payloads.
const (
	ReasonBlocked            = "blocked"
	ReasonInsufficientTokens = "insufficient_tokens"
	ReasonExpired            = "expired"
	ReasonManual             = "manual"
	ReasonStoreError         = "redis_error"
	ReasonStoreRecovered     = "redis_recovered"
)

// Event is the envelope delivered to listeners. Data holds one of the
// *Data payload types below, matching the event name.
type Event struct {
	Name      EventName
	Timestamp time.Time
	Source    Source
	Data      any
}

// AllowedData accompanies EventAllowed.
type AllowedData struct {
	Tokens float64 // tokens remaining after the request
	Cost   float64
}

// ExceededData accompanies EventRateLimitExceeded.
type ExceededData struct {
	Reason     string // ReasonBlocked or ReasonInsufficientTokens
	Cost       float64
	Tokens     float64
	RetryAfter time.Duration
}

// PenaltyData accompanies EventPenalty.
type PenaltyData struct {
	PenaltyApplied  float64
	BeforePenalty   float64
	RemainingTokens float64
}

// RewardData accompanies EventReward.
type RewardData struct {
	RewardRequested  float64
	RewardApplied    float64 // actual delta after the capacity cap
	RemainingTokens  float64
	CappedAtCapacity bool
}

// BlockedData accompanies EventBlocked.
type BlockedData struct {
	BlockDuration time.Duration
	BlockUntil    time.Time
}

// UnblockedData accompanies EventUnblocked.
type UnblockedData struct {
	Reason     string // ReasonExpired or ReasonManual
	WasBlocked bool
}

// ResetData accompanies EventReset.
type ResetData struct {
	OldTokens float64
	NewTokens float64
	Capacity  float64
}

// StoreErrorData accompanies EventStoreError.
type StoreErrorData struct {
	Operation string
	Err       error
	Key       string
}

// InsuranceActivatedData accompanies EventInsuranceActivated.
type InsuranceActivatedData struct {
	Reason              string
	FailureCount        int
	InsuranceCapacity   float64
	InsuranceRefillRate float64
}

// InsuranceDeactivatedData accompanies EventInsuranceDeactivated.
type InsuranceDeactivatedData struct {
	Reason string
}

// Listener receives events. Listeners run synchronously on the goroutine
// that performed the operation, in registration order, after the bucket has
// released its lock — so a listener may call back into the bucket.
type Listener func(Event)

type subscriber struct {
	id   int
	fn   Listener
	once bool
}

// Emitter keeps one subscriber list per event name and dispatches
// synchronously in registration order.
type Emitter struct {
	mu     sync.Mutex
	nextID int
	subs   map[EventName][]*subscriber
}

// NewEmitter creates an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[EventName][]*subscriber)}
}

// On registers a listener for the named event. The returned function
// unsubscribes it; calling it more than once is harmless.
func (e *Emitter) On(name EventName, fn Listener) func() {
	return e.subscribe(name, fn, false)
}

// Once registers a listener that is removed automatically after its first
// dispatch. The returned function unsubscribes it early.
func (e *Emitter) Once(name EventName, fn Listener) func() {
	return e.subscribe(name, fn, true)
}

func (e *Emitter) subscribe(name EventName, fn Listener, once bool) func() {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextID++
	sub := &subscriber{id: e.nextID, fn: fn, once: once}
	e.subs[name] = append(e.subs[name], sub)
	e.mu.Unlock()

	return func() { e.remove(name, sub.id) }
}

func (e *Emitter) remove(name EventName, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.subs[name]
	for i, sub := range list {
		if sub.id == id {
			e.subs[name] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit dispatches the event to its subscribers. One-shot subscribers are
// removed before their callback runs, so a listener registered with Once
// never fires twice even if it emits recursively.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	list := e.subs[ev.Name]
	fns := make([]Listener, 0, len(list))
	kept := list[:0]
	for _, sub := range list {
		fns = append(fns, sub.fn)
		if !sub.once {
			kept = append(kept, sub)
		}
	}
	e.subs[ev.Name] = kept
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// ListenerCount reports how many listeners are registered for an event.
func (e *Emitter) ListenerCount(name EventName) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs[name])
}
