package distributed

import (
	"sync"
	"time"

	"github.com/yourusername/floodgate/core"
)

// Mode tells which path is serving a distributed bucket's decisions.
type Mode int

const (
	// ModePrimary means decisions run against the backing store.
	ModePrimary Mode = iota

	// ModeInsurance means the store is judged unreachable and decisions
	// run against the local insurance limiter.
	ModeInsurance
)

func (m Mode) String() string {
	if m == ModeInsurance {
		return "insurance"
	}
	return "primary"
}

// failoverController tracks consecutive store failures and owns the
// primary/insurance mode transitions. Transitions are edge-triggered: the
// first failure of an outage activates insurance, the first success after
// it deactivates, and repeats of either report false so each transition's
// event fires exactly once.
//
// The controller and its insurance bucket are private to one process; every
// process rides out an outage on its own.
type failoverController struct {
	mu                  sync.Mutex
	mode                Mode
	consecutiveFailures int
	lastSuccessAt       time.Time

	insurance    *core.Bucket
	insuranceCfg core.Config
}

func newFailoverController(insurance *core.Bucket) *failoverController {
	return &failoverController{
		insurance:    insurance,
		insuranceCfg: insurance.Config(),
	}
}

// onSuccess records a reachable store. On the first success after an outage
// it flips back to primary and resets the insurance bucket to full, so no
// insurance usage carries across outage boundaries.
func (f *failoverController) onSuccess(now time.Time) (recovered bool) {
	f.mu.Lock()
	recovered = f.mode == ModeInsurance
	f.mode = ModePrimary
	f.consecutiveFailures = 0
	f.lastSuccessAt = now
	f.mu.Unlock()

	if recovered {
		f.insurance.Reset()
	}
	return recovered
}

// onFailure counts a store failure. The first failure while primary flips
// to insurance mode.
func (f *failoverController) onFailure() (activated bool, failures int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.consecutiveFailures++
	if f.mode == ModePrimary {
		f.mode = ModeInsurance
		return true, f.consecutiveFailures
	}
	return false, f.consecutiveFailures
}

func (f *failoverController) currentMode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *failoverController) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consecutiveFailures
}

func (f *failoverController) lastSuccess() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSuccessAt
}
