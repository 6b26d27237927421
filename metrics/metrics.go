// Package metrics aggregates bucket events and admission results into
// counters that the API server exposes as JSON.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/floodgate/core"
)

// Collector tracks admission statistics. It can be fed two ways: Observe
// consumes bucket events (use Attach to subscribe it to a bucket), and
// RecordRequest consumes per-client decisions from the middleware layer.
type Collector struct {
	totalRequests   atomic.Int64
	allowedRequests atomic.Int64
	deniedRequests  atomic.Int64
	blockedDenials  atomic.Int64

	penalties       atomic.Int64
	rewards         atomic.Int64
	storeErrors     atomic.Int64
	failOpenAllows  atomic.Int64
	insuranceEvents atomic.Int64

	mu          sync.RWMutex
	clientStats map[string]*ClientStats
	startTime   time.Time
}

// ClientStats tracks statistics for a specific client key.
type ClientStats struct {
	ClientID        string    `json:"client_id"`
	TotalRequests   int64     `json:"total_requests"`
	AllowedRequests int64     `json:"allowed_requests"`
	DeniedRequests  int64     `json:"denied_requests"`
	FirstRequestAt  time.Time `json:"first_request_at"`
	LastRequestAt   time.Time `json:"last_request_at"`
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		clientStats: make(map[string]*ClientStats),
		startTime:   time.Now(),
	}
}

// eventSource is anything that exposes the bucket subscription surface.
type eventSource interface {
	On(name core.EventName, fn core.Listener) func()
}

// Attach subscribes Observe to every event the source emits. The returned
// function detaches everything.
func (c *Collector) Attach(src eventSource) func() {
	disposers := make([]func(), 0, len(core.EventNames()))
	for _, name := range core.EventNames() {
		disposers = append(disposers, src.On(name, c.Observe))
	}
	return func() {
		for _, dispose := range disposers {
			dispose()
		}
	}
}

// Observe consumes one bucket event. It is a core.Listener.
func (c *Collector) Observe(ev core.Event) {
	switch ev.Name {
	case core.EventAllowed:
		c.totalRequests.Add(1)
		c.allowedRequests.Add(1)
	case core.EventRateLimitExceeded:
		c.totalRequests.Add(1)
		c.deniedRequests.Add(1)
		if data, ok := ev.Data.(core.ExceededData); ok && data.Reason == core.ReasonBlocked {
			c.blockedDenials.Add(1)
		}
	case core.EventPenalty:
		c.penalties.Add(1)
	case core.EventReward:
		c.rewards.Add(1)
	case core.EventStoreError:
		c.storeErrors.Add(1)
	case core.EventInsuranceActivated, core.EventInsuranceDeactivated:
		c.insuranceEvents.Add(1)
	}
}

// RecordRequest records a per-client decision made by the middleware layer.
func (c *Collector) RecordRequest(clientID string, res core.Result) {
	c.totalRequests.Add(1)
	if res.Allowed {
		c.allowedRequests.Add(1)
		if res.FailedOpen {
			c.failOpenAllows.Add(1)
		}
	} else {
		c.deniedRequests.Add(1)
		if res.Reason == core.ReasonBlocked {
			c.blockedDenials.Add(1)
		}
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.clientStats[clientID]
	if !ok {
		stats = &ClientStats{ClientID: clientID, FirstRequestAt: now}
		c.clientStats[clientID] = stats
	}
	stats.TotalRequests++
	if res.Allowed {
		stats.AllowedRequests++
	} else {
		stats.DeniedRequests++
	}
	stats.LastRequestAt = now
}

// Snapshot is a point-in-time view of the collector.
type Snapshot struct {
	TotalRequests   int64 `json:"total_requests"`
	AllowedRequests int64 `json:"allowed_requests"`
	DeniedRequests  int64 `json:"denied_requests"`
	BlockedDenials  int64 `json:"blocked_denials"`

	Penalties       int64 `json:"penalties"`
	Rewards         int64 `json:"rewards"`
	StoreErrors     int64 `json:"store_errors"`
	FailOpenAllows  int64 `json:"fail_open_allows"`
	InsuranceEvents int64 `json:"insurance_events"`

	UniqueClients int64          `json:"unique_clients"`
	TopClients    []*ClientStats `json:"top_clients,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     time.Time      `json:"start_time"`
}

// Snapshot copies the current counters. Per-client stats are trimmed to the
// ten busiest clients.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	topClients := make([]*ClientStats, 0, len(c.clientStats))
	for _, stats := range c.clientStats {
		copied := *stats
		topClients = append(topClients, &copied)
	}
	sort.Slice(topClients, func(i, j int) bool {
		return topClients[i].TotalRequests > topClients[j].TotalRequests
	})
	if len(topClients) > 10 {
		topClients = topClients[:10]
	}

	return Snapshot{
		TotalRequests:   c.totalRequests.Load(),
		AllowedRequests: c.allowedRequests.Load(),
		DeniedRequests:  c.deniedRequests.Load(),
		BlockedDenials:  c.blockedDenials.Load(),
		Penalties:       c.penalties.Load(),
		Rewards:         c.rewards.Load(),
		StoreErrors:     c.storeErrors.Load(),
		FailOpenAllows:  c.failOpenAllows.Load(),
		InsuranceEvents: c.insuranceEvents.Load(),
		UniqueClients:   int64(len(c.clientStats)),
		TopClients:      topClients,
		UptimeSeconds:   int64(time.Since(c.startTime).Seconds()),
		StartTime:       c.startTime,
	}
}
