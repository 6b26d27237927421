package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yourusername/floodgate/core"
	"github.com/yourusername/floodgate/metrics"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_AllowsAndDenies(t *testing.T) {
	l, _ := testLocalLimiter(t, core.Config{Capacity: 2, RefillRate: 1})
	handler := NewRateLimiter(l).Middleware(okHandler())

	get := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "203.0.113.7:1"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	w := get()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", w.Header().Get("X-RateLimit-Limit"))
	}
	if w.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Errorf("X-RateLimit-Remaining = %q, want 1", w.Header().Get("X-RateLimit-Remaining"))
	}

	get()
	w = get()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 after the burst", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("denial body is not JSON: %v", err)
	}
	if body["error"] != "rate_limit_exceeded" || body["reason"] != core.ReasonInsufficientTokens {
		t.Errorf("body = %v", body)
	}
}

func TestRateLimiter_PerClientBudgets(t *testing.T) {
	l, _ := testLocalLimiter(t, core.Config{Capacity: 1, RefillRate: 1})
	handler := NewRateLimiter(l).Middleware(okHandler())

	get := func(addr string) int {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	if code := get("203.0.113.1:1"); code != http.StatusOK {
		t.Fatalf("first client first request: %d", code)
	}
	if code := get("203.0.113.1:1"); code != http.StatusTooManyRequests {
		t.Fatalf("first client second request: %d, want 429", code)
	}
	if code := get("203.0.113.2:1"); code != http.StatusOK {
		t.Fatalf("second client must have its own budget: %d", code)
	}
}

func TestRateLimiter_KeyExtractionFailure(t *testing.T) {
	l, _ := testLocalLimiter(t, core.Config{Capacity: 1, RefillRate: 1})
	handler := NewRateLimiter(l, WithKeyExtractor(ExtractHeader("X-API-Key"))).Middleware(okHandler())

	r := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 when the key cannot be extracted", w.Code)
	}
}

func TestRateLimiter_RecordsMetrics(t *testing.T) {
	l, _ := testLocalLimiter(t, core.Config{Capacity: 1, RefillRate: 1})
	stats := metrics.NewCollector()
	handler := NewRateLimiter(l, WithCollector(stats)).Middleware(okHandler())

	for i := 0; i < 3; i++ {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "203.0.113.7:1"
		handler.ServeHTTP(httptest.NewRecorder(), r)
	}

	snap := stats.Snapshot()
	if snap.TotalRequests != 3 || snap.AllowedRequests != 1 || snap.DeniedRequests != 2 {
		t.Errorf("requests = %d/%d/%d, want 3/1/2", snap.TotalRequests, snap.AllowedRequests, snap.DeniedRequests)
	}
	if snap.UniqueClients != 1 {
		t.Errorf("UniqueClients = %d, want 1", snap.UniqueClients)
	}
}

func TestRateLimiter_CustomCost(t *testing.T) {
	l, _ := testLocalLimiter(t, core.Config{Capacity: 10, RefillRate: 1})
	handler := NewRateLimiter(l, WithCost(5)).Middleware(okHandler())

	get := func() int {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "203.0.113.7:1"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	if get() != http.StatusOK || get() != http.StatusOK {
		t.Fatal("two requests at cost 5 fit in a 10-token bucket")
	}
	if get() != http.StatusTooManyRequests {
		t.Fatal("third request must exceed the budget")
	}
}

func TestRateLimiter_RetryAfterRoundsUp(t *testing.T) {
	// A sub-second wait still advertises Retry-After: 1.
	clk := core.NewManualClock(time.Unix(1_700_000_000, 0))
	l, err := NewLocalLimiter(core.Config{Capacity: 1, RefillRate: 4}, WithLocalClock(clk))
	if err != nil {
		t.Fatal(err)
	}
	handler := NewRateLimiter(l).Middleware(okHandler())

	for i := 0; i < 2; i++ {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "203.0.113.7:1"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if i == 1 {
			if w.Code != http.StatusTooManyRequests {
				t.Fatalf("status = %d, want 429", w.Code)
			}
			if w.Header().Get("Retry-After") != "1" {
				t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
			}
		}
	}
}
