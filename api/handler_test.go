package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yourusername/floodgate/core"
	"github.com/yourusername/floodgate/metrics"
	"github.com/yourusername/floodgate/middleware"
)

func testMux(t *testing.T, cfg core.Config) *http.ServeMux {
	t.Helper()
	clk := core.NewManualClock(time.Unix(1_700_000_000, 0))
	limiter, err := middleware.NewLocalLimiter(cfg, middleware.WithLocalClock(clk))
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	NewHandler(limiter, metrics.NewCollector(), nil).Register(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	var decoded map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response is not JSON: %v: %s", err, w.Body.String())
		}
	}
	return w, decoded
}

func TestHandler_Check(t *testing.T) {
	mux := testMux(t, core.Config{Capacity: 2, RefillRate: 1})

	w, body := doJSON(t, mux, "POST", "/api/v1/limiter/check", `{"client_id":"alice"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["allowed"] != true || body["remaining"].(float64) != 1 || body["limit"].(float64) != 2 {
		t.Errorf("body = %v", body)
	}

	doJSON(t, mux, "POST", "/api/v1/limiter/check", `{"client_id":"alice"}`)
	w, body = doJSON(t, mux, "POST", "/api/v1/limiter/check", `{"client_id":"alice"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 after the burst", w.Code)
	}
	if body["reason"] != "insufficient_tokens" {
		t.Errorf("reason = %v", body["reason"])
	}
	if body["retry_after_ms"].(float64) != 1000 {
		t.Errorf("retry_after_ms = %v, want 1000", body["retry_after_ms"])
	}

	// Other clients are unaffected.
	w, _ = doJSON(t, mux, "POST", "/api/v1/limiter/check", `{"client_id":"bob"}`)
	if w.Code != http.StatusOK {
		t.Errorf("bob: status = %d, want 200", w.Code)
	}
}

func TestHandler_Check_CustomCost(t *testing.T) {
	mux := testMux(t, core.Config{Capacity: 10, RefillRate: 1})

	w, body := doJSON(t, mux, "POST", "/api/v1/limiter/check", `{"client_id":"alice","cost":7.5}`)
	if w.Code != http.StatusOK || body["remaining"].(float64) != 2.5 {
		t.Errorf("status = %d, body = %v, want 2.5 remaining", w.Code, body)
	}

	w, body = doJSON(t, mux, "POST", "/api/v1/limiter/check", `{"client_id":"alice","cost":-1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative cost: status = %d, want 400", w.Code)
	}
	if body["error"] != "invalid_request" {
		t.Errorf("body = %v", body)
	}
}

func TestHandler_Check_Validation(t *testing.T) {
	mux := testMux(t, core.Config{Capacity: 2, RefillRate: 1})

	w, body := doJSON(t, mux, "POST", "/api/v1/limiter/check", `{}`)
	if w.Code != http.StatusBadRequest || body["error"] != "missing_client_id" {
		t.Errorf("status = %d, body = %v", w.Code, body)
	}

	w, _ = doJSON(t, mux, "POST", "/api/v1/limiter/check", `{bad json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad JSON: status = %d, want 400", w.Code)
	}

	r := httptest.NewRequest("GET", "/api/v1/limiter/check", nil)
	w2 := httptest.NewRecorder()
	mux.ServeHTTP(w2, r)
	if w2.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET check: status = %d, want 405", w2.Code)
	}
}

func TestHandler_PenaltyAndReward(t *testing.T) {
	mux := testMux(t, core.Config{Capacity: 10, RefillRate: 1})

	w, body := doJSON(t, mux, "POST", "/api/v1/limiter/penalty", `{"client_id":"alice","points":15}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["remaining"].(float64) != -5 {
		t.Errorf("remaining = %v, want -5 (debt)", body["remaining"])
	}

	w, body = doJSON(t, mux, "POST", "/api/v1/limiter/reward", `{"client_id":"alice","points":100}`)
	if w.Code != http.StatusOK || body["remaining"].(float64) != 10 {
		t.Errorf("reward: status = %d, remaining = %v, want capped at 10", w.Code, body["remaining"])
	}

	w, _ = doJSON(t, mux, "POST", "/api/v1/limiter/penalty", `{"client_id":"alice","points":0}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero points: status = %d, want 400", w.Code)
	}
}

func TestHandler_BlockUnblock(t *testing.T) {
	mux := testMux(t, core.Config{Capacity: 10, RefillRate: 1})

	w, _ := doJSON(t, mux, "POST", "/api/v1/limiter/block", `{"client_id":"alice","duration_ms":60000}`)
	if w.Code != http.StatusOK {
		t.Fatalf("block: status = %d, want 200", w.Code)
	}

	w, body := doJSON(t, mux, "POST", "/api/v1/limiter/check", `{"client_id":"alice"}`)
	if w.Code != http.StatusTooManyRequests || body["reason"] != "blocked" {
		t.Fatalf("status = %d, body = %v, want blocked denial", w.Code, body)
	}

	w, body = doJSON(t, mux, "POST", "/api/v1/limiter/unblock", `{"client_id":"alice"}`)
	if w.Code != http.StatusOK || body["was_blocked"] != true {
		t.Fatalf("unblock: status = %d, body = %v", w.Code, body)
	}

	w, _ = doJSON(t, mux, "POST", "/api/v1/limiter/check", `{"client_id":"alice"}`)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 after unblock", w.Code)
	}

	w, _ = doJSON(t, mux, "POST", "/api/v1/limiter/block", `{"client_id":"alice","duration_ms":0}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero duration: status = %d, want 400", w.Code)
	}
}

func TestHandler_State(t *testing.T) {
	mux := testMux(t, core.Config{Capacity: 10, RefillRate: 2})

	doJSON(t, mux, "POST", "/api/v1/limiter/check", `{"client_id":"alice","cost":4}`)
	w, body := doJSON(t, mux, "GET", "/api/v1/limiter/state?client_id=alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["tokens"].(float64) != 6 || body["available_tokens"].(float64) != 6 {
		t.Errorf("tokens = %v/%v, want 6", body["tokens"], body["available_tokens"])
	}
	if body["time_to_full_ms"].(float64) != 2000 {
		t.Errorf("time_to_full_ms = %v, want 2000", body["time_to_full_ms"])
	}

	w, _ = doJSON(t, mux, "GET", "/api/v1/limiter/state", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing client_id: status = %d, want 400", w.Code)
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	mux := testMux(t, core.Config{Capacity: 2, RefillRate: 1})

	w, body := doJSON(t, mux, "GET", "/api/v1/health", "")
	if w.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health: status = %d, body = %v", w.Code, body)
	}

	doJSON(t, mux, "POST", "/api/v1/limiter/check", `{"client_id":"alice"}`)
	doJSON(t, mux, "POST", "/api/v1/limiter/check", `{"client_id":"alice"}`)
	doJSON(t, mux, "POST", "/api/v1/limiter/check", `{"client_id":"alice"}`)

	w, body = doJSON(t, mux, "GET", "/api/v1/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d, want 200", w.Code)
	}
	if body["total_requests"].(float64) != 3 || body["denied_requests"].(float64) != 1 {
		t.Errorf("metrics = %v, want 3 total, 1 denied", body)
	}
}
