package gin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/floodgate/core"
	"github.com/yourusername/floodgate/metrics"
	"github.com/yourusername/floodgate/middleware"
)

func testEngine(t *testing.T, cfg core.Config, opts Options) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	limiter, err := middleware.NewLocalLimiter(cfg)
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	r.Use(RateLimit(limiter, opts))
	r.GET("/data", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestRateLimit(t *testing.T) {
	engine := testEngine(t, core.Config{Capacity: 2, RefillRate: 1}, Options{})

	get := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest("GET", "/data", nil)
		r.RemoteAddr = "203.0.113.7:1"
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, r)
		return w
	}

	w := get()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", w.Header().Get("X-RateLimit-Limit"))
	}

	get()
	w = get()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 after the burst", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}
}

func TestRateLimit_CustomExtractorAndCollector(t *testing.T) {
	stats := metrics.NewCollector()
	engine := testEngine(t, core.Config{Capacity: 1, RefillRate: 1}, Options{
		Extractor: middleware.ExtractHeader("X-API-Key"),
		Collector: stats,
	})

	get := func(apiKey string) int {
		r := httptest.NewRequest("GET", "/data", nil)
		if apiKey != "" {
			r.Header.Set("X-API-Key", apiKey)
		}
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, r)
		return w.Code
	}

	if code := get(""); code != http.StatusBadRequest {
		t.Errorf("missing key: status = %d, want 400", code)
	}
	if code := get("k1"); code != http.StatusOK {
		t.Errorf("k1 first: status = %d, want 200", code)
	}
	if code := get("k1"); code != http.StatusTooManyRequests {
		t.Errorf("k1 second: status = %d, want 429", code)
	}
	if code := get("k2"); code != http.StatusOK {
		t.Errorf("k2 must have its own budget: status = %d", code)
	}

	snap := stats.Snapshot()
	if snap.TotalRequests != 3 || snap.UniqueClients != 2 {
		t.Errorf("metrics = %d requests / %d clients, want 3/2", snap.TotalRequests, snap.UniqueClients)
	}
}
