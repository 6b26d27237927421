package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/yourusername/floodgate/core"
	"github.com/yourusername/floodgate/metrics"
)

// RateLimiter wraps HTTP handlers with per-client admission control.
type RateLimiter struct {
	limiter Limiter
	extract KeyExtractor
	cost    float64
	stats   *metrics.Collector
	log     core.Logger
}

// HTTPOption configures a RateLimiter.
type HTTPOption func(*RateLimiter)

// WithKeyExtractor sets how clients are identified. Default is
// ExtractIPWithProxy.
func WithKeyExtractor(extract KeyExtractor) HTTPOption {
	return func(rl *RateLimiter) {
		if extract != nil {
			rl.extract = extract
		}
	}
}

// WithCost sets the token cost charged per request. Default is 1.
func WithCost(cost float64) HTTPOption {
	return func(rl *RateLimiter) {
		if cost > 0 {
			rl.cost = cost
		}
	}
}

// WithCollector records every decision in the collector.
func WithCollector(c *metrics.Collector) HTTPOption {
	return func(rl *RateLimiter) { rl.stats = c }
}

// WithHTTPLogger sets the logger for limiter failures.
func WithHTTPLogger(l core.Logger) HTTPOption {
	return func(rl *RateLimiter) {
		if l != nil {
			rl.log = l
		}
	}
}

// NewRateLimiter creates HTTP middleware over the given limiter.
func NewRateLimiter(limiter Limiter, opts ...HTTPOption) *RateLimiter {
	rl := &RateLimiter{
		limiter: limiter,
		extract: ExtractIPWithProxy(),
		cost:    1,
		log:     core.NopLogger,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Middleware wraps next with admission control. Denials answer 429 with
// Retry-After; every response carries X-RateLimit-Limit and
// X-RateLimit-Remaining.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := rl.extract(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "key_extraction_failed",
				"could not identify the client")
			return
		}

		res, err := rl.limiter.AllowN(r.Context(), key, rl.cost)
		if err != nil {
			rl.log.Errorf("admission check failed for %s: %v", key, err)
			if errors.Is(err, core.ErrValidation) {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
			writeJSONError(w, http.StatusInternalServerError, "rate_limiter_error",
				"admission check failed")
			return
		}
		if rl.stats != nil {
			rl.stats.RecordRequest(key, res)
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", rl.limiter.Config().Capacity))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remainingTokens(res.Tokens)))

		if !res.Allowed {
			retrySec := int64(math.Ceil(res.RetryAfter.Seconds()))
			if retrySec < 1 {
				retrySec = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retrySec))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":        "rate_limit_exceeded",
				"reason":       res.Reason,
				"retryAfterMs": res.RetryAfter.Milliseconds(),
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func remainingTokens(tokens float64) int64 {
	if tokens < 0 {
		return 0
	}
	return int64(math.Floor(tokens))
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
