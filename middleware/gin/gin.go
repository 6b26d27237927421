// Package gin adapts the rate limiting middleware to the Gin framework.
package gin

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/floodgate/core"
	"github.com/yourusername/floodgate/metrics"
	"github.com/yourusername/floodgate/middleware"
)

// Options configures the Gin middleware. The zero value keys clients by
// gin's ClientIP and charges one token per request.
type Options struct {
	// Extractor overrides client identification. When nil, c.ClientIP()
	// is used, which already honors proxy headers configured on the
	// engine.
	Extractor middleware.KeyExtractor

	// Cost is the tokens charged per request. Values <= 0 mean 1.
	Cost float64

	// Collector, when set, records every decision.
	Collector *metrics.Collector
}

// RateLimit returns a Gin handler enforcing the limiter's policy per
// client. Denials abort with 429 and a Retry-After header.
func RateLimit(limiter middleware.Limiter, opts Options) gin.HandlerFunc {
	cost := opts.Cost
	if cost <= 0 {
		cost = 1
	}

	return func(c *gin.Context) {
		var key string
		if opts.Extractor != nil {
			var err error
			key, err = opts.Extractor(c.Request)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "key_extraction_failed",
					"message": "could not identify the client",
				})
				return
			}
		} else {
			key = "ip:" + c.ClientIP()
		}

		res, err := limiter.AllowN(c.Request.Context(), key, cost)
		if err != nil {
			if errors.Is(err, core.ErrValidation) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": err.Error(),
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "rate_limiter_error",
				"message": "admission check failed",
			})
			return
		}
		if opts.Collector != nil {
			opts.Collector.RecordRequest(key, res)
		}

		c.Header("X-RateLimit-Limit", formatWhole(limiter.Config().Capacity))
		c.Header("X-RateLimit-Remaining", formatWhole(math.Max(0, math.Floor(res.Tokens))))

		if !res.Allowed {
			retrySec := int64(math.Ceil(res.RetryAfter.Seconds()))
			if retrySec < 1 {
				retrySec = 1
			}
			c.Header("Retry-After", formatWhole(float64(retrySec)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":        "rate_limit_exceeded",
				"reason":       res.Reason,
				"retryAfterMs": res.RetryAfter.Milliseconds(),
			})
			return
		}

		c.Next()
	}
}

func formatWhole(v float64) string {
	return strconv.FormatInt(int64(v), 10)
}
