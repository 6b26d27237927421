package distributed

import (
	"math"
	"time"

	"github.com/yourusername/floodgate/core"
)

// DefaultTTL is the expiry applied to bucket state keys. Idle keys vanish
// from the store on their own; the next request recreates a full bucket.
const DefaultTTL = 3600 * time.Second

// DefaultKeyPrefix namespaces every key a bucket writes.
const DefaultKeyPrefix = "floodgate:"

// Option configures a distributed Bucket.
type Option func(*Bucket) error

// WithTTL overrides the state key expiry. The TTL must be positive.
func WithTTL(ttl time.Duration) Option {
	return func(b *Bucket) error {
		if ttl <= 0 {
			return core.ErrInvalidDuration
		}
		b.ttl = ttl
		return nil
	}
}

// WithKeyPrefix overrides the key namespace prefix.
func WithKeyPrefix(prefix string) Option {
	return func(b *Bucket) error {
		b.prefix = prefix
		return nil
	}
}

// WithClock replaces the time source. Tests use this with core.ManualClock.
func WithClock(c core.Clock) Option {
	return func(b *Bucket) error {
		if c != nil {
			b.clock = c
		}
		return nil
	}
}

// WithLogger sets the logger for store failures and failover transitions.
func WithLogger(l core.Logger) Option {
	return func(b *Bucket) error {
		if l != nil {
			b.log = l
		}
		return nil
	}
}

// WithInsurance enables the local insurance limiter with the default
// configuration derived from the bucket: roughly a tenth of its capacity
// and refill rate. See DefaultInsuranceConfig.
func WithInsurance() Option {
	return func(b *Bucket) error {
		cfg := DefaultInsuranceConfig(b.cfg)
		b.insuranceCfg = &cfg
		return nil
	}
}

// WithInsuranceConfig enables the local insurance limiter with an explicit
// configuration.
func WithInsuranceConfig(cfg core.Config) Option {
	return func(b *Bucket) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		b.insuranceCfg = &cfg
		return nil
	}
}

// DefaultInsuranceConfig scales a bucket configuration down to the default
// insurance limiter: a tenth of the capacity (at least 1 token) and a tenth
// of the refill rate (at least 0.1 tokens per second). Deliberately
// conservative; during an outage every process runs its own insurance
// limiter, so the aggregate admitted rate multiplies by the instance count.
func DefaultInsuranceConfig(cfg core.Config) core.Config {
	return core.Config{
		Capacity:   math.Max(1, math.Ceil(cfg.Capacity*0.1)),
		RefillRate: math.Max(0.1, cfg.RefillRate*0.1),
	}
}
