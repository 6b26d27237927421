package middleware

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourusername/floodgate/core"
)

// Config is the YAML-backed configuration for a rate limiting deployment:
// a default policy, per-route overrides, client identification and the
// optional Redis backend.
type Config struct {
	// Defaults applies to every route without an override.
	Defaults PolicyConfig `yaml:"defaults"`

	// Policies maps route paths to their own policies.
	Policies map[string]PolicyConfig `yaml:"policies,omitempty"`

	// KeyExtractor selects how clients are identified, in the syntax of
	// ParseKeyExtractor. Defaults to "ip-proxy".
	KeyExtractor string `yaml:"key_extractor,omitempty"`

	// CleanupAge is how long idle local buckets are kept, e.g. "1h".
	// "0" disables cleanup.
	CleanupAge string `yaml:"cleanup_age,omitempty"`

	// Redis enables the distributed backend when Addr is set.
	Redis RedisConfig `yaml:"redis,omitempty"`
}

// PolicyConfig is one admission policy.
type PolicyConfig struct {
	// Capacity is the maximum number of tokens (burst size).
	Capacity float64 `yaml:"capacity"`

	// RefillRate is the number of tokens added per second.
	RefillRate float64 `yaml:"refill_rate"`

	// Enabled turns admission control off for a route when false.
	Enabled bool `yaml:"enabled"`

	// Insurance enables the local fallback limiter for distributed
	// buckets.
	Insurance bool `yaml:"insurance,omitempty"`
}

// RedisConfig selects and parameterizes the Redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr,omitempty"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`

	// TTLSeconds is the expiry for idle bucket keys. Zero keeps the
	// default of one hour.
	TTLSeconds int `yaml:"ttl_seconds,omitempty"`
}

// NewConfig returns a configuration with usable defaults: 100-token burst
// refilling at 10/s, clients keyed by proxied IP.
func NewConfig() *Config {
	return &Config{
		Defaults: PolicyConfig{
			Capacity:   100,
			RefillRate: 10,
			Enabled:    true,
		},
		Policies:     make(map[string]PolicyConfig),
		KeyExtractor: "ip-proxy",
		CleanupAge:   "1h",
	}
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config file: %v", core.ErrConfiguration, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config file: %v", core.ErrConfiguration, err)
	}

	if cfg.KeyExtractor == "" {
		cfg.KeyExtractor = "ip-proxy"
	}
	if cfg.CleanupAge == "" {
		cfg.CleanupAge = "1h"
	}
	if cfg.Policies == nil {
		cfg.Policies = make(map[string]PolicyConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for route, policy := range c.Policies {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("policy %s: %w", route, err)
		}
	}
	if _, err := ParseKeyExtractor(c.KeyExtractor); err != nil {
		return err
	}
	if _, err := c.ParsedCleanupAge(); err != nil {
		return err
	}
	return nil
}

// Validate checks one policy. Disabled policies are not validated: a route
// with enabled: false needs no numbers.
func (p *PolicyConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	return p.BucketConfig().Validate()
}

// BucketConfig converts the policy to a bucket configuration.
func (p *PolicyConfig) BucketConfig() core.Config {
	return core.Config{Capacity: p.Capacity, RefillRate: p.RefillRate}
}

// PolicyFor returns the policy for a route, falling back to the defaults.
func (c *Config) PolicyFor(route string) PolicyConfig {
	if policy, ok := c.Policies[route]; ok {
		return policy
	}
	return c.Defaults
}

// SetPolicy installs a per-route policy.
func (c *Config) SetPolicy(route string, policy PolicyConfig) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	if c.Policies == nil {
		c.Policies = make(map[string]PolicyConfig)
	}
	c.Policies[route] = policy
	return nil
}

// ParsedCleanupAge parses the cleanup age. "0" yields zero, disabling
// cleanup.
func (c *Config) ParsedCleanupAge() (time.Duration, error) {
	if c.CleanupAge == "" || c.CleanupAge == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.CleanupAge)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: invalid cleanup_age %q", core.ErrConfiguration, c.CleanupAge)
	}
	return d, nil
}

// TTL returns the Redis key expiry.
func (r RedisConfig) TTL() time.Duration {
	if r.TTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(r.TTLSeconds) * time.Second
}
