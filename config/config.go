// Package config loads redisrate settings from YAML.
package config

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalfence/redisrate"
	"github.com/signalfence/redisrate/core"
	"github.com/signalfence/redisrate/middleware"
	"github.com/signalfence/redisrate/store"
)

// Redis client implementations selectable with redis.client.
const (
	ClientGoRedis = "go-redis"
	ClientRueidis = "rueidis"
)

// DefaultPolicyName scopes keys limited by the default policy.
const DefaultPolicyName = "default"

// Config holds everything needed to run a limiter and its HTTP surface.
type Config struct {
	Redis   RedisConfig   `yaml:"redis"`
	Limiter LimiterConfig `yaml:"limiter"`
	Server  ServerConfig  `yaml:"server"`

	// Defaults apply to every route without its own policy
	Defaults PolicyConfig `yaml:"defaults"`

	// Policies maps route paths to their limits
	// Example: "/api/login" -> strict policy, "/api/search" -> lenient policy
	Policies map[string]PolicyConfig `yaml:"policies,omitempty"`

	// KeyExtractor identifies clients, see middleware.ParseKeyExtractor
	// Examples: "ip", "header:X-API-Key", "header:X-API-Key | ip"
	KeyExtractor string `yaml:"key_extractor,omitempty"`

	// OnError is "closed" (reject with 503) or "open" (let through) when
	// Redis is unavailable
	OnError string `yaml:"on_error,omitempty"`

	defaultLimit core.Limit
	limits       map[string]core.Limit
}

// RedisConfig describes the shared store.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password,omitempty"`
	DB          int    `yaml:"db,omitempty"`
	Prefix      string `yaml:"prefix,omitempty"`
	ServerClock bool   `yaml:"server_clock,omitempty"`
	Client      string `yaml:"client,omitempty"` // go-redis (default) or rueidis
}

// LimiterConfig mirrors the redisrate.Limiter options.
type LimiterConfig struct {
	Channel       string        `yaml:"channel,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
	Acceleration  *bool         `yaml:"acceleration,omitempty"`
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
}

// AccelerationEnabled reports whether the local cache is on (default true).
func (l LimiterConfig) AccelerationEnabled() bool {
	return l.Acceleration == nil || *l.Acceleration
}

// ServerConfig is used by `redisrate serve`.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// PolicyConfig is a limit in config form: Rate requests per Period with
// bursts of up to Burst. Burst defaults to Rate.
type PolicyConfig struct {
	Rate     int64         `yaml:"rate"`
	Burst    int64         `yaml:"burst,omitempty"`
	Period   time.Duration `yaml:"period"`
	Disabled bool          `yaml:"disabled,omitempty"`
}

// Limit validates p and converts it.
func (p PolicyConfig) Limit() (core.Limit, error) {
	burst := p.Burst
	if burst == 0 {
		burst = p.Rate
	}
	return core.NewLimit(p.Rate, burst, p.Period)
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	c := &Config{
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: store.DefaultPrefix,
			Client: ClientGoRedis,
		},
		Limiter: LimiterConfig{
			Channel:       redisrate.DefaultChannel,
			Timeout:       redisrate.DefaultTimeout,
			SweepInterval: time.Minute,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Defaults: PolicyConfig{
			Rate:   100,
			Burst:  100,
			Period: time.Minute,
		},
		Policies:     make(map[string]PolicyConfig),
		KeyExtractor: "ip",
		OnError:      "closed",
	}
	if err := c.Validate(); err != nil {
		panic(err)
	}
	return c
}

// LoadFile reads and validates a YAML config file. Missing fields keep
// their Default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", redisrate.ErrInvalidConfig, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %w", redisrate.ErrInvalidConfig, err)
	}
	if c.Policies == nil {
		c.Policies = make(map[string]PolicyConfig)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every field and resolves policies into limits, so that a
// bad burst or period fails here rather than on the first request.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required", redisrate.ErrInvalidConfig)
	}
	switch c.Redis.Client {
	case "", ClientGoRedis, ClientRueidis:
	default:
		return fmt.Errorf("%w: redis.client must be %q or %q, got %q",
			redisrate.ErrInvalidConfig, ClientGoRedis, ClientRueidis, c.Redis.Client)
	}
	if c.Limiter.Channel == "" {
		return fmt.Errorf("%w: limiter.channel cannot be empty", redisrate.ErrInvalidConfig)
	}
	if c.Limiter.Timeout < 0 || c.Limiter.SweepInterval < 0 {
		return fmt.Errorf("%w: limiter durations cannot be negative", redisrate.ErrInvalidConfig)
	}
	if _, err := middleware.ParseKeyExtractor(c.KeyExtractor); err != nil {
		return fmt.Errorf("%w: %w", redisrate.ErrInvalidConfig, err)
	}
	if _, err := middleware.ParseFailureMode(c.OnError); err != nil {
		return fmt.Errorf("%w: %w", redisrate.ErrInvalidConfig, err)
	}

	defaultLimit, err := c.Defaults.Limit()
	if err != nil {
		return fmt.Errorf("%w: invalid defaults: %w", redisrate.ErrInvalidConfig, err)
	}

	limits := make(map[string]core.Limit, len(c.Policies))
	for route, policy := range c.Policies {
		if policy.Disabled {
			continue
		}
		limit, err := policy.Limit()
		if err != nil {
			return fmt.Errorf("%w: invalid policy for route %s: %w", redisrate.ErrInvalidConfig, route, err)
		}
		limits[route] = limit
	}

	c.defaultLimit = defaultLimit
	c.limits = limits
	return nil
}

// Policy returns the policy for route, falling back to the defaults. The
// second value is false when limiting is disabled for the route.
func (c *Config) Policy(route string) (middleware.Policy, bool) {
	if policy, ok := c.Policies[route]; ok {
		return middleware.Policy{Name: route, Limit: c.limits[route]}, !policy.Disabled
	}
	return middleware.Policy{Name: DefaultPolicyName, Limit: c.defaultLimit}, !c.Defaults.Disabled
}

// DefaultLimit returns the resolved defaults policy.
func (c *Config) DefaultLimit() core.Limit {
	return c.defaultLimit
}

// SetPolicy validates and sets the policy for route.
func (c *Config) SetPolicy(route string, policy PolicyConfig) error {
	var limit core.Limit
	if !policy.Disabled {
		var err error
		if limit, err = policy.Limit(); err != nil {
			return fmt.Errorf("%w: %w", redisrate.ErrInvalidConfig, err)
		}
	}
	if c.Policies == nil {
		c.Policies = make(map[string]PolicyConfig)
	}
	if c.limits == nil {
		c.limits = make(map[string]core.Limit)
	}
	c.Policies[route] = policy
	c.limits[route] = limit
	return nil
}

// Routes lists the routes with their own policy, sorted.
func (c *Config) Routes() []string {
	routes := make([]string, 0, len(c.Policies))
	for route := range c.Policies {
		routes = append(routes, route)
	}
	sort.Strings(routes)
	return routes
}

// PolicyFunc adapts the route policies for the middleware, matching on the
// request path.
func (c *Config) PolicyFunc() middleware.PolicyFunc {
	return func(r *http.Request) (middleware.Policy, bool) {
		return c.Policy(r.URL.Path)
	}
}

// LimiterOptions converts the limiter section into redisrate options.
func (c *Config) LimiterOptions() []redisrate.Option {
	return []redisrate.Option{
		redisrate.WithChannel(c.Limiter.Channel),
		redisrate.WithTimeout(c.Limiter.Timeout),
		redisrate.WithAcceleration(c.Limiter.AccelerationEnabled()),
	}
}

// StoreOptions converts the redis section into store options.
func (c *Config) StoreOptions() []store.RedisOption {
	opts := []store.RedisOption{store.WithPrefix(c.Redis.Prefix)}
	if c.Redis.ServerClock {
		opts = append(opts, store.WithServerClock())
	}
	return opts
}
