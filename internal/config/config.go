// Package config loads and validates enrichment service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Blocking  BlockingConfig  `mapstructure:"blocking"`
	Store     StoreConfig     `mapstructure:"store"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Sources   SourcesConfig   `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int    `mapstructure:"port"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
	APIKey                 string `mapstructure:"api_key"`
	RequestTimeoutSeconds  int    `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SchedulerConfig governs batching and concurrency.
type SchedulerConfig struct {
	BatchSize            int  `mapstructure:"batch_size"`
	MaxConcurrentBatches int  `mapstructure:"max_concurrent_batches"`
	ItemConcurrency      int  `mapstructure:"item_concurrency"`
	BrowserHeavy         bool `mapstructure:"browser_heavy"`
}

// PipelineConfig toggles pipeline phases.
type PipelineConfig struct {
	Phase2Enabled         bool   `mapstructure:"phase2_enabled"`
	Phase2DependsOn       string `mapstructure:"phase2_depends_on"`
	Phase2Field           string `mapstructure:"phase2_field"`
	DefaultTimeoutSeconds int    `mapstructure:"default_timeout_seconds"`
}

// RateLimitConfig holds the default limiter settings and per-source overrides.
type RateLimitConfig struct {
	Default LimitConfig            `mapstructure:"default"`
	Sources map[string]LimitConfig `mapstructure:"sources"`
}

// LimitConfig configures one source's limiter. Zero values inherit the default.
type LimitConfig struct {
	PerSecond                 int `mapstructure:"per_second"`
	PerMinute                 int `mapstructure:"per_minute"`
	CooldownBaseSeconds       int `mapstructure:"cooldown_base_seconds"`
	BackoffCap                int `mapstructure:"backoff_cap"`
	MaxCooldownSeconds        int `mapstructure:"max_cooldown_seconds"`
	ServerErrorStepSeconds    int `mapstructure:"server_error_step_seconds"`
	ServerErrorMaxSeconds     int `mapstructure:"server_error_max_seconds"`
	ServerErrorThreshold      int `mapstructure:"server_error_threshold"`
	ServerDownCooldownSeconds int `mapstructure:"server_down_cooldown_seconds"`
}

// CacheConfig selects the result cache TTL and snapshot backend.
type CacheConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	TTLSeconds          int    `mapstructure:"ttl_seconds"`
	Backend             string `mapstructure:"backend"`
	Path                string `mapstructure:"path"`
	Bucket              string `mapstructure:"bucket"`
	Object              string `mapstructure:"object"`
	RedisAddr           string `mapstructure:"redis_addr"`
	RedisPassword       string `mapstructure:"redis_password"`
	RedisDB             int    `mapstructure:"redis_db"`
	RedisKey            string `mapstructure:"redis_key"`
	SaveIntervalSeconds int    `mapstructure:"save_interval_seconds"`
}

// WatchdogConfig controls session recovery sweeps.
type WatchdogConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	InactivitySeconds int  `mapstructure:"inactivity_seconds"`
	IntervalSeconds   int  `mapstructure:"interval_seconds"`
}

// BlockingConfig sizes the pool used by blocking source adapters.
type BlockingConfig struct {
	Workers   int    `mapstructure:"workers"`
	QueueSize int    `mapstructure:"queue_size"`
	Policy    string `mapstructure:"policy"`
}

// StoreConfig selects the persistent store.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// NotifyConfig selects where session-finalized events are published.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SourcesConfig configures the bundled source adapters.
type SourcesConfig struct {
	Places   PlacesConfig   `mapstructure:"places"`
	Website  WebsiteConfig  `mapstructure:"website"`
	Headless HeadlessConfig `mapstructure:"headless"`
}

// PlacesConfig configures the place-lookup JSON API adapter.
type PlacesConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Cacheable      bool   `mapstructure:"cacheable"`
}

// WebsiteConfig configures the phase-2 website adapter.
type WebsiteConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
	Cacheable      bool   `mapstructure:"cacheable"`
}

// HeadlessConfig configures the browser-backed portal adapter.
type HeadlessConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Name           string `mapstructure:"name"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	Cacheable      bool   `mapstructure:"cacheable"`
	// SearchURL is used when an item has no endpoint for this source. The
	// literal {query} is replaced with the escaped item name and address.
	SearchURL string            `mapstructure:"search_url"`
	Selectors map[string]string `mapstructure:"selectors"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("scheduler.max_concurrent_batches", 4)
	v.SetDefault("scheduler.item_concurrency", 4)
	v.SetDefault("scheduler.browser_heavy", false)
	v.SetDefault("pipeline.phase2_enabled", true)
	v.SetDefault("pipeline.phase2_depends_on", "places")
	v.SetDefault("pipeline.phase2_field", "website")
	v.SetDefault("pipeline.default_timeout_seconds", 90)
	v.SetDefault("ratelimit.default.per_second", 10)
	v.SetDefault("ratelimit.default.per_minute", 60)
	v.SetDefault("ratelimit.default.cooldown_base_seconds", 10)
	v.SetDefault("ratelimit.default.backoff_cap", 3)
	v.SetDefault("ratelimit.default.max_cooldown_seconds", 60)
	v.SetDefault("ratelimit.default.server_error_step_seconds", 5)
	v.SetDefault("ratelimit.default.server_error_max_seconds", 15)
	v.SetDefault("ratelimit.default.server_error_threshold", 5)
	v.SetDefault("ratelimit.default.server_down_cooldown_seconds", 5)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl_seconds", 24*60*60)
	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.path", "data/cache/results.json")
	v.SetDefault("cache.object", "cache/results.json")
	v.SetDefault("cache.redis_key", "enrich:cache:snapshot")
	v.SetDefault("cache.save_interval_seconds", 300)
	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.inactivity_seconds", 180)
	v.SetDefault("watchdog.interval_seconds", 60)
	v.SetDefault("blocking.workers", 2)
	v.SetDefault("blocking.queue_size", 0)
	v.SetDefault("blocking.policy", "queue")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.migrate", true)
	v.SetDefault("notify.backend", "none")
	v.SetDefault("sources.places.enabled", false)
	v.SetDefault("sources.places.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("sources.places.api_key", "")
	v.SetDefault("sources.places.timeout_seconds", 90)
	v.SetDefault("sources.places.cacheable", true)
	v.SetDefault("sources.website.enabled", true)
	v.SetDefault("sources.website.user_agent", "venue-enrichment/0.1")
	v.SetDefault("sources.website.timeout_seconds", 180)
	v.SetDefault("sources.website.max_body_bytes", 2<<20)
	v.SetDefault("sources.website.cacheable", true)
	v.SetDefault("sources.headless.enabled", false)
	v.SetDefault("sources.headless.name", "portal")
	v.SetDefault("sources.headless.timeout_seconds", 120)
	v.SetDefault("sources.headless.cacheable", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be > 0")
	}
	if c.Scheduler.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_batches must be > 0")
	}
	if c.Scheduler.ItemConcurrency <= 0 {
		return fmt.Errorf("scheduler.item_concurrency must be > 0")
	}
	if c.RateLimit.Default.PerSecond <= 0 || c.RateLimit.Default.PerMinute <= 0 {
		return fmt.Errorf("ratelimit.default per_second and per_minute must be > 0")
	}
	for name, lc := range c.RateLimit.Sources {
		if lc.PerSecond < 0 || lc.PerMinute < 0 {
			return fmt.Errorf("ratelimit.sources.%s limits must be >= 0", name)
		}
	}
	if c.Blocking.Workers <= 0 {
		return fmt.Errorf("blocking.workers must be > 0")
	}
	if c.Blocking.Workers > c.Scheduler.MaxConcurrentBatches*c.Scheduler.ItemConcurrency {
		return fmt.Errorf("blocking.workers must not exceed max_concurrent_batches * item_concurrency")
	}
	if c.Blocking.QueueSize < 0 {
		return fmt.Errorf("blocking.queue_size must be >= 0")
	}
	switch c.Blocking.Policy {
	case "queue", "reject":
	default:
		return fmt.Errorf("blocking.policy must be queue or reject, got %q", c.Blocking.Policy)
	}
	if c.Watchdog.Enabled && (c.Watchdog.InactivitySeconds <= 0 || c.Watchdog.IntervalSeconds <= 0) {
		return fmt.Errorf("watchdog.inactivity_seconds and watchdog.interval_seconds must be > 0")
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown store.backend: %s", c.Store.Backend)
	}
	switch c.Notify.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic must be set when notify.backend is pubsub")
		}
	default:
		return fmt.Errorf("unknown notify.backend: %s", c.Notify.Backend)
	}
	if c.Sources.Places.Enabled && c.Sources.Places.BaseURL == "" {
		return fmt.Errorf("sources.places.base_url must be set when places is enabled")
	}
	return nil
}

func (c CacheConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	}
	switch c.Backend {
	case "none":
	case "file":
		if c.Path == "" {
			return fmt.Errorf("cache.path must be set when cache.backend is file")
		}
	case "gcs":
		if c.Bucket == "" || c.Object == "" {
			return fmt.Errorf("cache.bucket and cache.object must be set when cache.backend is gcs")
		}
	case "redis":
		if c.RedisAddr == "" || c.RedisKey == "" {
			return fmt.Errorf("cache.redis_addr and cache.redis_key must be set when cache.backend is redis")
		}
	default:
		return fmt.Errorf("unknown cache.backend: %s", c.Backend)
	}
	return nil
}

// For returns the limiter settings for source, with zero fields inherited
// from the default.
func (c RateLimitConfig) For(source string) LimitConfig {
	out := c.Default
	o, ok := c.Sources[source]
	if !ok {
		return out
	}
	pick := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	pick(&out.PerSecond, o.PerSecond)
	pick(&out.PerMinute, o.PerMinute)
	pick(&out.CooldownBaseSeconds, o.CooldownBaseSeconds)
	pick(&out.BackoffCap, o.BackoffCap)
	pick(&out.MaxCooldownSeconds, o.MaxCooldownSeconds)
	pick(&out.ServerErrorStepSeconds, o.ServerErrorStepSeconds)
	pick(&out.ServerErrorMaxSeconds, o.ServerErrorMaxSeconds)
	pick(&out.ServerErrorThreshold, o.ServerErrorThreshold)
	pick(&out.ServerDownCooldownSeconds, o.ServerDownCooldownSeconds)
	return out
}

// TTL returns the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return seconds(c.TTLSeconds)
}

// SaveInterval returns the janitor cadence.
func (c CacheConfig) SaveInterval() time.Duration {
	return seconds(c.SaveIntervalSeconds)
}

// Inactivity returns the watchdog inactivity threshold.
func (c WatchdogConfig) Inactivity() time.Duration {
	return seconds(c.InactivitySeconds)
}

// Interval returns the watchdog sweep interval.
func (c WatchdogConfig) Interval() time.Duration {
	return seconds(c.IntervalSeconds)
}

// ShutdownTimeout returns the graceful shutdown window for the HTTP server.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return seconds(c.ShutdownTimeoutSeconds)
}

// RequestTimeout bounds each API request.
func (c ServerConfig) RequestTimeout() time.Duration {
	return seconds(c.RequestTimeoutSeconds)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Seconds converts a seconds setting to a duration, falling back when unset.
func Seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return seconds(n)
}
