// Package config loads the service's typed configuration from a YAML file
// with environment-variable overrides, in the style of the application
// package's LoadCacheConfig/LoadAPIsConfig helpers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration surface described in the external
// interfaces section: cache TTLs, store DSN, upstream rate-limit/breaker/
// retry settings, and server bind addresses.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Cache    CacheConfig    `yaml:"cache"`
	Store    StoreConfig    `yaml:"store"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Warmup   WarmupConfig   `yaml:"warmup"`
	Stream   StreamConfig   `yaml:"stream"`
	Quality  QualityConfig  `yaml:"quality"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type CacheConfig struct {
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	L1 struct {
		MaxEntries int `yaml:"max_entries"`
	} `yaml:"l1"`
	HotTTLSeconds  int `yaml:"hot_ttl_seconds"`
	WarmTTLSeconds int `yaml:"warm_ttl_seconds"`
	ColdTTLSeconds int `yaml:"cold_ttl_seconds"`
	L1FractionPct  int `yaml:"l1_fraction_pct"`
	// IntradayIntervals bypass both cache tiers entirely (see
	// fetch.Config.IntradayIntervals) since a cached intraday bar goes
	// stale within seconds.
	IntradayIntervals []string `yaml:"intraday_intervals"`
}

func (c CacheConfig) HotTTL() time.Duration  { return time.Duration(c.HotTTLSeconds) * time.Second }
func (c CacheConfig) WarmTTL() time.Duration { return time.Duration(c.WarmTTLSeconds) * time.Second }
func (c CacheConfig) ColdTTL() time.Duration { return time.Duration(c.ColdTTLSeconds) * time.Second }

type StoreConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type UpstreamConfig struct {
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RateLimitPerSec   float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst    int           `yaml:"rate_limit_burst"`
	BreakerFailures   int           `yaml:"breaker_failures"`
	BreakerOpenFor    time.Duration `yaml:"breaker_open_for"`
	BreakerHalfOpenN  uint32        `yaml:"breaker_half_open_requests"`
	// MaxRetries/RetryBackoff govern fetch.Coordinator's same-upstream
	// retry of transient failures before it falls through to the next
	// upstream in the chain.
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type WarmupConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Schedule       string   `yaml:"schedule"`
	MaxConcurrency int      `yaml:"max_concurrency"`
	RetryCeiling   int      `yaml:"retry_ceiling"`
	Symbols        []string `yaml:"symbols"`

	// HotSymbolDelay is the pause inserted every HotSymbolBatchSize
	// symbols during the hot-symbol preload job, to stay under upstream
	// rate limits during a cold-start stampede.
	HotSymbolDelay     time.Duration `yaml:"hot_symbol_delay"`
	HotSymbolBatchSize int           `yaml:"hot_symbol_batch_size"`
	// StaticHotSymbols is the fallback hot-symbol set used when the
	// screener that would normally derive it is unavailable.
	StaticHotSymbols []string `yaml:"static_hot_symbols"`

	// DailyMetricsBreakerFailures caps the daily-metrics refresh job's
	// second circuit breaker at min(DailyMetricsBreakerFailures, N/10)
	// total failures across a run (never below 1), where N is the number of
	// symbols in the run.
	DailyMetricsBreakerFailures int `yaml:"daily_metrics_breaker_failures"`

	// IndustryReseedInterval is how often the industry-overview precompute
	// job is allowed to rebuild its L2 cache entries (the "reseed gate").
	IndustryReseedInterval time.Duration `yaml:"industry_reseed_interval"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	UnsubscribeGrace  time.Duration `yaml:"unsubscribe_grace"`
	WriteBufferSize   int           `yaml:"write_buffer_size"`
}

type QualityConfig struct {
	ErrorPenalty   float64 `yaml:"error_penalty"`
	WarningPenalty float64 `yaml:"warning_penalty"`
	SimilarityExact   float64 `yaml:"similarity_exact"`
	SimilarityPartial float64 `yaml:"similarity_partial"`
	SimilaritySimilar float64 `yaml:"similarity_similar"`
}

// Default returns the baseline configuration, used when no file is given
// and as the seed that Load overlays a file and environment onto.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Cache: CacheConfig{
			HotTTLSeconds:     30,
			WarmTTLSeconds:    300,
			ColdTTLSeconds:    3600,
			L1FractionPct:     50,
			IntradayIntervals: []string{"1m", "5m", "15m"},
		},
		Store: StoreConfig{
			Driver:          "postgres",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Upstream: UpstreamConfig{
			RequestTimeout:   8 * time.Second,
			RateLimitPerSec:  5,
			RateLimitBurst:   10,
			BreakerFailures:  10,
			BreakerOpenFor:   60 * time.Second,
			BreakerHalfOpenN: 1,
			MaxRetries:       2,
			RetryBackoff:     200 * time.Millisecond,
		},
		Warmup: WarmupConfig{
			Enabled:                     true,
			Schedule:                    "0 0 6 * * *",
			MaxConcurrency:              8,
			RetryCeiling:                10,
			HotSymbolDelay:              2 * time.Second,
			HotSymbolBatchSize:          20,
			DailyMetricsBreakerFailures: 50,
			IndustryReseedInterval:      12 * time.Hour,
		},
		Stream: StreamConfig{
			HeartbeatInterval: 30 * time.Second,
			IdleTimeout:       5 * time.Minute,
			UnsubscribeGrace:  5 * time.Minute,
			WriteBufferSize:   64,
		},
		Quality: QualityConfig{
			ErrorPenalty:      0.2,
			WarningPenalty:    0.1,
			SimilarityExact:   1.0,
			SimilarityPartial: 0.8,
			SimilaritySimilar: 0.6,
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// environment overrides with the MARKETDATA_ prefix for the handful of
// secrets and deploy-time values that should never live in a committed file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MARKETDATA_REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = v
	}
	if v := os.Getenv("MARKETDATA_REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}
	if v := os.Getenv("MARKETDATA_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("MARKETDATA_SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
}
