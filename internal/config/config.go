// Package config defines the engine's top-level configuration and its
// validation rules.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and can be
// overridden by PERPBOT_* environment variables.
type Config struct {
	Exchange  ExchangeConfig  `toml:"exchange"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Trading   TradingConfig   `toml:"trading"`
	Guardian  GuardianConfig  `toml:"guardian"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Retry     RetryConfig     `toml:"retry"`
	Breaker   BreakerConfig   `toml:"breaker"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ExchangeConfig holds venue API endpoints and credentials.
type ExchangeConfig struct {
	BaseURL   string   `toml:"base_url"`
	WsURL     string   `toml:"ws_url"`
	APIKey    string   `toml:"api_key"`
	APISecret string   `toml:"api_secret"`
	Timeout   duration `toml:"timeout"`
}

// PostgresConfig holds connection parameters for the position ledger.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds connection parameters for the price cache, rate limiter,
// and distributed locks.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds object storage parameters for the audit archiver. An empty
// bucket disables archival.
type S3Config struct {
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	ForcePathStyle bool     `toml:"force_path_style"`
	Retention      duration `toml:"retention"`
	Interval       duration `toml:"interval"`
}

// TradingConfig holds position entry parameters.
type TradingConfig struct {
	// Symbols lists the perp-convention markets the engine trades and
	// streams prices for, e.g. "BTC/USDT:USDT".
	Symbols []string `toml:"symbols"`

	Leverage int `toml:"leverage"`

	// StopPct is the stop distance from entry (0.02 = 2%).
	StopPct float64 `toml:"stop_pct"`

	// TakePct is the optional take-profit distance; zero disables.
	TakePct float64 `toml:"take_pct"`
}

// GuardianConfig holds stop-loss protection parameters.
type GuardianConfig struct {
	MonitorInterval   duration `toml:"monitor_interval"`
	EmergencyInterval duration `toml:"emergency_interval"`
	EmergencyLossPct  float64  `toml:"emergency_loss_pct"`
	PriceStaleAfter   duration `toml:"price_stale_after"`
}

// ReconcileConfig holds reconciliation parameters.
type ReconcileConfig struct {
	Tolerance float64  `toml:"tolerance"`
	Interval  duration `toml:"interval"`
	LockTTL   duration `toml:"lock_ttl"`
}

// RetryConfig holds exchange-call retry parameters.
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   duration `toml:"base_delay"`
	MaxDelay    duration `toml:"max_delay"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold"`
	RecoveryTimeout  duration `toml:"recovery_timeout"`
}

// RateLimitConfig bounds order submissions per window across all callers.
type RateLimitConfig struct {
	Limit  int      `toml:"limit"`
	Window duration `toml:"window"`
}

// ServerConfig holds the metrics HTTP listener parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// NotifyConfig holds alert channel credentials and the event allow list.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so the TOML decoder accepts strings like "5m"
// or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in default configuration.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			Timeout: duration{10 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "perpbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
			Retention:      duration{90 * 24 * time.Hour},
			Interval:       duration{24 * time.Hour},
		},
		Trading: TradingConfig{
			Leverage: 3,
			StopPct:  0.02,
			TakePct:  0,
		},
		Guardian: GuardianConfig{
			MonitorInterval:   duration{2 * time.Second},
			EmergencyInterval: duration{time.Second},
			EmergencyLossPct:  0.15,
			PriceStaleAfter:   duration{10 * time.Second},
		},
		Reconcile: ReconcileConfig{
			Tolerance: 0.00001,
			Interval:  duration{5 * time.Minute},
			LockTTL:   duration{time.Minute},
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   duration{time.Second},
			MaxDelay:    duration{60 * time.Second},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  duration{30 * time.Second},
		},
		RateLimit: RateLimitConfig{
			Limit:  10,
			Window: duration{time.Second},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    9090,
		},
		Notify: NotifyConfig{
			Events: []string{
				"emergency_exit",
				"protection_degraded",
				"orphan_position",
				"liquidation_detected",
			},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"trade":     true,
	"monitor":   true,
	"reconcile": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the config and reports every problem found, not just the
// first one.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, reconcile)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange: base_url must not be empty")
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		errs = append(errs, "exchange: api_key and api_secret are required")
	}
	if c.Mode == "trade" && c.Exchange.WsURL == "" {
		errs = append(errs, "exchange: ws_url is required for trade mode")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be 0..pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is optional; if a bucket is named the rest must be usable.
	if c.S3.Bucket != "" {
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when a bucket is set")
		}
		if c.S3.Retention.Duration <= 0 {
			errs = append(errs, "s3: retention must be positive")
		}
	}

	if c.Mode == "trade" && len(c.Trading.Symbols) == 0 {
		errs = append(errs, "trading: at least one symbol is required for trade mode")
	}
	if c.Trading.Leverage < 1 {
		errs = append(errs, "trading: leverage must be >= 1")
	}
	if c.Trading.StopPct <= 0 || c.Trading.StopPct >= 1 {
		errs = append(errs, fmt.Sprintf("trading: stop_pct must be in (0, 1), got %g", c.Trading.StopPct))
	}
	if c.Trading.TakePct < 0 {
		errs = append(errs, "trading: take_pct must be >= 0")
	}

	if c.Guardian.EmergencyLossPct <= 0 || c.Guardian.EmergencyLossPct >= 1 {
		errs = append(errs, fmt.Sprintf("guardian: emergency_loss_pct must be in (0, 1), got %g", c.Guardian.EmergencyLossPct))
	}
	if c.Guardian.MonitorInterval.Duration <= 0 || c.Guardian.EmergencyInterval.Duration <= 0 {
		errs = append(errs, "guardian: monitor_interval and emergency_interval must be positive")
	}

	if c.Reconcile.Tolerance <= 0 {
		errs = append(errs, "reconcile: tolerance must be positive")
	}
	if c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry: max_attempts must be >= 1")
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, "breaker: failure_threshold must be >= 1")
	}
	if c.RateLimit.Limit < 1 || c.RateLimit.Window.Duration <= 0 {
		errs = append(errs, "rate_limit: limit must be >= 1 and window positive")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
