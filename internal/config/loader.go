package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path on top of the built-in defaults, then
// applies PERPBOT_* environment overrides. The caller validates afterwards.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// A .env next to the binary is convenient in development; missing is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose PERPBOT_* variable is set and
// non-empty. Secrets are expected to arrive this way in deployment.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Exchange.BaseURL, "PERPBOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.WsURL, "PERPBOT_EXCHANGE_WS_URL")
	setStr(&cfg.Exchange.APIKey, "PERPBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "PERPBOT_EXCHANGE_API_SECRET")
	setDuration(&cfg.Exchange.Timeout, "PERPBOT_EXCHANGE_TIMEOUT")

	setStr(&cfg.Postgres.DSN, "PERPBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PERPBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PERPBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PERPBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERPBOT_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "PERPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPBOT_REDIS_TLS_ENABLED")

	setStr(&cfg.S3.Endpoint, "PERPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "PERPBOT_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.Retention, "PERPBOT_S3_RETENTION")
	setDuration(&cfg.S3.Interval, "PERPBOT_S3_INTERVAL")

	setStringSlice(&cfg.Trading.Symbols, "PERPBOT_TRADING_SYMBOLS")
	setInt(&cfg.Trading.Leverage, "PERPBOT_TRADING_LEVERAGE")
	setFloat64(&cfg.Trading.StopPct, "PERPBOT_TRADING_STOP_PCT")
	setFloat64(&cfg.Trading.TakePct, "PERPBOT_TRADING_TAKE_PCT")

	setDuration(&cfg.Guardian.MonitorInterval, "PERPBOT_GUARDIAN_MONITOR_INTERVAL")
	setDuration(&cfg.Guardian.EmergencyInterval, "PERPBOT_GUARDIAN_EMERGENCY_INTERVAL")
	setFloat64(&cfg.Guardian.EmergencyLossPct, "PERPBOT_GUARDIAN_EMERGENCY_LOSS_PCT")
	setDuration(&cfg.Guardian.PriceStaleAfter, "PERPBOT_GUARDIAN_PRICE_STALE_AFTER")

	setFloat64(&cfg.Reconcile.Tolerance, "PERPBOT_RECONCILE_TOLERANCE")
	setDuration(&cfg.Reconcile.Interval, "PERPBOT_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.LockTTL, "PERPBOT_RECONCILE_LOCK_TTL")

	setInt(&cfg.Retry.MaxAttempts, "PERPBOT_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "PERPBOT_RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "PERPBOT_RETRY_MAX_DELAY")

	setInt(&cfg.Breaker.FailureThreshold, "PERPBOT_BREAKER_FAILURE_THRESHOLD")
	setDuration(&cfg.Breaker.RecoveryTimeout, "PERPBOT_BREAKER_RECOVERY_TIMEOUT")

	setInt(&cfg.RateLimit.Limit, "PERPBOT_RATE_LIMIT_LIMIT")
	setDuration(&cfg.RateLimit.Window, "PERPBOT_RATE_LIMIT_WINDOW")

	setBool(&cfg.Server.Enabled, "PERPBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PERPBOT_SERVER_PORT")

	setStr(&cfg.Notify.TelegramToken, "PERPBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPBOT_NOTIFY_EVENTS")

	setStr(&cfg.Mode, "PERPBOT_MODE")
	setStr(&cfg.LogLevel, "PERPBOT_LOG_LEVEL")
}

// Typed helpers. Each mutates the target only when the variable is present
// and parseable.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
