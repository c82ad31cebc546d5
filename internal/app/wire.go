package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/perpguard/perpbot/internal/blob/s3"
	"github.com/perpguard/perpbot/internal/cache/redis"
	"github.com/perpguard/perpbot/internal/config"
	"github.com/perpguard/perpbot/internal/domain"
	"github.com/perpguard/perpbot/internal/exchange"
	"github.com/perpguard/perpbot/internal/execution"
	"github.com/perpguard/perpbot/internal/feed"
	"github.com/perpguard/perpbot/internal/guardian"
	"github.com/perpguard/perpbot/internal/lifecycle"
	"github.com/perpguard/perpbot/internal/metrics"
	"github.com/perpguard/perpbot/internal/notify"
	"github.com/perpguard/perpbot/internal/reconcile"
	"github.com/perpguard/perpbot/internal/resilience"
	"github.com/perpguard/perpbot/internal/store/postgres"
)

// Dependencies bundles every component the modes operate on. Wire constructs
// them; the returned cleanup tears them down in reverse order.
type Dependencies struct {
	Positions   domain.PositionStore
	Orders      domain.OrderStore
	Transitions domain.StateTransitionStore
	Results     domain.ReconciliationResultStore

	Prices  domain.PriceCache
	Limiter domain.RateLimiter
	Locks   domain.LockManager
	Intents domain.IntentQueue

	Exchange  *exchange.Client
	Metrics   *metrics.Metrics
	Notifier  *notify.Notifier
	Registry  *lifecycle.Registry
	Execution *execution.Client
	Guardian  *guardian.Guardian
	Reconcile *reconcile.Engine
	Feed      *feed.TickerFeed

	// Archiver is nil when no S3 bucket is configured.
	Archiver *s3blob.Archiver
}

// Wire builds the full dependency graph from cfg.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// Postgres ledger.
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: postgres migrations: %w", err))
		}
	}

	pool := pgClient.Pool()
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Orders = postgres.NewOrderStore(pool)
	deps.Transitions = postgres.NewTransitionStore(pool)
	deps.Results = postgres.NewReconciliationStore(pool)

	// Redis: prices, rate limiting, locks, intent intake.
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Prices = redis.NewPriceCache(redisClient)
	deps.Limiter = redis.NewRateLimiter(redisClient, cfg.RateLimit.Limit, cfg.RateLimit.Window.Duration)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Intents = redis.NewIntentQueue(redisClient)

	// S3 archiver, only when a bucket is configured.
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.Transitions,
			deps.Results,
			logger,
			s3blob.ArchiverConfig{Retention: cfg.S3.Retention.Duration},
		)
	}

	// Alerting.
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	deps.Metrics = metrics.New()
	deps.Registry = lifecycle.NewRegistry(deps.Transitions, logger)

	deps.Exchange = exchange.NewClient(exchange.ClientConfig{
		BaseURL:   cfg.Exchange.BaseURL,
		APIKey:    cfg.Exchange.APIKey,
		APISecret: cfg.Exchange.APISecret,
		Timeout:   cfg.Exchange.Timeout.Duration,
	})

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "exchange",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout.Duration,
		IsExpected:       domain.IsTransient,
		OnStateChange: func(name string, _, to resilience.BreakerState) {
			deps.Metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			if to == resilience.StateOpen {
				deps.Metrics.BreakerTrips.WithLabelValues(name).Inc()
			}
		},
	}, logger)
	deps.Metrics.BreakerState.WithLabelValues("exchange").Set(float64(resilience.StateClosed))

	retrier := resilience.NewRetrier(resilience.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay.Duration,
		MaxDelay:    cfg.Retry.MaxDelay.Duration,
		Strategy:    resilience.StrategyExponential,
		IsRetryable: func(err error) bool {
			return domain.IsTransient(err) && !domain.IsCircuitOpen(err)
		},
	}, logger)

	deps.Execution = execution.New(
		deps.Exchange,
		breaker,
		retrier,
		deps.Limiter,
		deps.Orders,
		deps.Positions,
		deps.Registry,
		deps.Metrics,
		logger,
	)

	deps.Guardian = guardian.New(
		deps.Execution,
		deps.Prices,
		deps.Exchange,
		deps.Notifier,
		deps.Metrics,
		guardian.Config{
			MonitorInterval:   cfg.Guardian.MonitorInterval.Duration,
			EmergencyInterval: cfg.Guardian.EmergencyInterval.Duration,
			EmergencyLossPct:  cfg.Guardian.EmergencyLossPct,
			PriceStaleAfter:   cfg.Guardian.PriceStaleAfter.Duration,
		},
		logger,
	)

	deps.Reconcile = reconcile.New(
		deps.Exchange,
		deps.Positions,
		deps.Results,
		deps.Registry,
		deps.Guardian,
		deps.Locks,
		deps.Notifier,
		deps.Metrics,
		reconcile.Config{
			Tolerance: cfg.Reconcile.Tolerance,
			Interval:  cfg.Reconcile.Interval.Duration,
			LockTTL:   cfg.Reconcile.LockTTL.Duration,
		},
		logger,
	)

	// Every settled submission schedules a reconciliation pass on top of the
	// periodic ones, closing drift right after the window that creates it.
	deps.Execution.AfterExecution(deps.Reconcile.Poke)

	deps.Feed = feed.NewTickerFeed(cfg.Exchange.WsURL, cfg.Trading.Symbols, deps.Prices, logger)

	return deps, cleanup, nil
}
