// Package app is the composition root: it turns a config.Config into wired
// stores, services, the outbox relay and the dispatch worker. The cmd layer
// decides which of those run in a given process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-dispatch-backend/internal/cache"
	"github.com/tbourn/go-dispatch-backend/internal/config"
	httpapi "github.com/tbourn/go-dispatch-backend/internal/http"
	"github.com/tbourn/go-dispatch-backend/internal/http/middleware"
	"github.com/tbourn/go-dispatch-backend/internal/outbox"
	"github.com/tbourn/go-dispatch-backend/internal/provider"
	"github.com/tbourn/go-dispatch-backend/internal/queue"
	"github.com/tbourn/go-dispatch-backend/internal/repo"
	"github.com/tbourn/go-dispatch-backend/internal/resilience"
	"github.com/tbourn/go-dispatch-backend/internal/services"
)

// App holds every long-lived dependency of one process.
type App struct {
	Config config.Config
	Log    zerolog.Logger
	DB     *gorm.DB
	Redis  *redis.Client

	Ledger      *services.Ledger
	Reports     *services.ReportService
	Automations *services.AutomationService
	Webhooks    *services.WebhookVerifier
	DeadLetters *services.DeadLetterService
	Idempotency *services.IdempotencyRegistry
	Counter     middleware.Counter

	Relay       *outbox.Relay
	Worker      *queue.Worker
	Dispatching bool

	sqlNonces *repo.NonceStore
}

// New opens storage and wires the services. A provider that is not
// configured leaves Dispatching false: the worker has no automation handler
// and must not be started, so queued jobs wait for a configured process.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	lvl := logger.Silent
	if cfg.LogLevel == "debug" {
		lvl = logger.Info
	}
	db, err := repo.Open(repo.Options{
		Driver:   cfg.DB.Driver,
		Path:     cfg.DB.Path,
		DSN:      cfg.DB.URL,
		MaxConns: cfg.DB.MaxConns,
		Tracing:  cfg.OTEL.Enabled,
		LogLevel: lvl,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{Config: cfg, Log: log, DB: db}

	var nonces services.NonceStore
	if cfg.Redis.URL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			closeDB(db)
			return nil, err
		}
		a.Redis = client
		nonces = cache.RedisNonceStore{Client: client, Prefix: cfg.Redis.Prefix}
		a.Counter = cache.RedisCounter{Client: client, Prefix: cfg.Redis.Prefix}
	} else {
		a.sqlNonces = &repo.NonceStore{DB: db}
		nonces = a.sqlNonces
		a.Counter = cache.NewMemoryCounter()
		log.Info().Msg("redis not configured; nonces in SQL, rate limits per process")
	}

	jobOpts := queue.JobOptions{
		MaxAttempts: cfg.Jobs.MaxAttempts,
		BackoffBase: cfg.Jobs.BaseDelay,
		BackoffCap:  cfg.Jobs.MaxDelay,
	}

	a.Ledger = services.NewLedger(db)
	a.Reports = services.NewReportService(db)
	a.Automations = services.NewAutomationService(db, a.Ledger, jobOpts)
	a.Webhooks = services.NewWebhookVerifier(cfg.Webhook.Secret, cfg.Webhook.Skew, nonces, a.Ledger)
	a.DeadLetters = services.NewDeadLetterService(db)
	a.Idempotency = services.NewIdempotencyRegistry(repo.IdempotencyStore{DB: db}, cfg.IdempotencyTTL)

	a.Relay = outbox.NewRelay(repo.OutboxStore{DB: db}, a.sender(), outbox.Config{
		BatchSize:       cfg.Outbox.BatchSize,
		MaxAttempts:     cfg.Outbox.MaxAttempts,
		Concurrency:     cfg.Outbox.Concurrency,
		BaseDelay:       cfg.Outbox.BaseDelay,
		MaxDelay:        cfg.Outbox.MaxDelay,
		Jitter:          cfg.Outbox.Jitter,
		Lease:           cfg.Outbox.Lease,
		PollInterval:    cfg.Outbox.PollInterval,
		DeliveryTimeout: cfg.Outbox.Timeout,
	}, outbox.WithLogger(log.With().Str("component", "outbox").Logger()))

	a.Worker = queue.NewWorker(repo.JobStore{DB: db}, queue.Config{
		Concurrency:    cfg.Jobs.Concurrency,
		BatchSize:      cfg.Jobs.BatchSize,
		PollInterval:   cfg.Jobs.PollInterval,
		LeaseTimeout:   cfg.Jobs.Lease,
		HandlerTimeout: cfg.Jobs.Timeout,
		Jitter:         cfg.Jobs.Jitter,
	}, queue.WithLogger(log.With().Str("component", "worker").Logger()))

	if err := a.registerProcessor(); err != nil {
		log.Warn().Err(err).Msg("automation dispatch disabled")
	}
	return a, nil
}

func (a *App) breaker(name string) *resilience.Breaker {
	return resilience.NewBreaker(name, a.Config.Breaker.MaxFailures, a.Config.Breaker.OpenTimeout)
}

// sender posts to the configured collector. Without an endpoint it returns
// nil and the relay settles events as dry runs.
func (a *App) sender() outbox.Sender {
	if a.Config.Outbox.Endpoint == "" {
		return nil
	}
	return &outbox.HTTPSender{
		Endpoint: a.Config.Outbox.Endpoint,
		Client:   &http.Client{Timeout: a.Config.Outbox.Timeout},
		Breaker:  a.breaker("outbox"),
	}
}

func (a *App) registerProcessor() error {
	client, err := provider.New(provider.Options{
		BaseURL:     a.Config.Provider.URL,
		Token:       a.Config.Provider.Token,
		CallbackURL: a.Config.Provider.CallbackURL,
		Timeout:     a.Config.Provider.Timeout,
		RPS:         a.Config.Provider.RPS,
		Burst:       a.Config.Provider.Burst,
		Breaker:     a.breaker("provider"),
	})
	if err != nil {
		return err
	}
	proc, err := services.NewAutomationProcessor(a.Ledger, client, a.DeadLetters, a.Log.With().Str("component", "dispatch").Logger())
	if err != nil {
		return err
	}
	a.Worker.Register(services.JobKindAutomationRun, proc, proc.OnExhausted)
	a.Dispatching = true
	return nil
}

// RouteDeps exposes the services to the HTTP layer.
func (a *App) RouteDeps() httpapi.Deps {
	return httpapi.Deps{
		DB:          a.DB,
		Reports:     a.Reports,
		Automations: a.Automations,
		Webhooks:    a.Webhooks,
		DeadLetters: a.DeadLetters,
		Idempotency: a.Idempotency,
		RateCounter: a.Counter,
	}
}

// SweepResult counts what one Sweep removed.
type SweepResult struct {
	IdempotencyKeys int64
	Nonces          int64
}

// Sweep purges expired idempotency records and, when nonces live in SQL,
// expired nonces. Redis expires its own keys.
func (a *App) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	n, err := a.Idempotency.Sweep(ctx)
	if err != nil {
		return res, fmt.Errorf("sweep idempotency: %w", err)
	}
	res.IdempotencyKeys = n
	if a.sqlNonces != nil {
		n, err := a.sqlNonces.PurgeExpired(ctx)
		if err != nil {
			return res, fmt.Errorf("sweep nonces: %w", err)
		}
		res.Nonces = n
	}
	return res, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (a *App) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res, err := a.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.Log.Warn().Err(err).Msg("sweep failed")
				continue
			}
			if res.IdempotencyKeys+res.Nonces > 0 {
				a.Log.Info().Int64("idempotency_keys", res.IdempotencyKeys).Int64("nonces", res.Nonces).Msg("swept expired records")
			}
		}
	}
}

// Close releases Redis and the database pool.
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	}
	return errors.Join(errs...)
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
