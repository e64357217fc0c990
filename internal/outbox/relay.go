// Package outbox drains the transactional outbox: events written in the same
// transaction as a business change are claimed by a relay, delivered to the
// collector at least once, and retried with capped exponential backoff until
// they are delivered or their attempt budget runs out.
//
// Any number of relays may run against the same store. The claim is a
// conditional update on (status, attempts), so each attempt of an event is
// processed by exactly one relay; a relay that dies mid-delivery leaves the
// event PROCESSING until its lease expires and another relay recovers it.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-dispatch-backend/internal/apperr"
	"github.com/tbourn/go-dispatch-backend/internal/backoff"
	"github.com/tbourn/go-dispatch-backend/internal/domain"
	"github.com/tbourn/go-dispatch-backend/internal/repo"
)

// DryRunNote is recorded on events settled without a delivery endpoint.
const DryRunNote = "dry-run: no delivery endpoint configured"

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_total",
			Help: "Outbox delivery outcomes.",
		},
		[]string{"result"},
	)
	deliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_delivery_duration_seconds",
			Help:    "Time spent delivering one outbox event.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal, deliveryDuration)
}

// Store is the persistence contract of the relay. Settle methods must apply
// only while the event is PROCESSING at ev.Attempts and return
// repo.ErrLeaseLost otherwise.
type Store interface {
	RequeueStale(ctx context.Context, lockedBefore, now time.Time) (int64, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error)
	Claim(ctx context.Context, ev domain.OutboxEvent, now time.Time) (bool, error)
	MarkDelivered(ctx context.Context, ev domain.OutboxEvent, note string, now time.Time) error
	Reschedule(ctx context.Context, ev domain.OutboxEvent, next time.Time, lastErr string, now time.Time) error
	Bury(ctx context.Context, ev domain.OutboxEvent, status domain.OutboxStatus, reason string, now time.Time) error
}

// Config controls batching, retry budget and timing.
type Config struct {
	BatchSize       int
	MaxAttempts     int
	Concurrency     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Jitter          time.Duration
	Lease           time.Duration
	PollInterval    time.Duration
	DeliveryTimeout time.Duration
}

// DefaultConfig returns the baseline relay configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:       50,
		MaxAttempts:     8,
		Concurrency:     4,
		BaseDelay:       time.Second,
		MaxDelay:        5 * time.Minute,
		Jitter:          500 * time.Millisecond,
		Lease:           2 * time.Minute,
		PollInterval:    2 * time.Second,
		DeliveryTimeout: 10 * time.Second,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
}

// Result counts the outcomes of one RunOnce pass.
type Result struct {
	Recovered    int
	Claimed      int
	Delivered    int
	Retried      int
	Failed       int
	DeadLettered int
}

// Relay delivers pending outbox events.
type Relay struct {
	store  Store
	sender Sender
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
	policy backoff.Policy

	mu       sync.Mutex
	stopped  bool
	stop     chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup
}

// Option customises a Relay.
type Option func(*Relay)

// WithLogger sets the relay logger.
func WithLogger(l zerolog.Logger) Option { return func(r *Relay) { r.log = l } }

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option { return func(r *Relay) { r.now = now } }

// WithRand replaces the jitter source.
func WithRand(rnd func(n int64) int64) Option { return func(r *Relay) { r.policy.Rand = rnd } }

// NewRelay creates a relay. A nil sender puts the relay in dry-run mode:
// events are marked DELIVERED with DryRunNote and nothing is sent.
func NewRelay(store Store, sender Sender, cfg Config, opts ...Option) *Relay {
	cfg.normalize()
	r := &Relay{
		store:  store,
		sender: sender,
		cfg:    cfg,
		log:    zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
		policy: backoff.Policy{Base: cfg.BaseDelay, Cap: cfg.MaxDelay, Jitter: cfg.Jitter},
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RunOnce performs one recovery, claim and delivery pass.
func (r *Relay) RunOnce(ctx context.Context) (Result, error) {
	ctx, span := otel.Tracer("outbox/Relay").Start(ctx, "RunOnce")
	defer span.End()

	var res Result
	now := r.now()

	n, err := r.store.RequeueStale(ctx, now.Add(-r.cfg.Lease), now)
	if err != nil {
		return res, fmt.Errorf("recover stale events: %w", err)
	}
	res.Recovered = int(n)
	if n > 0 {
		r.log.Warn().Int64("count", n).Msg("recovered outbox events with expired lease")
	}

	due, err := r.store.ListDue(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list due events: %w", err)
	}

	var (
		g      errgroup.Group
		tallyM sync.Mutex
	)
	g.SetLimit(r.cfg.Concurrency)

	for _, ev := range due {
		ok, err := r.store.Claim(ctx, ev, now)
		if err != nil {
			r.log.Error().Err(err).Str("event_id", ev.ID).Msg("claim outbox event")
			continue
		}
		if !ok {
			continue
		}
		ev.Status = domain.OutboxProcessing
		ev.Attempts++
		lockedAt := now
		ev.LockedAt = &lockedAt
		res.Claimed++

		g.Go(func() error {
			outcome := r.deliver(ctx, ev)
			eventsTotal.WithLabelValues(outcome).Inc()
			tallyM.Lock()
			switch outcome {
			case resultDelivered, resultDryRun:
				res.Delivered++
			case resultRetried:
				res.Retried++
			case resultFailed:
				res.Failed++
			case resultDeadLetter:
				res.DeadLettered++
			}
			tallyM.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("outbox.claimed", res.Claimed),
		attribute.Int("outbox.delivered", res.Delivered),
	)
	return res, nil
}

const (
	resultDelivered  = "delivered"
	resultDryRun     = "dry_run"
	resultRetried    = "retried"
	resultFailed     = "failed"
	resultDeadLetter = "dead_letter"
	resultLeaseLost  = "lease_lost"
)

func (r *Relay) deliver(ctx context.Context, ev domain.OutboxEvent) string {
	logger := r.log.With().
		Str("event_id", ev.ID).
		Str("type", ev.Type).
		Str("tenant_id", ev.TenantID).
		Int("attempt", ev.Attempts).
		Logger()
	settleCtx := context.WithoutCancel(ctx)

	// Reclaimed after a crash with the budget already spent.
	if ev.Attempts > r.cfg.MaxAttempts {
		return r.bury(settleCtx, logger, ev, domain.OutboxDeadLetter, "attempt budget exhausted")
	}

	if r.sender == nil {
		if err := r.store.MarkDelivered(settleCtx, ev, DryRunNote, r.now()); err != nil {
			return r.settleFailed(logger, err)
		}
		logger.Info().Msg("outbox event settled without delivery (no endpoint)")
		return resultDryRun
	}

	sendErr := r.send(ctx, ev)
	now := r.now()

	switch {
	case sendErr == nil:
		if err := r.store.MarkDelivered(settleCtx, ev, "", now); err != nil {
			return r.settleFailed(logger, err)
		}
		logger.Debug().Msg("outbox event delivered")
		return resultDelivered

	case apperr.KindOf(sendErr) == apperr.KindTerminalDelivery:
		logger.Error().Err(sendErr).Msg("outbox delivery rejected")
		return r.bury(settleCtx, logger, ev, domain.OutboxFailed, sendErr.Error())

	case ev.Attempts >= r.cfg.MaxAttempts:
		logger.Error().Err(sendErr).Msg("outbox delivery exhausted its attempts")
		return r.bury(settleCtx, logger, ev, domain.OutboxDeadLetter, sendErr.Error())

	default:
		next := now.Add(r.policy.Delay(ev.Attempts))
		if err := r.store.Reschedule(settleCtx, ev, next, sendErr.Error(), now); err != nil {
			return r.settleFailed(logger, err)
		}
		logger.Warn().Err(sendErr).Time("next_retry_at", next).Msg("outbox delivery failed, rescheduled")
		return resultRetried
	}
}

func (r *Relay) send(ctx context.Context, ev domain.OutboxEvent) error {
	ctx, span := otel.Tracer("outbox/Relay").Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("event.id", ev.ID),
			attribute.String("event.type", ev.Type),
			attribute.Int("event.attempt", ev.Attempts),
		),
	)
	defer span.End()

	dctx, cancel := context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := r.sender.Send(dctx, ev)
	deliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (r *Relay) bury(ctx context.Context, logger zerolog.Logger, ev domain.OutboxEvent, status domain.OutboxStatus, reason string) string {
	if err := r.store.Bury(ctx, ev, status, reason, r.now()); err != nil {
		return r.settleFailed(logger, err)
	}
	if status == domain.OutboxFailed {
		return resultFailed
	}
	return resultDeadLetter
}

func (r *Relay) settleFailed(logger zerolog.Logger, err error) string {
	if errors.Is(err, repo.ErrLeaseLost) {
		logger.Warn().Msg("outbox lease lost before settle")
	} else {
		logger.Error().Err(err).Msg("settle outbox event")
	}
	return resultLeaseLost
}

// Run polls every PollInterval until ctx is done or Stop is called.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if !r.tick(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.stop:
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Relay) tick(ctx context.Context) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()

	res, err := r.RunOnce(ctx)
	if err != nil && ctx.Err() == nil {
		r.log.Error().Err(err).Msg("outbox pass")
	} else if res.Claimed > 0 || res.Recovered > 0 {
		r.log.Info().
			Int("recovered", res.Recovered).
			Int("claimed", res.Claimed).
			Int("delivered", res.Delivered).
			Int("retried", res.Retried).
			Int("failed", res.Failed).
			Int("dead_lettered", res.DeadLettered).
			Msg("outbox pass")
	}
	return true
}

// Stop signals Run to return. It is safe to call more than once.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		close(r.stop)
	})
}

// Shutdown stops the relay and waits for the in-flight pass, bounded by ctx.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.Stop()
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}
