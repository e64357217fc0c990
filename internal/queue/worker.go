package queue

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

	"github.com/tbourn/go-dispatch-backend/internal/backoff"
	"github.com/tbourn/go-dispatch-backend/internal/domain"
	"github.com/tbourn/go-dispatch-backend/internal/repo"
)

var jobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_jobs_total",
		Help: "Dispatch job outcomes by kind.",
	},
	[]string{"kind", "result"},
)

func init() {
	prometheus.MustRegister(jobsTotal)
}

// errLeaseExhausted is the cause recorded for a job whose lease expired on
// its last attempt.
var errLeaseExhausted = errors.New("lease expired on the final attempt")

const (
	resultDone    = "done"
	resultRetried = "retried"
	resultFailed  = "failed"
	resultDead    = "dead"
)

// Config controls polling and concurrency.
type Config struct {
	Concurrency    int
	BatchSize      int
	PollInterval   time.Duration
	LeaseTimeout   time.Duration
	HandlerTimeout time.Duration
	Jitter         time.Duration
}

// DefaultConfig returns the baseline worker configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		BatchSize:      20,
		PollInterval:   time.Second,
		LeaseTimeout:   5 * time.Minute,
		HandlerTimeout: 30 * time.Second,
		Jitter:         250 * time.Millisecond,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = d.LeaseTimeout
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = d.HandlerTimeout
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
}

// Result counts the outcomes of one RunOnce pass.
type Result struct {
	Claimed int
	Done    int
	Retried int
	Failed  int
	Dead    int
}

type registration struct {
	handler     Handler
	onExhausted ExhaustedHook
}

// Worker polls a Store and runs registered handlers.
type Worker struct {
	store    Store
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
	rnd      func(n int64) int64
	handlers map[string]registration

	mu       sync.Mutex
	stopped  bool
	stop     chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup
}

// Option customises a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(l zerolog.Logger) Option { return func(w *Worker) { w.log = l } }

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

// WithRand replaces the jitter source.
func WithRand(rnd func(n int64) int64) Option { return func(w *Worker) { w.rnd = rnd } }

// NewWorker creates a worker over store.
func NewWorker(store Store, cfg Config, opts ...Option) *Worker {
	cfg.normalize()
	w := &Worker{
		store:    store,
		cfg:      cfg,
		log:      zerolog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]registration),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Register binds a handler to a job kind. onExhausted may be nil.
func (w *Worker) Register(kind string, h Handler, onExhausted ExhaustedHook) {
	w.handlers[kind] = registration{handler: h, onExhausted: onExhausted}
}

// RunOnce recovers stale leases, claims due jobs and runs them. It returns
// after every claimed job has been settled.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	ctx, span := otel.Tracer("queue/Worker").Start(ctx, "RunOnce")
	defer span.End()

	var res Result
	now := w.now()

	if n, err := w.store.RequeueStale(ctx, now.Add(-w.cfg.LeaseTimeout), now); err != nil {
		return res, fmt.Errorf("requeue stale jobs: %w", err)
	} else if n > 0 {
		w.log.Warn().Int64("count", n).Msg("requeued jobs with expired lease")
	}

	due, err := w.store.ListDue(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list due jobs: %w", err)
	}

	var (
		g      errgroup.Group
		tallyM sync.Mutex
	)
	g.SetLimit(w.cfg.Concurrency)

	for _, job := range due {
		ok, err := w.store.Claim(ctx, job, now)
		if err != nil {
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("claim job")
			continue
		}
		if !ok {
			continue
		}
		job.Status = domain.JobActive
		job.AttemptsMade++
		res.Claimed++

		g.Go(func() error {
			outcome := w.process(ctx, job)
			jobsTotal.WithLabelValues(job.Kind, outcome).Inc()
			tallyM.Lock()
			switch outcome {
			case resultDone:
				res.Done++
			case resultRetried:
				res.Retried++
			case resultFailed:
				res.Failed++
			case resultDead:
				res.Dead++
			}
			tallyM.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("jobs.claimed", res.Claimed))
	return res, nil
}

func (w *Worker) process(ctx context.Context, job domain.Job) string {
	logger := w.log.With().
		Str("job_id", job.ID).
		Str("kind", job.Kind).
		Str("tenant_id", job.TenantID).
		Int("attempt", job.AttemptsMade).
		Logger()

	// Settling must survive cancellation of the polling context during shutdown.
	settleCtx := context.WithoutCancel(ctx)

	reg, ok := w.handlers[job.Kind]
	if !ok {
		w.settle(logger, w.store.Fail(settleCtx, job, "no handler registered for kind "+job.Kind, w.now()))
		return resultFailed
	}

	// Reclaimed after a crash with the budget already spent.
	if job.AttemptsMade > job.MaxAttempts {
		w.exhaust(settleCtx, logger, reg, job, errLeaseExhausted)
		return resultDead
	}

	err := w.call(ctx, reg.handler, job)
	now := w.now()

	switch {
	case err == nil:
		w.settle(logger, w.store.Complete(settleCtx, job, now))
		return resultDone

	case IsRetryable(err):
		if job.AttemptsMade < job.MaxAttempts {
			policy := backoff.Policy{
				Base:   time.Duration(job.BackoffBaseMs) * time.Millisecond,
				Cap:    time.Duration(job.BackoffCapMs) * time.Millisecond,
				Jitter: w.cfg.Jitter,
				Rand:   w.rnd,
			}
			runAt := now.Add(policy.Delay(job.AttemptsMade))
			logger.Warn().Err(err).Time("run_at", runAt).Msg("job failed, retrying")
			w.settle(logger, w.store.Retry(settleCtx, job, runAt, err.Error(), now))
			return resultRetried
		}
		w.exhaust(settleCtx, logger, reg, job, err)
		return resultDead

	default:
		logger.Error().Err(err).Msg("job failed permanently")
		w.settle(logger, w.store.Fail(settleCtx, job, err.Error(), now))
		return resultFailed
	}
}

func (w *Worker) exhaust(ctx context.Context, logger zerolog.Logger, reg registration, job domain.Job, cause error) {
	if reg.onExhausted != nil {
		if herr := reg.onExhausted(ctx, job, cause); herr != nil {
			logger.Error().Err(herr).Msg("exhaustion hook")
		}
	}
	logger.Error().Err(cause).Msg("job exhausted its attempts")
	w.settle(logger, w.store.Bury(ctx, job, "attempts exhausted: "+cause.Error(), w.now()))
}

// call runs the handler with the per-job timeout, turning a panic into a
// terminal error.
func (w *Worker) call(ctx context.Context, h Handler, job domain.Job) (err error) {
	ctx, span := otel.Tracer("queue/Worker").Start(ctx, "Handle",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.kind", job.Kind),
			attribute.Int("job.attempt", job.AttemptsMade),
		),
	)
	defer span.End()

	hctx, cancel := context.WithTimeout(ctx, w.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(hctx, job)
}

func (w *Worker) settle(logger zerolog.Logger, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, repo.ErrLeaseLost) {
		logger.Warn().Err(err).Msg("job lease lost before settle")
		return
	}
	logger.Error().Err(err).Msg("settle job")
}

// Run polls until ctx is done or Stop is called.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if !w.tick(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) tick(ctx context.Context) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	res, err := w.RunOnce(ctx)
	if err != nil && ctx.Err() == nil {
		w.log.Error().Err(err).Msg("dispatch pass")
	} else if res.Claimed > 0 {
		w.log.Debug().
			Int("claimed", res.Claimed).
			Int("done", res.Done).
			Int("retried", res.Retried).
			Int("failed", res.Failed).
			Int("dead", res.Dead).
			Msg("dispatch pass")
	}
	return true
}

// Stop signals Run to return. It is safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		close(w.stop)
	})
}

// Shutdown stops the worker and waits for the current pass to settle, or
// for ctx to expire. Jobs still ACTIVE afterwards are recovered by the
// lease timeout on the next pass of any worker.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.Stop()
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker shutdown: %w", ctx.Err())
	}
}
