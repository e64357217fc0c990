// Package resilience wraps outbound calls in circuit breakers. The provider
// client and the outbox sender each own one breaker; an open breaker is
// reported as a retryable failure so the caller's backoff takes over.
package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/tbourn/go-dispatch-backend/internal/apperr"
)

// Breaker guards one downstream dependency.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker trips after maxFailures consecutive retryable failures and stays
// open for openTimeout before letting a single probe through. Terminal
// failures (4xx other than 429) are counted as successes: the dependency
// answered, the request was simply wrong.
func NewBreaker(name string, maxFailures uint32, openTimeout time.Duration) *Breaker {
	if maxFailures == 0 {
		maxFailures = 5
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !apperr.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. A nil Breaker runs fn directly.
func (b *Breaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}
	_, err := b.cb.Execute(func() (any, error) { return nil, fn() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Retryable(fmt.Sprintf("%s unavailable (circuit %s)", b.cb.Name(), b.cb.State()), err)
	}
	return err
}

// State returns the breaker state name ("closed", "open", "half-open").
func (b *Breaker) State() string {
	if b == nil {
		return gobreaker.StateClosed.String()
	}
	return b.cb.State().String()
}

// RetryableStatus reports whether an HTTP status should be retried.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
