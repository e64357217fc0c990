// Package backoff computes capped exponential retry delays with additive
// jitter. It is shared by the dispatch queue and the outbox relay.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Policy describes a capped exponential backoff. The n-th attempt (1-based)
// that fails waits min(Cap, Base*2^(n-1)) plus a uniform jitter in
// [0, Jitter).
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration

	// Rand returns a value in [0, n). Nil uses math/rand/v2.
	Rand func(n int64) int64
}

// Exponential returns base*2^shift, saturating instead of overflowing.
func Exponential(base time.Duration, shift int) time.Duration {
	if base <= 0 {
		return 0
	}
	if shift < 0 {
		shift = 0
	} else if shift > maxShift {
		shift = maxShift
	}
	mult := int64(1) << shift
	if int64(base) > math.MaxInt64/mult {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * mult)
}

// Delay returns the wait before the attempt following failed attempt n.
func (p Policy) Delay(attempt int) time.Duration {
	d := Exponential(p.Base, attempt-1)
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d + p.jitter()
}

// Ceiling is Delay without the jitter component.
func (p Policy) Ceiling(attempt int) time.Duration {
	q := p
	q.Jitter = 0
	return q.Delay(attempt)
}

func (p Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	rnd := p.Rand
	if rnd == nil {
		rnd = rand.Int64N
	}
	return time.Duration(rnd(int64(p.Jitter)))
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
