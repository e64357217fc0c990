package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-dispatch-backend/internal/apperr"
)

func TestBreaker_OpensOnRetryableFailures(t *testing.T) {
	b := NewBreaker("provider", 2, time.Hour)
	boom := apperr.Retryable("http 503", nil)

	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: got %v", i, err)
		}
	}
	if b.State() != "open" {
		t.Fatalf("state=%s", b.State())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if called {
		t.Fatalf("open breaker must not call through")
	}
	if !apperr.IsRetryable(err) {
		t.Fatalf("open breaker should surface a retryable error, got %v", err)
	}
}

func TestBreaker_TerminalFailuresDoNotTrip(t *testing.T) {
	b := NewBreaker("outbox", 1, time.Hour)
	bad := apperr.Terminal("http 400", nil)
	for i := 0; i < 5; i++ {
		if err := b.Execute(func() error { return bad }); !errors.Is(err, bad) {
			t.Fatalf("got %v", err)
		}
	}
	if b.State() != "closed" {
		t.Fatalf("state=%s", b.State())
	}
}

func TestBreaker_NilRunsDirectly(t *testing.T) {
	var b *Breaker
	ran := false
	if err := b.Execute(func() error { ran = true; return nil }); err != nil || !ran {
		t.Fatalf("nil breaker: ran=%v err=%v", ran, err)
	}
	if b.State() != "closed" {
		t.Fatalf("state=%s", b.State())
	}
}

func TestRetryableStatus(t *testing.T) {
	cases := map[int]bool{200: false, 400: false, 404: false, 429: true, 500: true, 503: true}
	for code, want := range cases {
		if got := RetryableStatus(code); got != want {
			t.Errorf("RetryableStatus(%d)=%v want %v", code, got, want)
		}
	}
}
