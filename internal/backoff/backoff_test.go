package backoff

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestExponential(t *testing.T) {
	if Exponential(0, 3) != 0 {
		t.Fatalf("zero base should yield zero")
	}
	if got := Exponential(time.Second, -1); got != time.Second {
		t.Fatalf("negative shift treated as 0, got %v", got)
	}
	if got := Exponential(time.Second, 3); got != 8*time.Second {
		t.Fatalf("got %v", got)
	}
	if got := Exponential(time.Hour, 100); got != time.Duration(math.MaxInt64) {
		t.Fatalf("expected saturation, got %v", got)
	}
}

func TestPolicy_Delay_GrowsAndCaps(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Cap: time.Second}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	prev := time.Duration(0)
	for i, w := range want {
		got := p.Delay(i + 1)
		if got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
		if got < prev {
			t.Fatalf("delay decreased at attempt %d", i+1)
		}
		prev = got
	}
}

func TestPolicy_Jitter(t *testing.T) {
	var asked int64
	p := Policy{
		Base:   time.Second,
		Cap:    time.Minute,
		Jitter: 500 * time.Millisecond,
		Rand: func(n int64) int64 {
			asked = n
			return n - 1
		},
	}
	got := p.Delay(1)
	if asked != int64(500*time.Millisecond) {
		t.Fatalf("jitter bound not passed through: %d", asked)
	}
	if got != time.Second+500*time.Millisecond-1 {
		t.Fatalf("got %v", got)
	}
	if p.Ceiling(1) != time.Second {
		t.Fatalf("Ceiling should drop jitter, got %v", p.Ceiling(1))
	}

	// Default source stays within bounds.
	p.Rand = nil
	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		if d < 2*time.Second || d >= 2*time.Second+500*time.Millisecond {
			t.Fatalf("delay %v outside [2s, 2.5s)", d)
		}
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
