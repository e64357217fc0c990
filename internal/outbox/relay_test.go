package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-dispatch-backend/internal/apperr"
	"github.com/tbourn/go-dispatch-backend/internal/domain"
	"github.com/tbourn/go-dispatch-backend/internal/repo"
	"github.com/tbourn/go-dispatch-backend/internal/resilience"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func noJitter(int64) int64 { return 0 }

// failingSender fails the first n sends with a retryable error.
type failingSender struct {
	n     int32
	calls int32
}

func (f *failingSender) Send(context.Context, domain.OutboxEvent) error {
	if atomic.AddInt32(&f.calls, 1) <= f.n {
		return apperr.Retryable("collector returned 503", nil)
	}
	return nil
}

func testConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Second,
		MaxDelay:    4 * time.Second,
		Lease:       time.Minute,
	}
}

// drive runs passes, jumping the clock to the event's retry time in between,
// until the event leaves the PENDING/PROCESSING states.
func drive(t *testing.T, r *Relay, clk *fakeClock, store *MemoryStore, id string) (domain.OutboxEvent, []time.Duration) {
	t.Helper()
	var waits []time.Duration
	for i := 0; i < 50; i++ {
		if _, err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		ev, _ := store.Get(id)
		if ev.Status != domain.OutboxPending {
			return ev, waits
		}
		waits = append(waits, ev.NextRetryAt.Sub(clk.now()))
		clk.set(*ev.NextRetryAt)
	}
	t.Fatalf("event never settled")
	return domain.OutboxEvent{}, nil
}

func TestRelay_DeliversWhenFailuresStayUnderBudget(t *testing.T) {
	store := NewMemoryStore()
	ev, _ := store.Append("t1", "report.created", map[string]string{"id": "r1"})
	clk := newClock()
	sender := &failingSender{n: 3}
	r := NewRelay(store, sender, testConfig(4), WithClock(clk.now), WithRand(noJitter))

	got, _ := drive(t, r, clk, store, ev.ID)
	if got.Status != domain.OutboxDelivered || got.Attempts != 4 || got.DeliveredAt == nil {
		t.Fatalf("expected delivery on the last attempt: %+v", got)
	}
	if len(store.DeadLetters()) != 0 {
		t.Fatalf("no dead letter expected")
	}
}

func TestRelay_DeadLettersWhenBudgetExhausted(t *testing.T) {
	store := NewMemoryStore()
	ev, _ := store.Append("t1", "report.created", map[string]string{"id": "r1"})
	clk := newClock()
	sender := &failingSender{n: 4}
	r := NewRelay(store, sender, testConfig(4), WithClock(clk.now), WithRand(noJitter))

	got, _ := drive(t, r, clk, store, ev.ID)
	if got.Status != domain.OutboxDeadLetter || got.Attempts != 4 {
		t.Fatalf("expected DEAD_LETTER after 4 attempts: %+v", got)
	}
	if sender.calls != 4 {
		t.Fatalf("sender calls=%d", sender.calls)
	}
	dls := store.DeadLetters()
	if len(dls) != 1 || dls[0].RefID != ev.ID || dls[0].Source != domain.DeadLetterOutbox {
		t.Fatalf("dead letters=%+v", dls)
	}
}

func TestRelay_BackoffGrowsAndIsCapped(t *testing.T) {
	store := NewMemoryStore()
	ev, _ := store.Append("t1", "x", map[string]string{})
	clk := newClock()
	r := NewRelay(store, &failingSender{n: 100}, testConfig(7), WithClock(clk.now), WithRand(noJitter))

	_, waits := drive(t, r, clk, store, ev.ID)
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("waits=%v", waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("wait %d = %v, want %v (all: %v)", i, waits[i], want[i], waits)
		}
		if i > 0 && waits[i] < waits[i-1] {
			t.Fatalf("backoff decreased: %v", waits)
		}
	}
}

func TestRelay_DryRunWithoutSender(t *testing.T) {
	store := NewMemoryStore()
	ev, _ := store.Append("t1", "x", map[string]string{})
	r := NewRelay(store, nil, Config{})

	res, err := r.RunOnce(context.Background())
	if err != nil || res.Delivered != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	got, _ := store.Get(ev.ID)
	if got.Status != domain.OutboxDelivered || got.DeliveryNote != DryRunNote {
		t.Fatalf("event=%+v", got)
	}
}

func TestRelay_TerminalResponseFailsEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ev, _ := store.Append("t1", "x", map[string]string{})
	r := NewRelay(store, &HTTPSender{Endpoint: srv.URL, Client: srv.Client()}, testConfig(5))

	res, _ := r.RunOnce(context.Background())
	if res.Failed != 1 {
		t.Fatalf("res=%+v", res)
	}
	got, _ := store.Get(ev.ID)
	if got.Status != domain.OutboxFailed || got.Attempts != 1 {
		t.Fatalf("event=%+v", got)
	}
	if len(store.DeadLetters()) != 1 {
		t.Fatalf("failed events are copied to the dead-letter table")
	}
}

func TestRelay_RecoversExpiredLease(t *testing.T) {
	store := NewMemoryStore()
	ev, _ := store.Append("t1", "x", map[string]string{})
	clk := newClock()

	// A relay that crashed after claiming.
	if ok, _ := store.Claim(context.Background(), ev, clk.now()); !ok {
		t.Fatalf("claim failed")
	}

	r := NewRelay(store, &failingSender{}, testConfig(3), WithClock(clk.now))
	if res, _ := r.RunOnce(context.Background()); res.Claimed != 0 {
		t.Fatalf("lease still valid: %+v", res)
	}

	clk.set(clk.now().Add(2 * time.Minute))
	res, _ := r.RunOnce(context.Background())
	if res.Recovered != 1 || res.Delivered != 1 {
		t.Fatalf("res=%+v", res)
	}
	got, _ := store.Get(ev.ID)
	if got.Attempts != 2 {
		t.Fatalf("recovered event should count the lost attempt, attempts=%d", got.Attempts)
	}
}

func TestRelay_ReclaimedPastBudgetIsDeadLettered(t *testing.T) {
	store := NewMemoryStore()
	ev, _ := store.Append("t1", "x", map[string]string{})
	clk := newClock()
	ctx := context.Background()

	// Two crashed attempts on a budget of two.
	for i := 0; i < 2; i++ {
		cur, _ := store.Get(ev.ID)
		store.Claim(ctx, cur, clk.now())
		clk.set(clk.now().Add(2 * time.Minute))
		store.RequeueStale(ctx, clk.now().Add(-time.Minute), clk.now())
	}

	sender := &failingSender{}
	r := NewRelay(store, sender, testConfig(2), WithClock(clk.now))
	res, _ := r.RunOnce(ctx)
	if res.DeadLettered != 1 || sender.calls != 0 {
		t.Fatalf("res=%+v calls=%d", res, sender.calls)
	}
	got, _ := store.Get(ev.ID)
	if got.Status != domain.OutboxDeadLetter {
		t.Fatalf("event=%+v", got)
	}
}

// countingSender records how many times each event was sent.
type countingSender struct {
	mu   sync.Mutex
	seen map[string]int
}

func (c *countingSender) Send(_ context.Context, ev domain.OutboxEvent) error {
	time.Sleep(time.Millisecond)
	c.mu.Lock()
	c.seen[ev.ID]++
	c.mu.Unlock()
	return nil
}

func runConcurrently(t *testing.T, store Store, ids []string) {
	t.Helper()
	sender := &countingSender{seen: map[string]int{}}
	a := NewRelay(store, sender, Config{Concurrency: 4})
	b := NewRelay(store, sender, Config{Concurrency: 4})

	var wg sync.WaitGroup
	for _, r := range []*Relay{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.RunOnce(context.Background()); err != nil {
				t.Errorf("RunOnce: %v", err)
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		if n := sender.seen[id]; n != 1 {
			t.Fatalf("event %s sent %d times", id, n)
		}
	}
}

func TestRelay_ConcurrentRelaysDeliverOnce_Memory(t *testing.T) {
	store := NewMemoryStore()
	var ids []string
	for i := 0; i < 20; i++ {
		ev, _ := store.Append("t1", "x", map[string]int{"i": i})
		ids = append(ids, ev.ID)
	}
	runConcurrently(t, store, ids)
}

func TestRelay_ConcurrentRelaysDeliverOnce_SQLite(t *testing.T) {
	dsn := fmt.Sprintf("file:outbox_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = sqlDB.Close() })
	}
	if err := db.AutoMigrate(&domain.OutboxEvent{}, &domain.DeadLetter{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	var ids []string
	for i := 0; i < 20; i++ {
		ev, err := repo.AppendOutbox(context.Background(), db, "t1", "x", map[string]int{"i": i})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, ev.ID)
	}
	runConcurrently(t, repo.OutboxStore{DB: db}, ids)

	counts, err := repo.OutboxCounts(context.Background(), db)
	if err != nil || counts[domain.OutboxDelivered] != 20 {
		t.Fatalf("counts=%v err=%v", counts, err)
	}
}

func TestRelay_RunStopShutdown(t *testing.T) {
	r := NewRelay(NewMemoryStore(), nil, Config{PollInterval: 5 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	r.Stop()
	r.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestHTTPSender_EnvelopeAndClassification(t *testing.T) {
	var (
		status  int32 = http.StatusAccepted
		gotBody Envelope
		gotKey  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	s := &HTTPSender{Endpoint: srv.URL, Client: srv.Client(), Breaker: resilience.NewBreaker("collector", 2, time.Hour)}
	ev := domain.OutboxEvent{ID: "e1", TenantID: "t1", Type: "report.created", Payload: `{"id":"r1"}`, Attempts: 1}

	if err := s.Send(context.Background(), ev); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotKey != "e1" || gotBody.Type != "report.created" || string(gotBody.Payload) != `{"id":"r1"}` {
		t.Fatalf("key=%q body=%+v", gotKey, gotBody)
	}

	atomic.StoreInt32(&status, http.StatusTooManyRequests)
	if err := s.Send(context.Background(), ev); !apperr.IsRetryable(err) {
		t.Fatalf("429 should be retryable, got %v", err)
	}
	atomic.StoreInt32(&status, http.StatusBadRequest)
	if err := s.Send(context.Background(), ev); apperr.KindOf(err) != apperr.KindTerminalDelivery {
		t.Fatalf("400 should be terminal, got %v", err)
	}

	// Two consecutive 5xx trip the breaker; the next call is rejected locally.
	atomic.StoreInt32(&status, http.StatusBadGateway)
	s.Send(context.Background(), ev)
	s.Send(context.Background(), ev)
	err := s.Send(context.Background(), ev)
	if !apperr.IsRetryable(err) || s.Breaker.State() != "open" {
		t.Fatalf("expected open breaker, state=%s err=%v", s.Breaker.State(), err)
	}

	srv.Close()
	s2 := &HTTPSender{Endpoint: srv.URL}
	err = s2.Send(context.Background(), ev)
	if !apperr.IsRetryable(err) || errors.Is(err, apperr.ErrTerminalDelivery) {
		t.Fatalf("transport error should be retryable, got %v", err)
	}
}
