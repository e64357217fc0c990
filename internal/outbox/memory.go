package outbox

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-dispatch-backend/internal/domain"
	"github.com/tbourn/go-dispatch-backend/internal/repo"
)

// MemoryStore is an in-process Store. Every method holds one mutex, which
// makes Claim a true compare-and-swap.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*domain.OutboxEvent
	dead   []domain.DeadLetter
	seq    int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*domain.OutboxEvent)}
}

// Append adds a PENDING event.
func (s *MemoryStore) Append(tenantID, eventType string, payload any) (domain.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.OutboxEvent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// seq keeps creation order stable for events appended in the same instant.
	s.seq++
	ev := &domain.OutboxEvent{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Type:      eventType,
		Payload:   string(body),
		Status:    domain.OutboxPending,
		CreatedAt: time.Now().UTC().Add(time.Duration(s.seq)),
	}
	s.events[ev.ID] = ev
	return *ev, nil
}

// Get returns a copy of one event.
func (s *MemoryStore) Get(id string) (domain.OutboxEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return domain.OutboxEvent{}, false
	}
	return *ev, true
}

// DeadLetters returns a copy of the dead-letter entries written so far.
func (s *MemoryStore) DeadLetters() []domain.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DeadLetter(nil), s.dead...)
}

func (s *MemoryStore) RequeueStale(_ context.Context, lockedBefore, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, ev := range s.events {
		if ev.Status == domain.OutboxProcessing && ev.LockedAt != nil && ev.LockedAt.Before(lockedBefore) {
			ev.Status = domain.OutboxPending
			ev.LockedAt = nil
			ev.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxEvent
	for _, ev := range s.events {
		if ev.Status != domain.OutboxPending {
			continue
		}
		if ev.NextRetryAt != nil && ev.NextRetryAt.After(now) {
			continue
		}
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, ev domain.OutboxEvent, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.events[ev.ID]
	if !ok || cur.Status != domain.OutboxPending || cur.Attempts != ev.Attempts {
		return false, nil
	}
	cur.Status = domain.OutboxProcessing
	cur.Attempts++
	locked := now
	cur.LockedAt = &locked
	cur.UpdatedAt = now
	return true, nil
}

// held returns the event when it is still PROCESSING at ev.Attempts.
func (s *MemoryStore) held(ev domain.OutboxEvent) (*domain.OutboxEvent, error) {
	cur, ok := s.events[ev.ID]
	if !ok || cur.Status != domain.OutboxProcessing || cur.Attempts != ev.Attempts {
		return nil, repo.ErrLeaseLost
	}
	return cur, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, ev domain.OutboxEvent, note string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.held(ev)
	if err != nil {
		return err
	}
	delivered := now
	cur.Status = domain.OutboxDelivered
	cur.LockedAt = nil
	cur.NextRetryAt = nil
	cur.DeliveredAt = &delivered
	cur.DeliveryNote = note
	cur.LastError = ""
	cur.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Reschedule(_ context.Context, ev domain.OutboxEvent, next time.Time, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.held(ev)
	if err != nil {
		return err
	}
	cur.Status = domain.OutboxPending
	cur.LockedAt = nil
	cur.NextRetryAt = &next
	cur.LastError = lastErr
	cur.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Bury(_ context.Context, ev domain.OutboxEvent, status domain.OutboxStatus, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.held(ev)
	if err != nil {
		return err
	}
	cur.Status = status
	cur.LockedAt = nil
	cur.NextRetryAt = nil
	cur.LastError = reason
	cur.UpdatedAt = now
	s.dead = append(s.dead, domain.DeadLetter{
		ID:        uuid.NewString(),
		Source:    domain.DeadLetterOutbox,
		RefID:     cur.ID,
		TenantID:  cur.TenantID,
		Type:      cur.Type,
		Payload:   cur.Payload,
		Reason:    reason,
		Attempts:  cur.Attempts,
		CreatedAt: now,
	})
	return nil
}
