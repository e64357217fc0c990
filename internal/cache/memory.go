package cache

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter is a process-local fixed-window counter. Idle windows are
// dropped opportunistically every 1024 increments.
type MemoryCounter struct {
	Now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
	calls   uint64
}

// NewMemoryCounter returns an empty counter using the wall clock.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*window)}
}

// Incr increments key within its current window.
func (c *MemoryCounter) Incr(_ context.Context, key string, win time.Duration) (int64, error) {
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.windows == nil {
		c.windows = make(map[string]*window)
	}
	c.calls++
	if c.calls%1024 == 0 {
		for k, w := range c.windows {
			if !now.Before(w.resetAt) {
				delete(c.windows, k)
			}
		}
	}

	w, ok := c.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(win)}
		c.windows[key] = w
	}
	w.count++
	return w.count, nil
}
