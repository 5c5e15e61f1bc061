// Package ratelimit gates provider calls per region with a fixed one-minute
// window. Supports both in-memory (single instance) and Redis (distributed)
// backends. The check-and-increment is atomic in both: the mutex spans it in
// memory, and the Redis backend gates on the value returned by INCR.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter answers whether one more provider call may be sent to a region in
// the current window. A denial is not an error; it triggers deferral.
type Limiter interface {
	Allow(ctx context.Context, region string) (bool, error)
}

// InMemoryLimiter buckets admissions by (region, minute).
type InMemoryLimiter struct {
	limit int

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start int64
	count int
}

func NewInMemoryLimiter(limit int) *InMemoryLimiter {
	return &InMemoryLimiter{
		limit:   limit,
		windows: make(map[string]*window),
	}
}

func (l *InMemoryLimiter) Allow(ctx context.Context, region string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	minute := time.Now().Unix() / 60

	w, ok := l.windows[region]
	if !ok || w.start != minute {
		w = &window{start: minute}
		l.windows[region] = w
	}

	if w.count >= l.limit {
		return false, nil
	}

	w.count++
	return true, nil
}
