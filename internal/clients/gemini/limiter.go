package gemini

import (
	"context"
	"sync"
	"time"
)

// RPMLimiter is a sliding-window request limiter. It tracks request
// times on the monotonic clock, so wall-clock jumps never starve or
// flood the API.
type RPMLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	marks  []time.Time
}

// NewRPMLimiter creates a limiter allowing limit requests per minute.
func NewRPMLimiter(limit int) *RPMLimiter {
	if limit <= 0 {
		limit = 10
	}
	return &RPMLimiter{
		limit:  limit,
		window: time.Minute,
	}
}

// Wait blocks until a request slot is available or the context ends.
func (l *RPMLimiter) Wait(ctx context.Context) error {
	for {
		wait := l.tryAcquire()
		if wait == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryAcquire records a slot if one is free, otherwise returns how long
// until the oldest mark leaves the window.
func (l *RPMLimiter) tryAcquire() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	kept := l.marks[:0]
	for _, m := range l.marks {
		if now.Sub(m) < l.window {
			kept = append(kept, m)
		}
	}
	l.marks = kept

	if len(l.marks) < l.limit {
		l.marks = append(l.marks, now)
		return 0
	}
	return l.window - now.Sub(l.marks[0])
}
