package worker

import (
	"context"
	"sync"
	"time"
)

// startLimiter caps the number of render starts inside a rolling time
// window across all workers in the pool.
type startLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	starts []time.Time
	now    func() time.Time
}

func newStartLimiter(max int, window time.Duration) *startLimiter {
	return &startLimiter{window: window, max: max, now: time.Now}
}

// Wait blocks until a start slot is free or ctx is done. max <= 0
// disables the limiter.
func (l *startLimiter) Wait(ctx context.Context) error {
	if l.max <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := l.now()
		cutoff := now.Add(-l.window)
		kept := l.starts[:0]
		for _, t := range l.starts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		l.starts = kept

		if len(l.starts) < l.max {
			l.starts = append(l.starts, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.starts[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
