package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-memory Queue for tests and local
// development. Enqueues nudge blocked Dequeue calls through a signal
// channel; delayed entries are promoted opportunistically on each
// dequeue pass.
type Memory struct {
	mu       sync.Mutex
	priority []Entry
	standard []Entry
	delayed  []delayedEntry
	signal   chan struct{}
}

type delayedEntry struct {
	entry     Entry
	notBefore time.Time
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{signal: make(chan struct{}, 1)}
}

func (q *Memory) nudge() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Memory) Enqueue(ctx context.Context, e Entry) error {
	q.mu.Lock()
	if e.Priority {
		q.priority = append(q.priority, e)
	} else {
		q.standard = append(q.standard, e)
	}
	q.mu.Unlock()
	q.nudge()
	return nil
}

func (q *Memory) EnqueueDelayed(ctx context.Context, e Entry, notBefore time.Time) error {
	q.mu.Lock()
	q.delayed = append(q.delayed, delayedEntry{entry: e, notBefore: notBefore})
	q.mu.Unlock()
	return nil
}

func (q *Memory) Dequeue(ctx context.Context) (Entry, error) {
	for {
		if e, ok := q.tryDequeue(); ok {
			return e, nil
		}
		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-q.signal:
		case <-time.After(20 * time.Millisecond):
			// wake up for delayed promotion
		}
	}
}

func (q *Memory) tryDequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteDueLocked(time.Now())
	if len(q.priority) > 0 {
		e := q.priority[0]
		q.priority = q.priority[1:]
		return e, true
	}
	if len(q.standard) > 0 {
		e := q.standard[0]
		q.standard = q.standard[1:]
		return e, true
	}
	return Entry{}, false
}

func (q *Memory) promoteDueLocked(now time.Time) {
	var remaining []delayedEntry
	for _, d := range q.delayed {
		if !now.Before(d.notBefore) {
			if d.entry.Priority {
				q.priority = append(q.priority, d.entry)
			} else {
				q.standard = append(q.standard, d.entry)
			}
		} else {
			remaining = append(remaining, d)
		}
	}
	q.delayed = remaining
}

func (q *Memory) Position(ctx context.Context, jobID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.priority {
		if e.JobID == jobID {
			return i + 1, nil
		}
	}
	for i, e := range q.standard {
		if e.JobID == jobID {
			return len(q.priority) + i + 1, nil
		}
	}
	return 0, nil
}
