// Package queue provides the two-lane work queue feeding the worker pool.
// The priority lane always drains before the standard lane; within a lane,
// entries are FIFO by enqueue time. The queue is ephemeral: the job store
// is the source of truth, and a dangling entry is simply dropped when the
// claim on its job fails.
package queue

import (
	"context"
	"time"
)

// Entry is the lightweight queue record for a pending job.
type Entry struct {
	JobID      string    `json:"job_id"`
	Priority   bool      `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is the two-lane job queue.
type Queue interface {
	// Enqueue appends the entry to its lane.
	Enqueue(ctx context.Context, e Entry) error

	// EnqueueDelayed holds the entry back until notBefore, then makes it
	// dequeuable on its lane. Used for retry backoff.
	EnqueueDelayed(ctx context.Context, e Entry, notBefore time.Time) error

	// Dequeue blocks until an entry is available or ctx is done. The
	// priority lane is drained completely before the standard lane.
	Dequeue(ctx context.Context) (Entry, error)

	// Position returns the 1-based rank of the job among pending entries
	// across both lanes, or 0 if the job is not queued. A standard-lane
	// entry's position includes every queued priority-lane entry.
	Position(ctx context.Context, jobID string) (int, error)
}
