package worker

import (
	"context"
	"time"

	"loom/internal/pkg/logger"
	"loom/internal/queue"
	"loom/internal/store"
)

const (
	defaultReapInterval = time.Minute
	defaultStaleAfter   = 15 * time.Minute
)

// Reaper periodically returns jobs stranded in processing by a crashed
// worker to the pending state and re-queues them on their original lane.
type Reaper struct {
	store      store.Store
	queue      queue.Queue
	log        *logger.Logger
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// NewReaper builds a Reaper. Non-positive durations take defaults.
func NewReaper(st store.Store, q queue.Queue, log *logger.Logger, interval, staleAfter time.Duration) *Reaper {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Reaper{
		store:      st,
		queue:      q,
		log:        log.WithComponent("reaper"),
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Run blocks until ctx is canceled, sweeping on every tick.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopping")
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	cutoff := r.now().Add(-r.staleAfter)
	ids, err := r.store.ReapStale(ctx, cutoff)
	if err != nil {
		r.log.LogError(ctx, "stale job sweep failed", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	r.log.Warn("re-queueing stale jobs",
		"count", len(ids),
	)

	for _, id := range ids {
		j, err := r.store.Get(ctx, id)
		if err != nil {
			r.log.LogError(ctx, "failed to load reaped job", err, "job_id", id)
			continue
		}
		e := queue.Entry{JobID: j.ID, Priority: j.Priority, EnqueuedAt: r.now()}
		if err := r.queue.Enqueue(ctx, e); err != nil {
			r.log.LogError(ctx, "failed to re-enqueue reaped job", err, "job_id", id)
		}
	}
}
