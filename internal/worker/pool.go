// Package worker runs the render workers: a fixed-size pool that drains
// the queue, claims jobs through the store's conditional transitions,
// drives the render engine, uploads artifacts and applies the retry
// policy. A companion reaper re-queues jobs stranded by a crashed worker.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"loom/internal/job"
	"loom/internal/pkg/errors"
	"loom/internal/pkg/logger"
	"loom/internal/ports"
	"loom/internal/queue"
	"loom/internal/renderer"
	"loom/internal/store"
)

const (
	popTimeout          = 30 * time.Second
	progressStep        = 10
	defaultConcurrency  = 4
	defaultBackoffBase  = 5 * time.Second
	defaultBackoffCap   = 5 * time.Minute
	defaultArtifactTTL  = 24 * time.Hour
	defaultContentType  = "video/mp4"
	defaultArtifactName = "render.mp4"
)

// Config tunes the worker pool.
type Config struct {
	// Concurrency is the number of jobs rendered in parallel.
	Concurrency int

	// MaxStartsPerWindow caps render starts inside StartWindow across the
	// whole pool. Zero disables the cap.
	MaxStartsPerWindow int
	StartWindow        time.Duration

	// BackoffBase and BackoffCap shape the delay between failed attempts.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// ArtifactTTL is how long a completed artifact stays downloadable.
	ArtifactTTL time.Duration
}

// Pool consumes the queue and processes jobs until its context is done.
type Pool struct {
	cfg     Config
	store   store.Store
	queue   queue.Queue
	rend    renderer.Renderer
	sp      ports.StorageProvider
	log     *logger.Logger
	limiter *startLimiter
	backoff BackoffFunc
	now     func() time.Time
}

// New builds a Pool. Zero config fields take defaults.
func New(cfg Config, st store.Store, q queue.Queue, r renderer.Renderer, sp ports.StorageProvider, log *logger.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.ArtifactTTL <= 0 {
		cfg.ArtifactTTL = defaultArtifactTTL
	}
	if cfg.StartWindow <= 0 {
		cfg.StartWindow = time.Minute
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Pool{
		cfg:     cfg,
		store:   st,
		queue:   q,
		rend:    r,
		sp:      sp,
		log:     log.WithComponent("worker"),
		limiter: newStartLimiter(cfg.MaxStartsPerWindow, cfg.StartWindow),
		backoff: ExponentialBackoff(cfg.BackoffBase, cfg.BackoffCap),
		now:     time.Now,
	}
}

// Run blocks until ctx is canceled, running cfg.Concurrency worker loops.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			return p.runWorker(ctx, id)
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) error {
	log := p.log.WithFields(map[string]any{"worker_id": id})
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		default:
		}

		popCtx, cancel := context.WithTimeout(ctx, popTimeout)
		entry, err := p.queue.Dequeue(popCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Empty queue for the whole pop window.
				continue
			}
			log.Warn("queue dequeue error, retrying",
				"error", err.Error(),
			)
			time.Sleep(1 * time.Second)
			continue
		}

		if err := p.limiter.Wait(ctx); err != nil {
			// Shutting down with an unclaimed entry in hand; the job is
			// still pending in the store, so put the entry back.
			if qErr := p.queue.Enqueue(context.Background(), entry); qErr != nil {
				log.Warn("failed to return entry to queue on shutdown",
					"job_id", entry.JobID,
					"error", qErr.Error(),
				)
			}
			return err
		}

		j, err := p.store.Claim(ctx, entry.JobID, p.now())
		if err != nil {
			switch {
			case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
				// Stale entry: the job was already claimed, retried by its
				// owner, or deleted. Drop it.
				log.Debug("dropping stale queue entry",
					"job_id", entry.JobID,
				)
			default:
				log.Warn("claim failed, returning entry to queue",
					"job_id", entry.JobID,
					"error", err.Error(),
				)
				if qErr := p.queue.EnqueueDelayed(ctx, entry, p.now().Add(time.Second)); qErr != nil {
					log.LogError(ctx, "failed to re-enqueue after claim error", qErr, "job_id", entry.JobID)
				}
			}
			continue
		}

		jobCtx := logger.ContextWithJobID(ctx, j.ID)
		jobLog := log.WithJobID(j.ID)

		jobLog.Info("processing job",
			"attempt", j.Attempts,
			"priority", j.Priority,
		)
		startTime := p.now()

		if err := p.process(jobCtx, j); err != nil {
			jobLog.Error("job attempt failed",
				"error", err.Error(),
				"attempt", j.Attempts,
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
			p.handleFailure(jobCtx, jobLog, j, err)
		} else {
			jobLog.Info("job completed",
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		}
	}
}

// process renders one claimed job and stores the artifact. Any returned
// error means the attempt failed and the retry policy decides what's next.
func (p *Pool) process(ctx context.Context, j *job.Job) error {
	lastWritten := 0
	onProgress := func(pct int) {
		// Coalesce writes: only meaningful jumps hit the store, and the
		// store itself drops anything non-monotonic.
		if pct < 100 && pct < lastWritten+progressStep {
			return
		}
		lastWritten = pct
		if err := p.store.UpdateProgress(ctx, j.ID, pct); err != nil {
			p.log.WithJobID(j.ID).Debug("progress write dropped",
				"pct", pct,
				"error", err.Error(),
			)
		}
	}

	res, err := p.rend.Render(ctx, j.InputPayload, onProgress)
	if err != nil {
		var coded *errors.Error
		if errors.As(err, &coded) {
			return err
		}
		return errors.Render(err)
	}
	defer res.Body.Close()

	contentType := res.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	out, err := p.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   fmt.Sprintf("artifacts/%s/%s", j.ID, defaultArtifactName),
		ContentType: contentType,
		Reader:      res.Body,
		Size:        res.Size,
	})
	if err != nil {
		return errors.Storage(err, "put_object")
	}

	now := p.now()
	err = p.retryStoreWrite(ctx, func() error {
		return p.store.MarkCompleted(ctx, j.ID, out.ObjectKey, out.Size, now, now.Add(p.cfg.ArtifactTTL))
	})
	if err != nil {
		// The artifact exists but the job record never reached completed;
		// remove the orphan so storage doesn't leak.
		if delErr := p.sp.DeleteObject(ctx, out.ObjectKey); delErr != nil {
			p.log.WithJobID(j.ID).Warn("failed to remove orphaned artifact",
				"object_key", out.ObjectKey,
				"error", delErr.Error(),
			)
		}
		if errors.Is(err, store.ErrConflict) {
			// Someone else moved the job while we rendered (reaper
			// re-queue, operator intervention). Not our attempt's fault.
			p.log.WithJobID(j.ID).Warn("job left processing state during render")
			return nil
		}
		return errors.Storage(err, "mark_completed")
	}
	return nil
}

// handleFailure applies the retry policy after a failed attempt.
func (p *Pool) handleFailure(ctx context.Context, log *logger.Logger, j *job.Job, renderErr error) {
	retryable := errors.IsRetryable(renderErr) && j.Attempts < j.MaxAttempts

	if !retryable {
		err := p.retryStoreWrite(ctx, func() error {
			return p.store.MarkFailed(ctx, j.ID, renderErr.Error())
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			log.LogError(ctx, "failed to mark job failed", err)
		}
		log.Info("job failed permanently",
			"attempts", j.Attempts,
			"max_attempts", j.MaxAttempts,
		)
		return
	}

	err := p.retryStoreWrite(ctx, func() error {
		return p.store.MarkRetrying(ctx, j.ID, renderErr.Error())
	})
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			log.LogError(ctx, "failed to mark job for retry", err)
		}
		return
	}

	delay := p.backoff(j.Attempts)
	entry := queue.Entry{JobID: j.ID, Priority: j.Priority, EnqueuedAt: p.now()}
	err = p.retryStoreWrite(ctx, func() error {
		return p.queue.EnqueueDelayed(ctx, entry, p.now().Add(delay))
	})
	if err != nil {
		// Pending job with no queue entry; the reaper can't see it, so
		// this is the one loss mode worth shouting about.
		log.LogError(ctx, "failed to re-enqueue job for retry", err)
		return
	}
	log.Info("job scheduled for retry",
		"attempt", j.Attempts,
		"max_attempts", j.MaxAttempts,
		"delay_ms", delay.Milliseconds(),
	)
}

// retryStoreWrite retries a store or queue write with exponential backoff.
// Conflict and not-found are terminal outcomes, not transient faults.
func (p *Pool) retryStoreWrite(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return backoff.Retry(func() error {
		err := fn()
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}
