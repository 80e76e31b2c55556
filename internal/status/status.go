// Package status serves read-only job queries and the user-initiated
// retry. Ownership is enforced here: a requester other than the job's
// owner gets a ForbiddenError, deliberately revealing that the id exists.
package status

import (
	"context"
	"time"

	"loom/internal/job"
	"loom/internal/pkg/errors"
	"loom/internal/pkg/logger"
	"loom/internal/queue"
	"loom/internal/store"
)

// Service answers status queries against the job store plus a live queue
// position lookup.
type Service struct {
	store                 store.Store
	queue                 queue.Queue
	avgJobDurationSeconds int
	log                   *logger.Logger
	now                   func() time.Time
}

func New(st store.Store, q queue.Queue, avgJobDurationSeconds int, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Service{
		store:                 st,
		queue:                 q,
		avgJobDurationSeconds: avgJobDurationSeconds,
		log:                   log.WithComponent("status"),
		now:                   time.Now,
	}
}

// GetStatus returns the client-facing view of a job.
func (s *Service) GetStatus(ctx context.Context, jobID, requester string) (*job.StatusView, error) {
	j, err := s.fetchOwned(ctx, jobID, requester)
	if err != nil {
		return nil, err
	}

	view := &job.StatusView{
		JobID:     j.ID,
		Status:    j.Status,
		Progress:  j.Progress,
		Attempts:  j.Attempts,
		Priority:  j.Priority,
		CreatedAt: j.CreatedAt,
	}

	switch j.Status {
	case job.StatusPending:
		position, err := s.queue.Position(ctx, j.ID)
		if err != nil {
			s.log.Warn("position lookup failed", "job_id", j.ID, "error", err.Error())
		}
		view.Position = position
		view.EstimatedWaitSeconds = position * s.avgJobDurationSeconds
	case job.StatusCompleted:
		ready := j.ArtifactKey != "" && !j.ArtifactExpired(s.now())
		view.DownloadReady = &ready
	case job.StatusFailed:
		view.Error = j.ErrorMessage
		canRetry := j.CanRetry()
		view.CanRetry = &canRetry
	}

	return view, nil
}

// Retry re-queues a failed job under its original id. Only valid while
// the job still has attempts left.
func (s *Service) Retry(ctx context.Context, jobID, requester string) (*job.StatusView, error) {
	j, err := s.fetchOwned(ctx, jobID, requester)
	if err != nil {
		return nil, err
	}

	if !j.CanRetry() {
		return nil, errors.New(errors.CodeConflict, "job is not retryable").
			WithField("status", string(j.Status)).
			WithField("attempts", j.Attempts)
	}

	if err := s.store.RequeueForRetry(ctx, jobID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with another retry call; treat it as done.
			return s.GetStatus(ctx, jobID, requester)
		}
		return nil, errors.Storage(err, "status.retry")
	}

	entry := queue.Entry{JobID: j.ID, Priority: j.Priority, EnqueuedAt: s.now().UTC()}
	if err := s.queue.Enqueue(ctx, entry); err != nil {
		return nil, errors.Storage(err, "status.retry")
	}

	s.log.FromContext(ctx).Info("job re-queued by owner", "job_id", j.ID)
	return s.GetStatus(ctx, jobID, requester)
}

func (s *Service) fetchOwned(ctx context.Context, jobID, requester string) (*job.Job, error) {
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.NotFound("job", jobID)
		}
		return nil, errors.Storage(err, "status.get")
	}
	if j.Owner != requester {
		return nil, errors.Forbidden("job belongs to another owner")
	}
	return j, nil
}
