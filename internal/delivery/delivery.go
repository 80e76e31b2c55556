// Package delivery streams completed artifacts exactly once. The
// download path reserves the artifact through the store's
// compare-and-clear before any byte is written, so concurrent duplicate
// requests resolve to one winner; the stored object is deleted when the
// stream finishes.
package delivery

import (
	"context"
	"io"
	"time"

	"loom/internal/job"
	"loom/internal/pkg/errors"
	"loom/internal/pkg/logger"
	"loom/internal/ports"
	"loom/internal/store"
)

// Artifact is a one-shot readable artifact. Closing the body deletes the
// underlying stored object.
type Artifact struct {
	JobID       string
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// Service implements the one-time download flow.
type Service struct {
	store store.Store
	sp    ports.StorageProvider
	log   *logger.Logger
	now   func() time.Time
}

func New(st store.Store, sp ports.StorageProvider, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Service{
		store: st,
		sp:    sp,
		log:   log.WithComponent("delivery"),
		now:   time.Now,
	}
}

// Download resolves, reserves and opens the artifact for jobID.
func (s *Service) Download(ctx context.Context, jobID, requester string) (*Artifact, error) {
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.NotFound("job", jobID)
		}
		return nil, errors.Storage(err, "delivery.get")
	}
	if j.Owner != requester {
		return nil, errors.Forbidden("job belongs to another owner")
	}
	if j.Status != job.StatusCompleted {
		return nil, errors.NotReady(string(j.Status))
	}
	if j.ArtifactKey == "" {
		// Completed but already delivered.
		return nil, errors.NotReady(string(j.Status))
	}

	if j.ArtifactExpired(s.now()) {
		return nil, s.expire(ctx, jobID)
	}

	rc, contentType, size, err := s.sp.GetObject(ctx, j.ArtifactKey)
	if err != nil {
		if errors.Is(err, ports.ErrObjectNotFound) {
			// The stored object is gone (reaped by an external sweep);
			// the job must reflect that before we answer, so a
			// concurrent retry path sees consistent state.
			return nil, s.expire(ctx, jobID)
		}
		// Anything else is the store being unreachable; the artifact may
		// still exist, so the job stays completed and the caller retries.
		return nil, errors.Storage(err, "delivery.get_object")
	}

	// Reserve before streaming: exactly one concurrent download may pass.
	key, err := s.store.ClearArtifact(ctx, jobID)
	if err != nil {
		_ = rc.Close()
		if errors.Is(err, store.ErrConflict) {
			return nil, errors.NotReady(string(job.StatusCompleted))
		}
		return nil, errors.Storage(err, "delivery.reserve")
	}

	if size <= 0 {
		size = j.ArtifactSize
	}

	return &Artifact{
		JobID:       jobID,
		Body:        &deletingBody{rc: rc, key: key, sp: s.sp, log: s.log},
		ContentType: contentType,
		Size:        size,
	}, nil
}

// expire marks the job failed with "artifact expired" and returns the
// client-facing error. A conflicting transition means someone else
// already expired it, which reads the same to the caller.
func (s *Service) expire(ctx context.Context, jobID string) error {
	if err := s.store.MarkExpired(ctx, jobID); err != nil && !errors.Is(err, store.ErrConflict) {
		s.log.Error("expiry transition failed", "job_id", jobID, "error", err.Error())
	}
	s.log.Info("artifact expired", "job_id", jobID)
	return errors.Expired(jobID)
}

// deletingBody removes the stored object once the consumer closes the
// stream. Deletion failures are logged, not surfaced: the pointer is
// already cleared, so the object is unreachable either way.
type deletingBody struct {
	rc  io.ReadCloser
	key string
	sp  ports.StorageProvider
	log *logger.Logger
}

func (d *deletingBody) Read(b []byte) (int, error) {
	return d.rc.Read(b)
}

func (d *deletingBody) Close() error {
	err := d.rc.Close()
	if delErr := d.sp.DeleteObject(context.Background(), d.key); delErr != nil {
		d.log.Warn("artifact object delete failed", "object_key", d.key, "error", delErr.Error())
	}
	return err
}
