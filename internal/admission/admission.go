// Package admission validates render requests and turns them into queued
// jobs. Rejections happen before any state is written; once the job
// record exists, a failed enqueue rolls it back so no unreachable job is
// ever visible.
package admission

import (
	"context"
	"encoding/json"
	"time"

	"loom/internal/job"
	"loom/internal/pkg/errors"
	"loom/internal/pkg/ids"
	"loom/internal/pkg/logger"
	"loom/internal/queue"
	"loom/internal/quota"
	"loom/internal/store"
)

// Config bounds admission and seeds new job records.
type Config struct {
	// MaxPayloadBytes caps the input payload size.
	MaxPayloadBytes int
	// MaxAttempts is stamped onto every new job.
	MaxAttempts int
	// AvgJobDurationSeconds drives the wait estimate returned with the
	// handle. Best-effort telemetry, not a contract.
	AvgJobDurationSeconds int
}

// DefaultConfig returns the shipped admission defaults.
func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes:       256 << 10,
		MaxAttempts:           3,
		AvgJobDurationSeconds: 30,
	}
}

// Receipt is the immediate handle returned for an accepted submission.
type Receipt struct {
	JobID                string     `json:"job_id"`
	Status               job.Status `json:"status"`
	Position             int        `json:"position"`
	EstimatedWaitSeconds int        `json:"estimated_wait_seconds"`
}

// Service admits jobs into the pipeline.
type Service struct {
	store store.Store
	queue queue.Queue
	guard quota.Guard
	cfg   Config
	log   *logger.Logger
	now   func() time.Time
}

func New(st store.Store, q queue.Queue, guard quota.Guard, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Service{
		store: st,
		queue: q,
		guard: guard,
		cfg:   cfg,
		log:   log.WithComponent("admission"),
		now:   time.Now,
	}
}

// Submit validates the payload, consults the quota guard, persists a
// pending job and enqueues it on the caller's lane.
func (s *Service) Submit(ctx context.Context, owner string, tier job.Tier, payload json.RawMessage) (*Receipt, error) {
	if err := s.validate(payload); err != nil {
		return nil, err
	}

	if err := s.guard.CheckAndReserve(ctx, owner, tier); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	j := &job.Job{
		ID:           ids.New("job"),
		Owner:        owner,
		Status:       job.StatusPending,
		InputPayload: payload,
		MaxAttempts:  s.cfg.MaxAttempts,
		Priority:     tier == job.TierPriority,
		CreatedAt:    now,
	}

	if err := s.store.Create(ctx, j); err != nil {
		return nil, errors.Storage(err, "admission.create")
	}

	entry := queue.Entry{JobID: j.ID, Priority: j.Priority, EnqueuedAt: now}
	if err := s.queue.Enqueue(ctx, entry); err != nil {
		// Roll the record back so no unreachable job stays visible.
		if delErr := s.store.Delete(ctx, j.ID); delErr != nil {
			s.log.Error("compensating delete failed",
				"job_id", j.ID,
				"error", delErr.Error(),
			)
		}
		return nil, errors.Storage(err, "admission.enqueue")
	}

	position, err := s.queue.Position(ctx, j.ID)
	if err != nil {
		// The job is queued; a missing position only degrades the
		// estimate.
		s.log.Warn("position lookup failed", "job_id", j.ID, "error", err.Error())
		position = 0
	}

	s.log.FromContext(ctx).Info("job admitted",
		"job_id", j.ID,
		"owner", owner,
		"priority", j.Priority,
		"position", position,
	)

	return &Receipt{
		JobID:                j.ID,
		Status:               job.StatusPending,
		Position:             position,
		EstimatedWaitSeconds: position * s.cfg.AvgJobDurationSeconds,
	}, nil
}

func (s *Service) validate(payload json.RawMessage) error {
	if len(payload) == 0 {
		return errors.ValidationField("input", "input payload is required")
	}
	if len(payload) > s.cfg.MaxPayloadBytes {
		return errors.Validationf("input payload exceeds %d bytes", s.cfg.MaxPayloadBytes).
			WithField("max_bytes", s.cfg.MaxPayloadBytes)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return errors.ValidationField("input", "input payload must be a JSON object")
	}
	if len(obj) == 0 {
		return errors.ValidationField("input", "input payload is empty")
	}
	return nil
}
