// Package job defines the render job entity tracked through the pipeline.
package job

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Tier is the submitting caller's subscription tier. It decides the queue
// lane and the quota ceiling; it is fixed at admission time.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPriority Tier = "priority"
)

// ParseTier maps an external tier string to a Tier, defaulting to standard.
func ParseTier(s string) Tier {
	if s == string(TierPriority) {
		return TierPriority
	}
	return TierStandard
}

// Job is one request to render a video from structured input data.
type Job struct {
	ID           string          `json:"id"`
	Owner        string          `json:"owner"`
	Status       Status          `json:"status"`
	Progress     int             `json:"progress"`
	InputPayload json.RawMessage `json:"input_payload"`
	ArtifactKey  string          `json:"artifact_key,omitempty"`
	ArtifactSize int64           `json:"artifact_size,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Priority     bool            `json:"priority"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

// CanRetry reports whether a failed job may be re-queued by its owner.
func (j *Job) CanRetry() bool {
	return j.Status == StatusFailed && j.Attempts < j.MaxAttempts
}

// ArtifactExpired reports whether an undelivered artifact is past its TTL.
func (j *Job) ArtifactExpired(now time.Time) bool {
	return j.ExpiresAt != nil && now.After(*j.ExpiresAt)
}

// StatusView is the client-facing projection of a job. Fields beyond the
// common block are populated per status.
type StatusView struct {
	JobID     string    `json:"job_id"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Attempts  int       `json:"attempts"`
	Priority  bool      `json:"priority"`
	CreatedAt time.Time `json:"created_at"`

	// pending
	Position             int `json:"position,omitempty"`
	EstimatedWaitSeconds int `json:"estimated_wait_seconds,omitempty"`

	// completed
	DownloadReady *bool `json:"download_ready,omitempty"`

	// failed
	Error    string `json:"error,omitempty"`
	CanRetry *bool  `json:"can_retry,omitempty"`
}
