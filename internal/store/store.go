// Package store persists job records and provides the conditional-update
// primitives the pipeline's correctness rests on: a worker claims a job
// through a single atomic pending→processing transition, and downloads
// serialize on a compare-and-clear of the artifact pointer.
package store

import (
	"context"
	"errors"
	"time"

	"loom/internal/job"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("store: job not found")

	// ErrConflict is returned when a conditional transition finds the job
	// in a different state than required. Callers treat it as "someone
	// else got there first", not as a failure.
	ErrConflict = errors.New("store: state conflict")
)

// Store implements persistent storage of jobs.
//
// All state transitions are conditional on the prior status so that
// concurrent workers and concurrent downloads can never double-apply one.
type Store interface {
	// Create adds a new pending job record.
	Create(ctx context.Context, j *job.Job) error

	// Delete removes a job record. It exists for the admission service's
	// compensating action when enqueueing fails after the record was
	// written; completed jobs are retained for audit, never deleted.
	Delete(ctx context.Context, id string) error

	// Get returns the job with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*job.Job, error)

	// ListByOwner returns the owner's most recent jobs, newest first.
	ListByOwner(ctx context.Context, owner string, limit int) ([]*job.Job, error)

	// Claim atomically transitions a pending job to processing, stamps
	// startedAt, increments attempts and resets progress. It returns
	// ErrConflict if the job is not pending (another worker claimed it).
	Claim(ctx context.Context, id string, now time.Time) (*job.Job, error)

	// UpdateProgress records render progress for a processing job.
	// Writes are best-effort and monotonic: a stale or out-of-order
	// percentage is silently dropped.
	UpdateProgress(ctx context.Context, id string, pct int) error

	// MarkCompleted transitions processing→completed and stores the
	// artifact pointer, size, completion time and expiry.
	MarkCompleted(ctx context.Context, id, artifactKey string, size int64, completedAt, expiresAt time.Time) error

	// MarkRetrying transitions processing→pending after a retryable
	// failure, recording the error for diagnostics.
	MarkRetrying(ctx context.Context, id, errMsg string) error

	// MarkFailed transitions processing→failed permanently.
	MarkFailed(ctx context.Context, id, errMsg string) error

	// RequeueForRetry transitions failed→pending. This is the
	// user-initiated retry path; it returns ErrConflict unless the job
	// is currently failed.
	RequeueForRetry(ctx context.Context, id string) error

	// ClearArtifact clears the artifact pointer if and only if it is
	// still set, returning the cleared key. Exactly one of any number of
	// concurrent callers wins; the rest get ErrConflict.
	ClearArtifact(ctx context.Context, id string) (artifactKey string, err error)

	// MarkExpired transitions completed→failed with an "artifact
	// expired" error and drops the artifact pointer.
	MarkExpired(ctx context.Context, id string) error

	// ReapStale handles jobs that have been processing since before the
	// given cutoff (a crashed worker left them behind). Jobs with
	// attempts still available go back to pending and their ids are
	// returned so the caller can enqueue them again; jobs on their last
	// attempt are failed instead, keeping attempts within maxAttempts.
	ReapStale(ctx context.Context, cutoff time.Time) ([]string, error)
}

// ExpiredArtifactMessage is the error recorded by MarkExpired.
const ExpiredArtifactMessage = "artifact expired"

// StaleWorkerMessage is the error recorded when ReapStale fails a job
// whose attempts are exhausted.
const StaleWorkerMessage = "worker timed out"
