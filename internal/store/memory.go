package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"loom/internal/job"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and local
// development; single-node deployments should still prefer Postgres so
// records survive restarts.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*job.Job)}
}

func clone(j *job.Job) *job.Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.ExpiresAt != nil {
		t := *j.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func (st *Memory) Create(ctx context.Context, j *job.Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.jobs[j.ID] = clone(j)
	return nil
}

func (st *Memory) Delete(ctx context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(st.jobs, id)
	return nil
}

func (st *Memory) Get(ctx context.Context, id string) (*job.Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(j), nil
}

func (st *Memory) ListByOwner(ctx context.Context, owner string, limit int) ([]*job.Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []*job.Job
	for _, j := range st.jobs {
		if j.Owner == owner {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st *Memory) Claim(ctx context.Context, id string, now time.Time) (*job.Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok || j.Status != job.StatusPending {
		return nil, ErrConflict
	}
	started := now
	j.Status = job.StatusProcessing
	j.StartedAt = &started
	j.Attempts++
	j.Progress = 0
	return clone(j), nil
}

func (st *Memory) UpdateProgress(ctx context.Context, id string, pct int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok || j.Status != job.StatusProcessing || pct <= j.Progress {
		return nil
	}
	j.Progress = pct
	return nil
}

func (st *Memory) MarkCompleted(ctx context.Context, id, artifactKey string, size int64, completedAt, expiresAt time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != job.StatusProcessing {
		return ErrConflict
	}
	j.Status = job.StatusCompleted
	j.Progress = 100
	j.ArtifactKey = artifactKey
	j.ArtifactSize = size
	j.ErrorMessage = ""
	j.CompletedAt = &completedAt
	j.ExpiresAt = &expiresAt
	return nil
}

func (st *Memory) MarkRetrying(ctx context.Context, id, errMsg string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != job.StatusProcessing {
		return ErrConflict
	}
	j.Status = job.StatusPending
	j.ErrorMessage = truncateError(errMsg)
	return nil
}

func (st *Memory) MarkFailed(ctx context.Context, id, errMsg string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != job.StatusProcessing {
		return ErrConflict
	}
	now := time.Now().UTC()
	j.Status = job.StatusFailed
	j.ErrorMessage = truncateError(errMsg)
	j.CompletedAt = &now
	return nil
}

func (st *Memory) RequeueForRetry(ctx context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != job.StatusFailed {
		return ErrConflict
	}
	j.Status = job.StatusPending
	j.CompletedAt = nil
	return nil
}

func (st *Memory) ClearArtifact(ctx context.Context, id string) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok {
		return "", ErrNotFound
	}
	if j.ArtifactKey == "" {
		return "", ErrConflict
	}
	key := j.ArtifactKey
	j.ArtifactKey = ""
	return key, nil
}

func (st *Memory) MarkExpired(ctx context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != job.StatusCompleted {
		return ErrConflict
	}
	j.Status = job.StatusFailed
	j.ArtifactKey = ""
	j.ErrorMessage = ExpiredArtifactMessage
	return nil
}

func (st *Memory) ReapStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var ids []string
	for _, j := range st.jobs {
		if j.Status != job.StatusProcessing || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		if j.Attempts >= j.MaxAttempts {
			now := time.Now().UTC()
			j.Status = job.StatusFailed
			j.ErrorMessage = StaleWorkerMessage
			j.CompletedAt = &now
			continue
		}
		j.Status = job.StatusPending
		ids = append(ids, j.ID)
	}
	return ids, nil
}
