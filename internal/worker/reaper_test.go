package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/job"
	"loom/internal/queue"
	"loom/internal/store"
)

func TestReaperSweep(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()

	require.NoError(t, st.Create(ctx, &job.Job{
		ID:           "job_stranded",
		Owner:        "owner_a",
		Status:       job.StatusPending,
		InputPayload: json.RawMessage(`{"scene":"intro"}`),
		MaxAttempts:  3,
		Priority:     true,
		CreatedAt:    time.Now().UTC(),
	}))
	require.NoError(t, st.Create(ctx, &job.Job{
		ID:           "job_active",
		Owner:        "owner_a",
		Status:       job.StatusPending,
		InputPayload: json.RawMessage(`{"scene":"outro"}`),
		MaxAttempts:  3,
		CreatedAt:    time.Now().UTC(),
	}))

	// One worker died an hour ago, one is mid-render.
	_, err := st.Claim(ctx, "job_stranded", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = st.Claim(ctx, "job_active", time.Now())
	require.NoError(t, err)

	r := NewReaper(st, q, nil, time.Minute, 15*time.Minute)
	r.sweep(ctx)

	j, err := st.Get(ctx, "job_stranded")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)

	j, err = st.Get(ctx, "job_active")
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, j.Status)

	// The stranded job is back on its original lane.
	dequeueCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	e, err := q.Dequeue(dequeueCtx)
	require.NoError(t, err)
	assert.Equal(t, "job_stranded", e.JobID)
	assert.True(t, e.Priority)

	// Nothing else was queued.
	emptyCtx, cancel2 := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel2()
	_, err = q.Dequeue(emptyCtx)
	assert.Error(t, err)
}

func TestReaperFailsJobOutOfAttempts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()

	require.NoError(t, st.Create(ctx, &job.Job{
		ID:           "job_last_attempt",
		Owner:        "owner_a",
		Status:       job.StatusPending,
		InputPayload: json.RawMessage(`{"scene":"intro"}`),
		MaxAttempts:  1,
		CreatedAt:    time.Now().UTC(),
	}))
	_, err := st.Claim(ctx, "job_last_attempt", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	r := NewReaper(st, q, nil, time.Minute, 15*time.Minute)
	r.sweep(ctx)

	// The last attempt was consumed by the dead worker, so the job fails
	// instead of going around again.
	j, err := st.Get(ctx, "job_last_attempt")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, store.StaleWorkerMessage, j.ErrorMessage)
	assert.Equal(t, 1, j.Attempts)

	emptyCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(emptyCtx)
	assert.Error(t, err)
}
