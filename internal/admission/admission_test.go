package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/job"
	"loom/internal/pkg/errors"
	"loom/internal/queue"
	"loom/internal/quota"
	"loom/internal/store"
)

func testGuard() *quota.MemoryGuard {
	return quota.NewMemoryGuard(quota.Limits{
		StandardMonthly:    5,
		PriorityMonthly:    100,
		BurstWindowSeconds: 60,
		BurstMax:           100,
	})
}

func newTestService() (*Service, *store.Memory, *queue.Memory, *quota.MemoryGuard) {
	st := store.NewMemory()
	q := queue.NewMemory()
	guard := testGuard()
	svc := New(st, q, guard, DefaultConfig(), nil)
	return svc, st, q, guard
}

func TestSubmitAcceptsValidPayload(t *testing.T) {
	ctx := context.Background()
	svc, st, q, _ := newTestService()

	receipt, err := svc.Submit(ctx, "owner_a", job.TierStandard, json.RawMessage(`{"scene":"intro"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.JobID)
	assert.True(t, strings.HasPrefix(receipt.JobID, "job_"))
	assert.Equal(t, job.StatusPending, receipt.Status)
	assert.Equal(t, 1, receipt.Position)
	assert.Equal(t, DefaultConfig().AvgJobDurationSeconds, receipt.EstimatedWaitSeconds)

	// The record is persisted pending with zero attempts.
	j, err := st.Get(ctx, receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, DefaultConfig().MaxAttempts, j.MaxAttempts)
	assert.False(t, j.Priority)

	// And a matching queue entry exists.
	e, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, receipt.JobID, e.JobID)
}

func TestSubmitPriorityTier(t *testing.T) {
	ctx := context.Background()
	svc, st, q, _ := newTestService()

	receipt, err := svc.Submit(ctx, "owner_a", job.TierPriority, json.RawMessage(`{"scene":"intro"}`))
	require.NoError(t, err)

	j, err := st.Get(ctx, receipt.JobID)
	require.NoError(t, err)
	assert.True(t, j.Priority)

	e, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.True(t, e.Priority)
}

func TestSubmitPositionCountsQueue(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService()

	for want := 1; want <= 3; want++ {
		receipt, err := svc.Submit(ctx, "owner_a", job.TierStandard, json.RawMessage(fmt.Sprintf(`{"n":%d}`, want)))
		require.NoError(t, err)
		assert.Equal(t, want, receipt.Position)
		assert.Equal(t, want*DefaultConfig().AvgJobDurationSeconds, receipt.EstimatedWaitSeconds)
	}
}

func TestSubmitRejectsBadPayload(t *testing.T) {
	ctx := context.Background()
	svc, st, _, _ := newTestService()

	tests := []struct {
		name    string
		payload json.RawMessage
	}{
		{"empty", nil},
		{"not json", json.RawMessage(`not json`)},
		{"array", json.RawMessage(`[1,2,3]`)},
		{"scalar", json.RawMessage(`42`)},
		{"empty object", json.RawMessage(`{}`)},
		{"oversized", json.RawMessage(`{"pad":"` + strings.Repeat("x", DefaultConfig().MaxPayloadBytes) + `"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, "owner_a", job.TierStandard, tt.payload)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "expected validation error, got %v", err)
		})
	}

	// No record was created for any rejection.
	jobs, err := st.ListByOwner(ctx, "owner_a", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSubmitQuotaRejectionLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	svc, st, _, guard := newTestService()

	guard.SetUsage("owner_a", 5)

	_, err := svc.Submit(ctx, "owner_a", job.TierStandard, json.RawMessage(`{"scene":"intro"}`))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeQuotaExceeded))

	jobs, err := st.ListByOwner(ctx, "owner_a", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// brokenQueue fails every enqueue, for exercising the compensation path.
type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, queue.Entry) error { return fmt.Errorf("redis down") }
func (brokenQueue) EnqueueDelayed(context.Context, queue.Entry, time.Time) error {
	return fmt.Errorf("redis down")
}
func (brokenQueue) Dequeue(ctx context.Context) (queue.Entry, error) {
	<-ctx.Done()
	return queue.Entry{}, ctx.Err()
}
func (brokenQueue) Position(context.Context, string) (int, error) { return 0, fmt.Errorf("redis down") }

func TestSubmitEnqueueFailureRollsBackRecord(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := New(st, brokenQueue{}, testGuard(), DefaultConfig(), nil)

	_, err := svc.Submit(ctx, "owner_a", job.TierStandard, json.RawMessage(`{"scene":"intro"}`))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeStorage))

	// The compensating delete removed the unreachable record.
	jobs, err := st.ListByOwner(ctx, "owner_a", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
