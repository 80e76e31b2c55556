package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/job"
	"loom/internal/pkg/errors"
)

func testLimits() Limits {
	return Limits{
		StandardMonthly:    5,
		PriorityMonthly:    100,
		BurstWindowSeconds: 60,
		BurstMax:           10,
	}
}

func TestMemoryGuardMonthlyQuota(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGuard(testLimits())

	for i := 0; i < 5; i++ {
		require.NoError(t, g.CheckAndReserve(ctx, "owner_a", job.TierStandard))
	}

	err := g.CheckAndReserve(ctx, "owner_a", job.TierStandard)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeQuotaExceeded))

	// Another owner is unaffected.
	assert.NoError(t, g.CheckAndReserve(ctx, "owner_b", job.TierStandard))
}

func TestMemoryGuardTierLimits(t *testing.T) {
	ctx := context.Background()
	limits := testLimits()
	limits.BurstMax = 1000
	g := NewMemoryGuard(limits)

	g.SetUsage("owner_a", 5)

	// Standard tier is out of quota, priority tier is not.
	err := g.CheckAndReserve(ctx, "owner_a", job.TierStandard)
	assert.True(t, errors.IsCode(err, errors.CodeQuotaExceeded))
	assert.NoError(t, g.CheckAndReserve(ctx, "owner_a", job.TierPriority))
}

func TestMemoryGuardBurstLimit(t *testing.T) {
	ctx := context.Background()
	limits := testLimits()
	limits.StandardMonthly = 1000
	limits.BurstMax = 3
	g := NewMemoryGuard(limits)

	for i := 0; i < 3; i++ {
		require.NoError(t, g.CheckAndReserve(ctx, "owner_a", job.TierStandard))
	}

	err := g.CheckAndReserve(ctx, "owner_a", job.TierStandard)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeRateLimited))

	var e *errors.Error
	require.True(t, errors.As(err, &e))
	retryAfter, ok := e.Fields["retry_after_seconds"].(int)
	require.True(t, ok)
	assert.Greater(t, retryAfter, 0)
}

func TestMemoryGuardRejectionReservesNothing(t *testing.T) {
	ctx := context.Background()
	limits := testLimits()
	limits.StandardMonthly = 1
	g := NewMemoryGuard(limits)

	require.NoError(t, g.CheckAndReserve(ctx, "owner_a", job.TierStandard))
	for i := 0; i < 3; i++ {
		err := g.CheckAndReserve(ctx, "owner_a", job.TierStandard)
		assert.True(t, errors.IsCode(err, errors.CodeQuotaExceeded))
	}

	// A rejected call burns no quota for other tiers either.
	assert.NoError(t, g.CheckAndReserve(ctx, "owner_a", job.TierPriority))
}

func TestMonthlyFor(t *testing.T) {
	limits := testLimits()
	assert.Equal(t, 5, limits.MonthlyFor(job.TierStandard))
	assert.Equal(t, 100, limits.MonthlyFor(job.TierPriority))
}
