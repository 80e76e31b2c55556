// Package quota enforces per-owner submission limits at admission time:
// a monthly render quota per tier and a short rolling window that absorbs
// bursts. The guard is consulted exactly once per submission and reserves
// the slot when it allows one.
package quota

import (
	"context"

	"loom/internal/job"
)

// Limits configures the guard.
type Limits struct {
	// StandardMonthly and PriorityMonthly are renders per calendar month
	// per owner.
	StandardMonthly int
	PriorityMonthly int

	// BurstWindowSeconds and BurstMax bound submissions inside a rolling
	// window, defending the pipeline from tight client retry loops.
	BurstWindowSeconds int
	BurstMax           int
}

// DefaultLimits mirrors the shipped plan tiers.
func DefaultLimits() Limits {
	return Limits{
		StandardMonthly:    5,
		PriorityMonthly:    100,
		BurstWindowSeconds: 60,
		BurstMax:           10,
	}
}

// MonthlyFor returns the monthly ceiling for a tier.
func (l Limits) MonthlyFor(tier job.Tier) int {
	if tier == job.TierPriority {
		return l.PriorityMonthly
	}
	return l.StandardMonthly
}

// Guard answers "may this owner submit now" and records the consumption
// when the answer is yes.
type Guard interface {
	// CheckAndReserve returns nil and consumes one slot, or a
	// QuotaExceeded / RateLimited error with no consumption.
	CheckAndReserve(ctx context.Context, owner string, tier job.Tier) error
}
