package quota

import (
	"context"
	"sync"
	"time"

	"loom/internal/job"
	"loom/internal/pkg/errors"
)

// MemoryGuard is the in-process Guard used by tests and local development.
type MemoryGuard struct {
	mu     sync.Mutex
	limits Limits
	months map[string]int // owner+month -> used
	bursts map[string][]time.Time
	now    func() time.Time
}

// NewMemoryGuard creates an empty in-memory guard.
func NewMemoryGuard(limits Limits) *MemoryGuard {
	return &MemoryGuard{
		limits: limits,
		months: make(map[string]int),
		bursts: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// SetUsage primes an owner's monthly usage. Test helper.
func (g *MemoryGuard) SetUsage(owner string, used int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.months[g.monthKey(owner, g.now())] = used
}

func (g *MemoryGuard) monthKey(owner string, now time.Time) string {
	return owner + ":" + now.UTC().Format("200601")
}

func (g *MemoryGuard) CheckAndReserve(ctx context.Context, owner string, tier job.Tier) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	window := time.Duration(g.limits.BurstWindowSeconds) * time.Second
	cutoff := now.Add(-window)

	recent := g.bursts[owner][:0]
	for _, t := range g.bursts[owner] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	g.bursts[owner] = recent

	if len(recent) >= g.limits.BurstMax {
		retryAfter := int(recent[0].Add(window).Sub(now).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		return errors.RateLimited(retryAfter)
	}

	limit := g.limits.MonthlyFor(tier)
	key := g.monthKey(owner, now)
	if g.months[key] >= limit {
		return errors.QuotaExceeded(g.months[key], limit)
	}

	g.months[key]++
	g.bursts[owner] = append(g.bursts[owner], now)
	return nil
}
