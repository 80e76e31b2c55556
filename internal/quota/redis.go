package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"loom/internal/job"
	"loom/internal/pkg/errors"
)

// RedisGuard implements Guard on Redis: a per-owner counter keyed by
// calendar month for the quota, and a sorted set of submission timestamps
// for the rolling burst window.
type RedisGuard struct {
	rdb    *redis.Client
	prefix string
	limits Limits
	now    func() time.Time
}

// NewRedisGuard creates a guard under the given key prefix, e.g.
// "loom:quota".
func NewRedisGuard(rdb *redis.Client, prefix string, limits Limits) *RedisGuard {
	return &RedisGuard{rdb: rdb, prefix: prefix, limits: limits, now: time.Now}
}

func (g *RedisGuard) monthKey(owner string, now time.Time) string {
	return fmt.Sprintf("%s:month:%s:%s", g.prefix, owner, now.UTC().Format("200601"))
}

func (g *RedisGuard) burstKey(owner string) string {
	return fmt.Sprintf("%s:burst:%s", g.prefix, owner)
}

func (g *RedisGuard) CheckAndReserve(ctx context.Context, owner string, tier job.Tier) error {
	now := g.now()

	// Burst window first: cheaper to reject and carries a retry-after
	// hint, and a quota slot must not be consumed by a rejected call.
	window := time.Duration(g.limits.BurstWindowSeconds) * time.Second
	burstKey := g.burstKey(owner)
	cutoff := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	if err := g.rdb.ZRemRangeByScore(ctx, burstKey, "-inf", cutoff).Err(); err != nil {
		return errors.Storage(err, "quota.burst")
	}
	inWindow, err := g.rdb.ZCard(ctx, burstKey).Result()
	if err != nil {
		return errors.Storage(err, "quota.burst")
	}
	if int(inWindow) >= g.limits.BurstMax {
		oldest, err := g.rdb.ZRangeWithScores(ctx, burstKey, 0, 0).Result()
		retryAfter := g.limits.BurstWindowSeconds
		if err == nil && len(oldest) == 1 {
			freeAt := time.UnixMilli(int64(oldest[0].Score)).Add(window)
			if d := int(time.Until(freeAt).Seconds()) + 1; d > 0 && d < retryAfter {
				retryAfter = d
			}
		}
		return errors.RateLimited(retryAfter)
	}

	// Monthly quota. INCR then undo on rejection keeps the check and the
	// reservation on a single key without a script.
	limit := g.limits.MonthlyFor(tier)
	monthKey := g.monthKey(owner, now)
	used, err := g.rdb.Incr(ctx, monthKey).Result()
	if err != nil {
		return errors.Storage(err, "quota.month")
	}
	if used == 1 {
		// Keys self-clean a month after their period ends.
		_ = g.rdb.Expire(ctx, monthKey, 62*24*time.Hour).Err()
	}
	if int(used) > limit {
		_ = g.rdb.Decr(ctx, monthKey).Err()
		return errors.QuotaExceeded(limit, limit)
	}

	if err := g.rdb.ZAdd(ctx, burstKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	}).Err(); err != nil {
		return errors.Storage(err, "quota.burst")
	}
	_ = g.rdb.Expire(ctx, burstKey, window+time.Minute).Err()
	return nil
}
