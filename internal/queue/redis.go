package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	popTimeout   = time.Second
	promoteBatch = 100
)

// Redis implements Queue on two Redis lists plus a sorted set for delayed
// entries. Entries are LPushed and BRPopped, so each list is FIFO; BRPOP
// is given the priority key first, which yields the strict lane
// precedence the pipeline wants.
type Redis struct {
	rdb         *redis.Client
	priorityKey string
	standardKey string
	delayedKey  string
}

// NewRedis creates a Redis queue under the given key prefix, e.g.
// "loom:jobs".
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{
		rdb:         rdb,
		priorityKey: prefix + ":priority",
		standardKey: prefix + ":standard",
		delayedKey:  prefix + ":delayed",
	}
}

func (q *Redis) laneKey(priority bool) string {
	if priority {
		return q.priorityKey
	}
	return q.standardKey
}

func (q *Redis) Enqueue(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.laneKey(e.Priority), raw).Err()
}

func (q *Redis) EnqueueDelayed(ctx context.Context, e Entry, notBefore time.Time) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, q.delayedKey, redis.Z{
		Score:  float64(notBefore.UnixMilli()),
		Member: raw,
	}).Err()
}

func (q *Redis) Dequeue(ctx context.Context) (Entry, error) {
	for {
		if err := q.promoteDue(ctx); err != nil {
			return Entry{}, err
		}

		res, err := q.rdb.BRPop(ctx, popTimeout, q.priorityKey, q.standardKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Idle; loop so due delayed entries get promoted.
				continue
			}
			return Entry{}, err
		}
		if len(res) < 2 {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(res[1]), &e); err != nil {
			return Entry{}, err
		}
		return e, nil
	}
}

// promoteDue moves delayed entries whose backoff has elapsed onto their
// lane. ZRem decides the winner when several workers promote at once.
func (q *Redis) promoteDue(ctx context.Context) error {
	members, err := q.rdb.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, raw := range members {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey, raw).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if err := q.rdb.LPush(ctx, q.laneKey(e.Priority), raw).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *Redis) Position(ctx context.Context, jobID string) (int, error) {
	prio, err := q.lanePosition(ctx, q.priorityKey, jobID)
	if err != nil {
		return 0, err
	}
	if prio > 0 {
		return prio, nil
	}

	std, err := q.lanePosition(ctx, q.standardKey, jobID)
	if err != nil {
		return 0, err
	}
	if std == 0 {
		return 0, nil
	}

	prioLen, err := q.rdb.LLen(ctx, q.priorityKey).Result()
	if err != nil {
		return 0, err
	}
	return int(prioLen) + std, nil
}

// lanePosition returns the 1-based dequeue rank of jobID within one lane,
// or 0 if absent. Entries are popped from the tail, so the rank counts
// from the end of the list.
func (q *Redis) lanePosition(ctx context.Context, key, jobID string) (int, error) {
	raws, err := q.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	for i, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.JobID == jobID {
			return len(raws) - i, nil
		}
	}
	return 0, nil
}
