package timeout

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const zsetKey = "ride:timeouts"

// RedisScheduler keeps pending expiries in a sorted set scored by
// fire-at time, so any worker process can claim due jobs. NX scoring
// makes re-scheduling with the same ride id a no-op.
type RedisScheduler struct {
	client *redis.Client
}

func NewRedisScheduler(client *redis.Client) *RedisScheduler {
	return &RedisScheduler{client: client}
}

func (r *RedisScheduler) Schedule(ctx context.Context, rideID string, delay time.Duration) error {
	fireAt := float64(time.Now().Add(delay).UnixMilli())
	return r.client.ZAddNX(ctx, zsetKey, redis.Z{Score: fireAt, Member: rideID}).Err()
}

func (r *RedisScheduler) Cancel(ctx context.Context, rideID string) error {
	return r.client.ZRem(ctx, zsetKey, rideID).Err()
}

// Due returns ride ids whose expiry has passed, claiming each with a
// ZREM so exactly one polling worker processes it.
func (r *RedisScheduler) Due(ctx context.Context, now time.Time) ([]string, error) {
	members, err := r.client.ZRangeByScore(ctx, zsetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	claimed := make([]string, 0, len(members))
	for _, id := range members {
		n, err := r.client.ZRem(ctx, zsetKey, id).Result()
		if err != nil {
			return claimed, err
		}
		if n == 1 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}
