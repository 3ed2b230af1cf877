package guard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisLimiter keeps one sorted set per key, scored by arrival time in
// milliseconds, so every instance behind a load balancer shares the window.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	window time.Duration
	max    int
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, prefix string, window time.Duration, max int) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: client, prefix: prefix, window: window, max: max, now: time.Now}
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.max <= 0 {
		return true, nil
	}
	now := l.now()
	redisKey := l.prefix + key
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()
	cutoff := now.Add(-l.window).UnixMilli()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, &redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.PExpire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit pipeline: %w", err)
	}
	if card.Val() >= int64(l.max) {
		if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
			return false, fmt.Errorf("rate limit rollback: %w", err)
		}
		return false, nil
	}
	return true, nil
}
