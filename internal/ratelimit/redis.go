package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rift:ratelimit:"

// RedisStore counts requests in fixed one-minute windows shared by every
// instance pointing at the same Redis. A client may make
// RequestsPerMinute+BurstSize requests per window.
type RedisStore struct {
	client redis.UniversalClient
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, cfg Config) *RedisStore {
	return &RedisStore{
		client: client,
		limit:  int64(cfg.RequestsPerMinute + cfg.BurstSize),
		window: time.Minute,
		now:    time.Now,
	}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Allow increments the current window's counter for key.
func (s *RedisStore) Allow(ctx context.Context, key string) (bool, error) {
	windowStart := s.now().Truncate(s.window).Unix()
	k := keyPrefix + key + ":" + strconv.FormatInt(windowStart, 10)

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, 2*s.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis incr: %w", err)
	}
	return incr.Val() <= s.limit, nil
}

// Reset deletes every counter of key.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyPrefix+key+":*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis delete: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
