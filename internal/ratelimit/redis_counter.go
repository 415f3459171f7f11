package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCounter keeps per-credential request timestamps in Redis sorted
// sets so multiple gateway instances share one window. Members are
// scored by unix nanoseconds; stale members are pruned on every write.
type RedisCounter struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCounter connects to Redis at addr and verifies the connection.
func NewRedisCounter(ctx context.Context, addr, password string, db int) (*RedisCounter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	// Keep members around slightly longer than the widest window.
	return &RedisCounter{client: client, ttl: 2 * time.Hour}, nil
}

func credentialKey(credentialID int64) string {
	return fmt.Sprintf("ratelimit:credential:%d", credentialID)
}

// Record registers one admitted request for the credential.
func (c *RedisCounter) Record(ctx context.Context, credentialID int64, at time.Time) error {
	key := credentialKey(credentialID)
	score := float64(at.UnixNano())

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: score, Member: at.UnixNano()})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(at.Add(-c.ttl).UnixNano(), 10))
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

// CountSince counts requests recorded at or after since.
func (c *RedisCounter) CountSince(ctx context.Context, credentialID int64, since time.Time) (int, error) {
	min := strconv.FormatInt(since.UnixNano(), 10)
	n, err := c.client.ZCount(ctx, credentialKey(credentialID), min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return int(n), nil
}

// Close releases the underlying Redis connection.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}
