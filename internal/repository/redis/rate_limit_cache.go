package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"auth-gateway/internal/client"
	"auth-gateway/internal/clock"
	"auth-gateway/internal/util"
)

const ipRateLimitPrefix = "ip_rate_limit:"

// Atomic sliding window over a sorted set scored by unix milliseconds
var slidingWindowScript = goredis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local member = ARGV[4]
	local ttl = tonumber(ARGV[5])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local current_count = redis.call('ZCARD', key)
	if current_count < limit then
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, ttl)
		return {1, current_count + 1}
	end
	return {0, current_count}
`)

// RateLimitCache limits requests per IP across every instance sharing the
// Redis deployment
type RateLimitCache struct {
	client *client.RedisClient
	clock  clock.Clock
	limit  int
	window time.Duration
}

func NewRateLimitCache(c *client.RedisClient, clk clock.Clock, limit int, window time.Duration) *RateLimitCache {
	return &RateLimitCache{client: c, clock: clk, limit: limit, window: window}
}

// Allow records a request from ip and reports whether it fits the window
func (c *RateLimitCache) Allow(ctx context.Context, ip string) (bool, error) {
	allowed, _, err := c.SlidingWindowRateLimit(ctx, ipRateLimitPrefix+ip)
	return allowed, err
}

// SlidingWindowRateLimit returns whether the request is allowed and how many
// requests the window holds
func (c *RateLimitCache) SlidingWindowRateLimit(ctx context.Context, key string) (bool, int, error) {
	now := c.clock.Now().UnixMilli()
	windowStart := now - c.window.Milliseconds()

	result, err := slidingWindowScript.Run(ctx, c.client.Client, []string{key},
		now, windowStart, c.limit, uuid.NewString(), c.window.Milliseconds()).Int64Slice()
	if err != nil {
		util.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Int("limit", c.limit),
			zap.Duration("window", c.window),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from sliding window script")
	}

	allowed := result[0] == 1
	current := int(result[1])
	if !allowed {
		util.Debug("Sliding window rate limit exceeded",
			zap.String("key", key),
			zap.Int("current_count", current),
			zap.Int("limit", c.limit))
	}
	return allowed, current, nil
}

// Reset clears the window for ip
func (c *RateLimitCache) Reset(ctx context.Context, ip string) error {
	if err := c.client.Del(ctx, ipRateLimitPrefix+ip); err != nil {
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}
	return nil
}
