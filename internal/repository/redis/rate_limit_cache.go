package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/repository"
)

const rateLimitPrefix = "rate_limit:"

// slidingWindowScript keeps one ZSET member per admitted event, scored in milliseconds.
// Returns {allowed, retry_after_ms}.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local retry = window
	if oldest[2] then
		retry = tonumber(oldest[2]) + window - now
	end
	return {0, retry}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

type RateLimitCache struct {
	client *client.RedisClient
	logger *zap.Logger
}

var _ repository.RateLimiter = (*RateLimitCache)(nil)

func NewRateLimitCache(client *client.RedisClient, logger *zap.Logger) *RateLimitCache {
	return &RateLimitCache{client: client, logger: logger}
}

// Allow admits the event if fewer than limit events were admitted in (now-window, now].
func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	member, err := uniqueMember(now)
	if err != nil {
		return false, 0, err
	}

	res, err := c.client.RunScript(ctx, slidingWindowScript, []string{rateLimitPrefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, member)
	if err != nil {
		c.logger.Error("Sliding window rate limit failed", zap.String("key", key), zap.Error(err))
		return false, 0, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit reply %v", res)
	}
	allowed, _ := vals[0].(int64)
	retryMs, _ := vals[1].(int64)

	if allowed == 1 {
		return true, 0, nil
	}
	if retryMs < 0 {
		retryMs = 0
	}
	return false, time.Duration(retryMs) * time.Millisecond, nil
}

func uniqueMember(now time.Time) (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate rate limit member: %w", err)
	}
	return fmt.Sprintf("%d-%s", now.UnixNano(), hex.EncodeToString(b)), nil
}
