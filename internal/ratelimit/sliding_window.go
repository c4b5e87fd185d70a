package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlidingWindow implements per-org admission control over a trailing window,
// backed by a Redis sorted set. Prune, count, and record run as one Lua
// script, so a concurrent burst cannot push admissions past the limit.
type SlidingWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewSlidingWindow constructs a limiter admitting limit requests per window.
func NewSlidingWindow(client *redis.Client, limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{client: client, limit: limit, window: window}
}

// Allow decides admission for one request from orgID. On rejection,
// retryAfter is the time until the oldest window entry expires. Backend
// errors are returned to the caller, which is expected to fail closed: the
// limiter guards cost exposure.
func (w *SlidingWindow) Allow(ctx context.Context, orgID string) (allowed bool, retryAfter time.Duration, err error) {
	key := "ratelimit:" + orgID
	nowMs := time.Now().UnixMilli()
	// Unique member per request so identical-millisecond arrivals all count.
	member := fmt.Sprintf("%d-%s", nowMs, uuid.New().String())

	res, err := windowScript.Run(ctx, w.client, []string{key},
		w.limit, w.window.Milliseconds(), nowMs, member).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}
	return parseWindowReply(res)
}

// parseWindowReply decodes the {admitted, retryMs} script reply. Anything
// malformed is an error, which the caller treats like a backend failure.
func parseWindowReply(res any) (bool, time.Duration, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected rate limit reply: %v", res)
	}
	admitted, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected rate limit reply: %v", res)
	}
	if admitted == 1 {
		return true, 0, nil
	}
	retryMs, ok := arr[1].(int64)
	if !ok || retryMs < 1000 {
		retryMs = 1000
	}
	return false, time.Duration(retryMs) * time.Millisecond, nil
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local retry = window
  if oldest[2] then
    retry = window - (now - tonumber(oldest[2]))
  end
  return {0, retry}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, 0}
`)
