package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// FixedWindowLimiter limits requests per key in a fixed window shared through Redis.
type FixedWindowLimiter struct {
	limit   int
	window  time.Duration
	timeout time.Duration
	client  *redis.Client
	prefix  string
	now     func() time.Time
}

// NewRedisFixedWindowLimiter creates a limiter on an existing client.
func NewRedisFixedWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "synthgpt:ratelimit"
	}
	return &FixedWindowLimiter{
		limit:   limit,
		window:  window,
		timeout: 500 * time.Millisecond,
		client:  client,
		prefix:  prefix,
		now:     time.Now,
	}, nil
}

// Allow counts one hit for key. Redis failures fail closed: the decision is
// a rejection and the error is returned for logging.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l == nil {
		return Decision{}, errors.New("rate limiter not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil {
		return Decision{RetryAfter: time.Second}, fmt.Errorf("rate limit: %w", err)
	}
	if len(res) != 2 {
		return Decision{RetryAfter: time.Second}, fmt.Errorf("rate limit: unexpected script reply %v", res)
	}
	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	if count <= int64(l.limit) {
		return Decision{Allowed: true, Remaining: l.limit - int(count)}, nil
	}
	if ttl <= 0 {
		ttl = l.window
	}
	return Decision{RetryAfter: ttl}, nil
}
