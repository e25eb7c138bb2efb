// Package ratelimit throttles the vision-model endpoints per caller.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// The first INCR in a window starts its expiry; the script returns the
// running count and the milliseconds left.
var windowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// Limiter counts calls per key in fixed windows kept in Redis. A nil
// *Limiter allows everything, which is what a deployment without Redis gets.
type Limiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// New returns a limiter allowing limit calls per window for each key.
func New(client *redis.Client, prefix string, limit int, window time.Duration) (*Limiter, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	if limit <= 0 || window <= 0 {
		return nil, errors.New("ratelimit: limit and window must be positive")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "medicare:ratelimit"
	}
	return &Limiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}, nil
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Allow charges one call to key. Redis errors deny the call.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	if l == nil {
		return Decision{Allowed: true, Remaining: -1}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	vals, err := windowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil || len(vals) != 2 {
		return Decision{RetryAfter: time.Second}
	}
	count, ttl := vals[0], vals[1]
	if count > int64(l.limit) {
		if ttl < 0 {
			ttl = windowMs
		}
		return Decision{RetryAfter: time.Duration(ttl) * time.Millisecond}
	}
	return Decision{Allowed: true, Remaining: l.limit - int(count)}
}
