// Package ratelimit implements scoped window counters on Redis. The
// increment and expiry check happen in a single Lua script so concurrent
// requests can never jointly exceed a quota.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind namespaces counters within a scope.
const (
	KindGlobal = "global"
	KindUser   = "user"
	KindAnon   = "anon"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Limiter holds the shared counter store.
type Limiter struct {
	client redis.UniversalClient
}

func New(client redis.UniversalClient) *Limiter {
	return &Limiter{client: client}
}

// Key builds the canonical counter key for a scope, kind, and identity.
func Key(scope, kind, identity string) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", scope, kind, identity)
}

// Allow atomically increments the counter for the current window and checks
// it against the quota. On rejection, RetryAfter carries the remaining window
// time, rounded up to at least one millisecond.
func (l *Limiter) Allow(ctx context.Context, key string, quota int, window time.Duration) (Decision, error) {
	res, err := windowScript.Run(ctx, l.client, []string{key}, quota, window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Decision{}, fmt.Errorf("unexpected result from window script: %T", res)
	}

	allowed := arr[0].(int64) == 1
	count := arr[1].(int64)
	remainingMs := arr[2].(int64)
	if remainingMs < 1 {
		remainingMs = 1
	}

	return Decision{
		Allowed:    allowed,
		Count:      count,
		RetryAfter: time.Duration(remainingMs) * time.Millisecond,
	}, nil
}

// The window is pinned by PEXPIRE on the first increment; a missing TTL
// (counter created without expiry by an interrupted run) is repaired rather
// than left to grow forever.
var windowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return {0, current, ttl}
end
return {1, current, ttl}
`)
