package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:generations:"

// Decision is the outcome of one start attempt.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// TokenBucket throttles generation starts per tenant. Bucket state lives in a
// Redis hash so every API replica shares it. Tokens are kept in thousandths
// because Lua numbers are truncated to integers on the way back to Redis.
type TokenBucket struct {
	client     redis.UniversalClient
	capacity   int64
	refillPerS float64
	idleTTL    time.Duration
	now        func() time.Time
}

// NewTokenBucket allows bursts of capacity starts refilled at refillPerSecond.
// Buckets untouched for idleTTL are dropped.
func NewTokenBucket(client redis.UniversalClient, capacity int, refillPerSecond float64, idleTTL time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		client:     client,
		capacity:   int64(capacity),
		refillPerS: refillPerSecond,
		idleTTL:    idleTTL,
		now:        time.Now,
	}
}

// WithClock replaces the time source; refill is computed from it.
func (b *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	b.now = now
	return b
}

// Allow takes one token from the tenant's bucket.
func (b *TokenBucket) Allow(ctx context.Context, tenant string) (Decision, error) {
	if tenant == "" {
		tenant = "anonymous"
	}
	res, err := takeScript.Run(ctx, b.client, []string{keyPrefix + tenant},
		b.capacity*1000,
		int64(b.refillPerS*1000),
		b.now().UnixMilli(),
		b.idleTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", tenant, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply of %d values", tenant, len(res))
	}
	retry := time.Duration(res[2]) * time.Millisecond
	if res[2] < 0 {
		retry = b.idleTTL
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1] / 1000),
		RetryAfter: retry,
	}, nil
}

// KEYS[1] bucket hash; ARGV capacity and refill/s in milli-tokens, now ms, idle ttl ms.
// Replies {allowed, milli-tokens left, ms until the next token}.
var takeScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'milli', 'at')
local milli = tonumber(state[1]) or cap
local at = tonumber(state[2]) or now
if now > at then
  milli = math.min(cap, milli + math.floor((now - at) * rate / 1000))
end

local allowed = 0
local wait = 0
if milli >= 1000 then
  allowed = 1
  milli = milli - 1000
elseif rate > 0 then
  wait = math.ceil((1000 - milli) * 1000 / rate)
else
  wait = -1
end

redis.call('HSET', KEYS[1], 'milli', milli, 'at', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {allowed, milli, wait}
`)
