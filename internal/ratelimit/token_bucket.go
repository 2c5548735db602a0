package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Bucket describes one token bucket. Uploads can be priced by size through
// BytesPerToken so a caller sending large photos drains its bucket faster.
type Bucket struct {
	RequestsPerMinute int
	BurstSize         int
	BytesPerToken     int64
}

func (b Bucket) Enabled() bool {
	return b.RequestsPerMinute > 0 && b.BurstSize > 0
}

// Cost is the number of tokens an upload of size bytes takes. It is at least
// one and never more than the burst, so any single upload can eventually pass.
func (b Bucket) Cost(size int64) int {
	if b.BytesPerToken <= 0 || size <= 0 {
		return 1
	}
	n := (size + b.BytesPerToken - 1) / b.BytesPerToken
	if n < 1 {
		return 1
	}
	if b.BurstSize > 0 && n > int64(b.BurstSize) {
		return b.BurstSize
	}
	return int(n)
}

// ttl keeps idle bucket state for about two refill-to-full cycles.
func (b Bucket) ttl() time.Duration {
	const (
		floor   = 30 * time.Second
		ceiling = time.Hour
	)
	if !b.Enabled() {
		return 2 * time.Minute
	}
	fill := time.Duration(float64(b.BurstSize) * 60 / float64(b.RequestsPerMinute) * float64(time.Second))
	ttl := 2*fill + 5*time.Second
	switch {
	case ttl < floor:
		return floor
	case ttl > ceiling:
		return ceiling
	}
	return ttl.Round(time.Second)
}

// Request identifies who is spending tokens from which bucket.
type Request struct {
	Scope   string
	Subject string
	Cost    int
}

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Remaining is the whole number of tokens left after this decision.
	Remaining int
}

type Limiter interface {
	Allow(ctx context.Context, req Request, bucket Bucket) (Decision, error)
}

// TokenBucketLimiter keeps bucket state in Redis so every replica shares it.
type TokenBucketLimiter struct {
	rdb *redis.Client
}

func NewTokenBucketLimiter(rdb *redis.Client) *TokenBucketLimiter {
	return &TokenBucketLimiter{rdb: rdb}
}

// KEYS[1] bucket hash; ARGV rate (tokens/ms), capacity, cost, now (ms), ttl (ms).
// Returns {allowed, wait_ms, remaining}.
var spendScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now
if last > now then last = now end
tokens = math.min(capacity, tokens + (now - last) * rate)

local allowed, wait = 0, 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
elseif rate > 0 then
  wait = math.ceil((cost - tokens) / rate)
else
  wait = 60000
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {allowed, wait, math.floor(tokens)}
`)

func (l *TokenBucketLimiter) Allow(ctx context.Context, req Request, bucket Bucket) (Decision, error) {
	if l == nil || l.rdb == nil || !bucket.Enabled() {
		return Decision{Allowed: true}, nil
	}
	cost := req.Cost
	if cost < 1 {
		cost = 1
	}
	if cost > bucket.BurstSize {
		cost = bucket.BurstSize
	}

	perMS := float64(bucket.RequestsPerMinute) / float64(time.Minute/time.Millisecond)
	args := []interface{}{perMS, bucket.BurstSize, cost, time.Now().UnixMilli(), bucket.ttl().Milliseconds()}
	res, err := spendScript.Run(ctx, l.rdb, []string{bucketKey(req)}, args...).Result()
	if err != nil {
		return Decision{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit reply: %v", res)
	}
	allowed, _ := vals[0].(int64)
	waitMS, _ := vals[1].(int64)
	remaining, _ := vals[2].(int64)

	dec := Decision{Allowed: allowed == 1, Remaining: int(remaining)}
	if !dec.Allowed {
		dec.RetryAfter = time.Duration(math.Max(float64(waitMS), 1)) * time.Millisecond
	}
	return dec, nil
}

// bucketKey hashes the subject so bearer tokens never land in Redis.
func bucketKey(req Request) string {
	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		scope = "default"
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = "unknown"
	}
	sum := sha256.Sum256([]byte(subject))
	return "tiledetect:rl:" + scope + ":" + hex.EncodeToString(sum[:])
}
