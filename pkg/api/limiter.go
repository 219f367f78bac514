package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Policy is a token bucket: RPS tokens refill per second up to Burst.
type Policy struct {
	RPS   float64
	Burst int
}

// RetryAfter is the whole seconds until one token refills.
func (p Policy) RetryAfter() int {
	if p.RPS <= 0 {
		return 1
	}
	return max(1, int(1/p.RPS+0.999))
}

// LimiterStore abstracts where rate limit buckets live.
type LimiterStore interface {
	// Allow reports whether key may spend cost tokens now.
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiterStore keeps one rate.Limiter per key in process.
type MemoryLimiterStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{visitors: make(map[string]*visitor), now: time.Now}
}

func (s *MemoryLimiterStore) Allow(_ context.Context, key string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(policy.RPS), policy.Burst)}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, cost), nil
}

// Sweep drops buckets idle for longer than idle and returns how many were removed.
func (s *MemoryLimiterStore) Sweep(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-idle)
	removed := 0
	for key, v := range s.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(s.visitors, key)
			removed++
		}
	}
	return removed
}

// redisTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, microsecond precision)
// ARGV[5] = key ttl (seconds)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// RedisLimiterStore shares buckets between server replicas.
type RedisLimiterStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLimiterStore creates a store on client. Keys are namespaced by prefix.
func NewRedisLimiterStore(client redis.UniversalClient, prefix string) *RedisLimiterStore {
	if prefix == "" {
		prefix = "karma:limiter"
	}
	return &RedisLimiterStore{client: client, prefix: prefix, now: time.Now}
}

// Ping checks connectivity.
func (s *RedisLimiterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisLimiterStore) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	rps := policy.RPS
	if rps <= 0 {
		rps = 1
	}
	// A bucket left alone this long is full again, so it can expire.
	ttl := max(1, int(float64(policy.Burst)/rps)+1)
	now := float64(s.now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{s.prefix + ":" + key}, rps, policy.Burst, cost, now, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]any)
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script reply %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
