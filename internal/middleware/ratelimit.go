package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether the client identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter keeps one token bucket per client in process.
type MemoryLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemoryLimiter(rps float64, burst int) *MemoryLimiter {
	return &MemoryLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
		idle:     3 * time.Minute,
		now:      time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

// Run evicts idle visitors every minute until ctx is done.
func (l *MemoryLimiter) Run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.evictIdle()
		}
	}
}

func (l *MemoryLimiter) evictIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idle)
	n := 0
	for key, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, key)
			n++
		}
	}
	return n
}

// tokenBucketScript refills and consumes a bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, microsecond precision)
// ARGV[5] = ttl (seconds)
var tokenBucketScript = redis.NewScript(`
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

// RedisLimiter shares buckets across API replicas.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
	rps    float64
	burst  int
	now    func() time.Time
}

func NewRedisLimiter(client redis.Scripter, prefix string, rps float64, burst int) *RedisLimiter {
	if prefix == "" {
		prefix = "escrow:ratelimit:"
	}
	return &RedisLimiter{client: client, prefix: prefix, rps: rps, burst: burst, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(l.now().UnixMicro()) / 1e6
	ttl := 60
	if l.rps > 0 {
		if refill := int(float64(l.burst)/l.rps) + 1; refill > ttl {
			ttl = refill
		}
	}
	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key},
		l.rps, l.burst, 1, now, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis token bucket: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) == 0 {
		return false, fmt.Errorf("redis token bucket: unexpected result %T", res)
	}
	allowed, ok := vals[0].(int64)
	if !ok {
		return false, fmt.Errorf("redis token bucket: unexpected allowed value %T", vals[0])
	}
	return allowed == 1, nil
}

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(*http.Request) string

// ClientIP keys requests by remote address.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// CallerOrIP prefers the authenticated address and falls back to the client IP.
func CallerOrIP(r *http.Request) string {
	if id, ok := IdentityFromCtx(r.Context()); ok {
		return "addr:" + string(id.Address)
	}
	return "ip:" + ClientIP(r)
}

// RateLimit rejects requests over the limit with 429. Limiter errors are logged
// and the request is let through.
func RateLimit(l Limiter, key KeyFunc, retryAfter time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if key == nil {
		key = ClientIP
	}
	retry := strconv.Itoa(int(retryAfter.Round(time.Second).Seconds()))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			ok, err := l.Allow(r.Context(), k)
			if err != nil {
				logger.Warn("rate limiter unavailable", "key", k, "error", err)
				ok = true
			}
			if !ok {
				w.Header().Set("Retry-After", retry)
				writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
