package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-spend-authorizer/internal/logging"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

// RateLimiter implements a token bucket rate limiter for one process.
type RateLimiter struct {
	mu       sync.RWMutex
	clients  map[string]*clientLimiter
	rate     int           // requests per window
	window   time.Duration // time window
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type clientLimiter struct {
	tokens     int
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter allowing rate requests per window.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientLimiter),
		rate:    rate,
		window:  window,
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	go rl.cleanup(5 * time.Minute)

	return rl
}

// cleanup periodically drops clients idle for longer than an hour.
func (rl *RateLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.evictIdle(time.Hour)
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, limiter := range rl.clients {
		limiter.mu.Lock()
		if now.Sub(limiter.lastUpdate) > idle {
			delete(rl.clients, key)
		}
		limiter.mu.Unlock()
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Allow consumes a token for key if one is available.
func (rl *RateLimiter) Allow(_ context.Context, key string) Decision {
	rl.mu.RLock()
	limiter, exists := rl.clients[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		limiter, exists = rl.clients[key]
		if !exists {
			limiter = &clientLimiter{tokens: rl.rate, lastUpdate: rl.now()}
			rl.clients[key] = limiter
		}
		rl.mu.Unlock()
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := rl.now()
	elapsed := now.Sub(limiter.lastUpdate)

	if elapsed >= rl.window {
		limiter.tokens = rl.rate
		limiter.lastUpdate = now
	} else if add := int(float64(rl.rate) * elapsed.Seconds() / rl.window.Seconds()); add > 0 {
		limiter.tokens = min(limiter.tokens+add, rl.rate)
		limiter.lastUpdate = now
	}

	d := Decision{Limit: rl.rate, ResetAt: limiter.lastUpdate.Add(rl.window)}
	if limiter.tokens > 0 {
		limiter.tokens--
		d.Allowed = true
	}
	d.Remaining = limiter.tokens
	return d
}

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter is a fixed-window limiter shared by every replica. When Redis
// is unreachable it defers to Fallback, or allows the request if none is set.
type RedisLimiter struct {
	Client   redis.UniversalClient
	Rate     int
	Window   time.Duration
	Prefix   string
	Fallback Limiter
}

func NewRedisLimiter(client redis.UniversalClient, rate int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{Client: client, Rate: rate, Window: window, Prefix: "rl:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) Decision {
	res, err := fixedWindowScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		logging.Component("ratelimit").Warn().Err(err).Msg("redis rate limiter unavailable")
		if l.Fallback != nil {
			return l.Fallback.Allow(ctx, key)
		}
		return Decision{Allowed: true, Limit: l.Rate, Remaining: l.Rate}
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if ttl < 0 {
		ttl = l.Window
	}
	return Decision{
		Allowed:   count <= l.Rate,
		Limit:     l.Rate,
		Remaining: max(l.Rate-count, 0),
		ResetAt:   time.Now().Add(ttl),
	}
}

// GetClientKey extracts a client identifier from the request: the first
// X-Forwarded-For hop, then X-Real-IP, then the peer address.
func GetClientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	return r.RemoteAddr
}

// RateLimitMiddleware rejects callers over their limit with 429.
func RateLimitMiddleware(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := limiter.Allow(r.Context(), GetClientKey(r))

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				if !d.ResetAt.IsZero() {
					retry := int(time.Until(d.ResetAt).Seconds()) + 1
					w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
