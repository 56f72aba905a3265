package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"agent-spend-authorizer/internal/logging"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_TokenBucket(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ctx := context.Background()
	require.True(t, rl.Allow(ctx, "a").Allowed)
	d := rl.Allow(ctx, "a")
	require.True(t, d.Allowed)
	require.Zero(t, d.Remaining)
	require.False(t, rl.Allow(ctx, "a").Allowed)
	require.True(t, rl.Allow(ctx, "b").Allowed, "keys are independent")

	now = now.Add(30 * time.Second)
	require.True(t, rl.Allow(ctx, "a").Allowed, "half a window refills one token")

	now = now.Add(2 * time.Hour)
	rl.evictIdle(time.Hour)
	rl.mu.RLock()
	require.Empty(t, rl.clients)
	rl.mu.RUnlock()

	rl.Stop()
}

func TestRedisLimiter_FixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lim := NewRedisLimiter(client, 2, time.Minute)
	ctx := context.Background()

	require.True(t, lim.Allow(ctx, "10.0.0.1").Allowed)
	require.True(t, lim.Allow(ctx, "10.0.0.1").Allowed)
	d := lim.Allow(ctx, "10.0.0.1")
	require.False(t, d.Allowed)
	require.Zero(t, d.Remaining)

	mr.FastForward(time.Minute + time.Second)
	require.True(t, lim.Allow(ctx, "10.0.0.1").Allowed)
}

func TestRedisLimiter_FallsBackWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	fallback := NewRateLimiter(1, time.Minute)
	defer fallback.Stop()

	lim := NewRedisLimiter(client, 100, time.Minute)
	lim.Fallback = fallback

	ctx := context.Background()
	require.True(t, lim.Allow(ctx, "k").Allowed)
	require.False(t, lim.Allow(ctx, "k").Allowed)

	lim.Fallback = nil
	require.True(t, lim.Allow(ctx, "k").Allowed, "no fallback fails open")
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()
	h := RateLimitMiddleware(rl)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/internal/anomaly-scan", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestGetClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	require.Equal(t, "192.0.2.1:5555", GetClientKey(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	require.Equal(t, "198.51.100.7", GetClientKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", GetClientKey(req))
}

func TestRequireBearer(t *testing.T) {
	h := RequireBearer("s3cret", "cron")(okHandler())

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer s3cret", http.StatusOK},
		{"case insensitive scheme", "bearer s3cret", http.StatusOK},
		{"wrong secret", "Bearer nope", http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
		{"basic scheme", "Basic s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/internal/anomaly-scan", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequireBearer_EmptySecretRejects(t *testing.T) {
	h := RequireBearer("", "admin")(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/admin/ledger/dead-letters", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTracingMiddleware_PassesThrough(t *testing.T) {
	r := chi.NewRouter()
	r.Use(TracingMiddleware())
	r.Get("/admin/agents/{agent_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/agents/a1", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}

func TestRequestLogger_ScopesLoggerToRequest(t *testing.T) {
	var buf bytes.Buffer
	base := logging.Logger
	logging.Logger = zerolog.New(&buf)
	defer func() { logging.Logger = base }()

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(RequestLogger())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		logging.FromContext(r.Context()).Info().Msg("handled")
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-42")
	r.ServeHTTP(httptest.NewRecorder(), req)

	require.Contains(t, buf.String(), `"request_id":"req-42"`)
	require.Contains(t, buf.String(), `"path":"/health"`)
}
