package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairlink/relay-server-go/internal/redis"
)

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("allows requests under limit", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			allowed, remaining, _ := limiter.Check(ctx, "ip-1", 10)
			assert.True(t, allowed)
			assert.Equal(t, 10-i-1, remaining)
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.Check(ctx, "ip-2", 5)
		}

		allowed, remaining, _ := limiter.Check(ctx, "ip-2", 5)
		assert.False(t, allowed)
		assert.Equal(t, 0, remaining)
	})

	t.Run("tracks keys separately", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.Check(ctx, "ip-a", 5)
		}

		allowed, _, _ := limiter.Check(ctx, "ip-b", 5)
		assert.True(t, allowed)
	})

	t.Run("window slides", func(t *testing.T) {
		now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		limiter := NewRateLimiter()
		limiter.now = func() time.Time { return now }

		for i := 0; i < 3; i++ {
			limiter.Check(ctx, "ip-3", 3)
		}
		allowed, _, _ := limiter.Check(ctx, "ip-3", 3)
		assert.False(t, allowed)

		now = now.Add(windowDuration + time.Second)
		allowed, _, _ = limiter.Check(ctx, "ip-3", 3)
		assert.True(t, allowed)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	newHandler := func(limit int) http.Handler {
		mw := NewRateLimitMiddleware(NewRateLimiter(), "authenticate", limit)
		return mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	}

	t.Run("sets rate limit headers", func(t *testing.T) {
		handler := newHandler(100)

		req := httptest.NewRequest("POST", "/api/invitation/authenticate", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	})

	t.Run("rejects over limit with 429", func(t *testing.T) {
		handler := newHandler(2)

		var rec *httptest.ResponseRecorder
		for i := 0; i < 3; i++ {
			req := httptest.NewRequest("POST", "/api/invitation/authenticate", nil)
			req.RemoteAddr = "10.0.0.1:5555"
			rec = httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
		}

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])
	})

	t.Run("limits each client ip separately", func(t *testing.T) {
		handler := newHandler(1)

		for _, ip := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
			req := httptest.NewRequest("POST", "/", nil)
			req.RemoteAddr = ip
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	})
}

func TestRedisRateLimiter(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	client, err := redis.NewClient(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	key := "test-" + time.Now().Format("150405.000000")
	defer client.Del(ctx, redis.RateLimitKey("http", key))

	limiter := NewRedisRateLimiter(client.Client)
	for i := 0; i < 2; i++ {
		allowed, _, _ := limiter.Check(ctx, key, 2)
		assert.True(t, allowed)
	}
	allowed, remaining, _ := limiter.Check(ctx, key, 2)
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)
}
