package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"auth-gateway/internal/clock"
)

func TestMemoryLimiterPerIP(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := NewMemoryLimiter(1, 2, clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "10.0.0.1")
		assert.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "10.0.0.1")
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "10.0.0.2")
	assert.True(t, ok, "other clients keep their own budget")

	clk.Advance(time.Second)
	ok, _ = l.Allow(ctx, "10.0.0.1")
	assert.True(t, ok)
}

func TestMemoryLimiterSweep(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := NewMemoryLimiter(1, 1, clk)
	l.Allow(context.Background(), "10.0.0.1")
	clk.Advance(2 * time.Minute)
	l.Allow(context.Background(), "10.0.0.2")

	assert.Equal(t, 1, l.Sweep(time.Minute))
	assert.Equal(t, 1, l.Len())
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimitMiddleware(t *testing.T) {
	clk := clock.NewFake(epoch)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	h := RateLimitMiddleware(NewMemoryLimiter(1, 1, clk), zap.NewNop())(ok)
	serve := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	assert.Equal(t, http.StatusNoContent, serve().Code)
	rec := serve()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	h = RateLimitMiddleware(failingLimiter{}, zap.NewNop())(ok)
	assert.Equal(t, http.StatusNoContent, serve().Code)
}
