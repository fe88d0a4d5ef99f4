package handler

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"auth-gateway/internal/clock"
	"auth-gateway/internal/util"
)

// IPLimiter decides whether another request from ip is allowed.
// redis.RateLimitCache implements it for multi-instance deployments.
type IPLimiter interface {
	Allow(ctx context.Context, ip string) (bool, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter is a per-IP token bucket kept in process memory
type MemoryLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	clock    clock.Clock
}

func NewMemoryLimiter(perSecond float64, burst int, clk clock.Clock) *MemoryLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		clock:    clk,
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, ip string) (bool, error) {
	now := m.clock.Now()

	m.mu.Lock()
	v, ok := m.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.visitors[ip] = v
	}
	v.lastSeen = now
	m.mu.Unlock()

	return v.limiter.AllowN(now, 1), nil
}

// Sweep forgets visitors idle for longer than idle
func (m *MemoryLimiter) Sweep(idle time.Duration) int {
	cutoff := m.clock.Now().Add(-idle)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for ip, v := range m.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(m.visitors, ip)
			removed++
		}
	}
	return removed
}

func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.visitors)
}

// RateLimitMiddleware answers 429 once a client exceeds its request budget.
// Limiter errors let the request through; brute-force protection in the
// gateway does not depend on this layer.
func RateLimitMiddleware(limiter IPLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			allowed, err := limiter.Allow(r.Context(), ip)
			if err != nil {
				logger.Warn("Rate limiter unavailable", util.String("ip", ip), util.ErrorField(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"success":false,"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the address set by TrustedRealIP, without a port
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
