package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"auth-gateway/internal/config"
	"auth-gateway/internal/util"
)

const (
	serviceName    = "auth-gateway"
	requestTimeout = 60 * time.Second
	hstsValue      = "max-age=63072000; includeSubDomains"
)

// HealthFunc reports whether the configured backends are reachable
type HealthFunc func(ctx context.Context) error

func writeStatus(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// requireHTTPS rejects any request that was not made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			writeStatus(w, http.StatusUpgradeRequired, map[string]string{"error": "https required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(hsts bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			if hsts {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRouter mounts the auth API under /api/v1. Per-IP request limiting
// applies to the API only; /health stays reachable for probes.
func NewRouter(cfg config.ServerConfig, authHandler *AuthHandler, limiter IPLimiter, health HealthFunc, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	// Validate has already rejected malformed entries.
	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		logger.Warn("ignoring trusted proxies", zap.Error(err))
		trusted = nil
	}

	if cfg.EnableTLS {
		router.Use(requireHTTPS)
	}
	router.Use(
		middleware.RequestID,
		TrustedRealIP(trusted),
		LoggerMiddleware(logger),
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
		securityHeaders(cfg.EnableTLS),
		cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Retry-After", middleware.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}),
	)

	router.Get("/health", healthHandler(health))

	router.Route("/api/v1", func(r chi.Router) {
		if limiter != nil {
			r.Use(RateLimitMiddleware(limiter, logger))
		}
		authHandler.RegisterRoutes(r)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusNotFound, map[string]string{"error": "endpoint not found"})
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})

	return router
}

// healthHandler never exposes backend error text
func healthHandler(health HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r.Context()); err != nil {
				util.Warn("Health check failed", util.ErrorField(err))
				writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "service": serviceName})
				return
			}
		}
		writeStatus(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
	}
}

// LoggerMiddleware logs one line per request. Server errors log at error
// level and rejected requests at warn.
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				util.String("request_id", middleware.GetReqID(r.Context())),
				util.String("method", r.Method),
				util.String("path", r.URL.Path),
				util.String("remote_addr", r.RemoteAddr),
				util.Int("status", ww.Status()),
				util.Int("bytes", ww.BytesWritten()),
				util.Duration("duration", time.Since(start)),
			}
			switch status := ww.Status(); {
			case status >= http.StatusInternalServerError:
				logger.Error("HTTP request", fields...)
			case status >= http.StatusBadRequest:
				logger.Warn("HTTP request", fields...)
			default:
				logger.Info("HTTP request", fields...)
			}
		})
	}
}
