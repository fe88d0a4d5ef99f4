package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/gateway"
	"auth-gateway/internal/util"
)

const maxBodyBytes = 1 << 16

type ctxKey int

const sessionKey ctxKey = iota

// AuthHandler exposes the gateway over HTTP
type AuthHandler struct {
	gateway *gateway.Gateway
	logger  *zap.Logger
}

func NewAuthHandler(gw *gateway.Gateway, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		gateway: gw,
		logger:  logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFAToken string `json:"mfa_token,omitempty"`
}

type loginResponse struct {
	Token       string    `json:"token,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	MFARequired bool      `json:"mfa_required,omitempty"`
	RetryAfter  int       `json:"retry_after,omitempty"`
}

type validateRequest struct {
	Token string `json:"token"`
}

type verifyMFARequest struct {
	Code string `json:"code"`
}

// registerMFARequest carries a code from the current factor when an
// enrollment is being replaced. The body may be omitted otherwise.
type registerMFARequest struct {
	Code string `json:"code,omitempty"`
}

func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/session/validate", h.ValidateSession)
		r.Post("/logout", h.Logout)

		r.Group(func(r chi.Router) {
			r.Use(h.requireSession)
			r.Post("/mfa/register", h.RegisterMFA)
			r.Post("/mfa/verify", h.VerifyMFA)
			r.Get("/mfa/status", h.MFAStatus)
			r.Get("/sessions", h.ListSessions)
			r.Delete("/sessions/{sessionID}", h.RevokeSession)
		})
	})

	router.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		r.Get("/security/status", h.SecurityStatus)
	})
}

// Login handles password (and optional MFA) authentication
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.gateway.Authenticate(r.Context(), gateway.AuthRequest{
		Email:     req.Email,
		Password:  req.Password,
		SourceIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		MFAToken:  req.MFAToken,
	})
	if err != nil {
		body := loginResponse{MFARequired: result.MFARequired, RetryAfter: retrySeconds(result.RetryAfter)}
		h.respondWithGatewayError(w, err, body)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(loginResponse{
		Token:     result.Token,
		SessionID: result.SessionID,
		ExpiresAt: result.ExpiresAt,
	}, "Authenticated"))
	h.logger.Debug("Login completed via HTTP",
		util.String("session_id", result.SessionID),
		util.Duration("duration", time.Since(startTime)),
	)
}

// ValidateSession accepts the bearer token or a JSON body {"token": ...}
func (h *AuthHandler) ValidateSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		var req validateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
			return
		}
		token = req.Token
	}

	v, err := h.gateway.ValidateSession(r.Context(), token, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondWithGatewayError(w, err, v)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(v, "Session valid"))
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.Logout(r.Context(), bearerToken(r), clientIP(r), r.UserAgent()); err != nil {
		h.respondWithGatewayError(w, err, nil)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

// RegisterMFA enrolls the session's user. The secret and backup codes are
// only ever returned here. Enrolling ends every session of the user,
// including the one making this request.
func (h *AuthHandler) RegisterMFA(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())

	var req registerMFARequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	ctx := audit.WithClient(r.Context(), clientIP(r), r.UserAgent())
	enrollment, err := h.gateway.RegisterMFA(ctx, sess.UserID, req.Code)
	if err != nil {
		h.respondWithGatewayError(w, err, nil)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.respondWithJSON(w, http.StatusOK, successResponse(enrollment, "MFA enrolled, sign in again"))
}

func (h *AuthHandler) MFAStatus(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	status, err := h.gateway.MFAStatus(r.Context(), sess.UserID)
	if err != nil {
		h.respondWithGatewayError(w, err, nil)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(status, "MFA status"))
}

func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	h.respondWithJSON(w, http.StatusOK, successResponse(h.gateway.ListSessions(sess.UserID, sess.SessionID), "Active sessions"))
}

func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	ctx := audit.WithClient(r.Context(), clientIP(r), r.UserAgent())
	if err := h.gateway.RevokeSession(ctx, sess.UserID, chi.URLParam(r, "sessionID")); err != nil {
		h.respondWithGatewayError(w, err, nil)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Session revoked"))
}

func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())

	var req verifyMFARequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	ctx := audit.WithClient(r.Context(), clientIP(r), r.UserAgent())
	ok, err := h.gateway.VerifyMFA(ctx, sess.UserID, req.Code)
	if err != nil {
		h.respondWithGatewayError(w, err, nil)
		return
	}
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("invalid mfa code"), "MFA verification failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"verified": true}, "MFA verified"))
}

func (h *AuthHandler) SecurityStatus(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.gateway.GetSecurityStatus(), "Security status"))
}

// requireSession rejects requests without a valid signed bearer token and
// stores the validated session in the request context
func (h *AuthHandler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			h.respondWithError(w, http.StatusUnauthorized, errors.New("missing bearer token"), "Authentication required")
			return
		}
		v, err := h.gateway.ValidateToken(r.Context(), token, clientIP(r), r.UserAgent())
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			h.respondWithGatewayError(w, err, nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, v)))
	})
}

func sessionFromContext(ctx context.Context) *gateway.SessionValidation {
	v, _ := ctx.Value(sessionKey).(*gateway.SessionValidation)
	if v == nil {
		return &gateway.SessionValidation{}
	}
	return v
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// Helper Methods

// respondWithJSON sends a JSON response
func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// respondWithGatewayError maps the gateway taxonomy onto HTTP. Only the
// client-safe message of a *gateway.Error is written out.
func (h *AuthHandler) respondWithGatewayError(w http.ResponseWriter, err error, data interface{}) {
	statusCode := h.getStatusCode(err)

	var gwErr *gateway.Error
	message := "request failed"
	if errors.As(err, &gwErr) {
		message = gwErr.Message
		if gwErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(gwErr.RetryAfter)))
		}
	}
	if statusCode == http.StatusInternalServerError {
		h.logger.Error("Gateway failure", util.ErrorField(err))
		message = "internal error"
	}

	h.logger.Info("Request rejected", util.Int("status_code", statusCode), util.String("reason", message))
	h.respondWithJSON(w, statusCode, Response{Success: false, Data: data, Error: message})
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, gateway.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrAuthentication), errors.Is(err, gateway.ErrMFARequired),
		errors.Is(err, gateway.ErrSession):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrInternal):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
