// Package gateway orchestrates credential checks, MFA, brute-force
// protection, sessions and auditing behind the authentication contract
// consumed by request handlers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/clock"
	"auth-gateway/internal/config"
	"auth-gateway/internal/hashing"
	"auth-gateway/internal/keystore"
	"auth-gateway/internal/mfa"
	"auth-gateway/internal/models"
	"auth-gateway/internal/repository"
	"auth-gateway/internal/scheduler"
	"auth-gateway/internal/session"
	"auth-gateway/internal/threat"
	"auth-gateway/internal/util"
)

const (
	maxEmailLength = 254
	reasonRevoked  = "revoked by user"
)

type AuthRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	SourceIP  string `json:"-"`
	UserAgent string `json:"-"`
	MFAToken  string `json:"mfa_token,omitempty"`
}

type AuthResult struct {
	Success     bool          `json:"success"`
	Token       string        `json:"token,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	ExpiresAt   time.Time     `json:"expires_at,omitempty"`
	MFARequired bool          `json:"mfa_required,omitempty"`
	RetryAfter  time.Duration `json:"-"`
}

type SessionValidation struct {
	Valid     bool      `json:"valid"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	RiskScore int       `json:"risk_score"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type MFAStatus struct {
	Enrolled        bool `json:"enrolled"`
	BackupCodesLeft int  `json:"backup_codes_left"`
}

type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
	SourceIP     string    `json:"source_ip"`
	UserAgent    string    `json:"user_agent"`
	AuthMethods  []string  `json:"auth_methods"`
	RiskScore    int       `json:"risk_score"`
	Current      bool      `json:"current"`
}

type SecurityStatus struct {
	ActiveSessions int                  `json:"active_sessions"`
	BlockedIPs     int                  `json:"blocked_ips"`
	TrackedKeys    int                  `json:"tracked_failure_keys"`
	Events         audit.EventStatus    `json:"events"`
	ThreatLevel    models.ThreatLevel   `json:"threat_level"`
	Jobs           []scheduler.JobStats `json:"jobs"`
	Timestamp      time.Time            `json:"timestamp"`
}

// Dependencies are the collaborators a Gateway is built from
type Dependencies struct {
	Config      *config.Config
	Keys        *keystore.KeyStore
	Hasher      *hashing.Hasher
	Credentials repository.CredentialRepository
	MFA         *mfa.Provider
	Ledger      *threat.Ledger
	Sessions    *session.Store
	Audit       *audit.Log
	Scheduler   *scheduler.Scheduler
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Gateway is safe for concurrent use. Build one per process and inject it.
type Gateway struct {
	sessionCfg config.SessionConfig
	threatCfg  config.ThreatConfig

	keys        *keystore.KeyStore
	hasher      *hashing.Hasher
	credentials repository.CredentialRepository
	mfa         *mfa.Provider
	ledger      *threat.Ledger
	sessions    *session.Store
	audit       *audit.Log
	scheduler   *scheduler.Scheduler
	clock       clock.Clock
	logger      *zap.Logger
}

func New(deps Dependencies) (*Gateway, error) {
	switch {
	case deps.Config == nil:
		return nil, errors.New("gateway: config is required")
	case deps.Keys == nil, deps.Hasher == nil, deps.Credentials == nil, deps.MFA == nil,
		deps.Ledger == nil, deps.Sessions == nil, deps.Audit == nil:
		return nil, errors.New("gateway: missing dependency")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = util.Named("gateway")
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.New(deps.Clock, deps.Logger)
	}
	return &Gateway{
		sessionCfg:  deps.Config.Session,
		threatCfg:   deps.Config.Threat,
		keys:        deps.Keys,
		hasher:      deps.Hasher,
		credentials: deps.Credentials,
		mfa:         deps.MFA,
		ledger:      deps.Ledger,
		sessions:    deps.Sessions,
		audit:       deps.Audit,
		scheduler:   deps.Scheduler,
		clock:       deps.Clock,
		logger:      deps.Logger,
	}, nil
}

// Authenticate runs the login state machine. On failure the result is still
// returned so callers can read MFARequired and RetryAfter; the error is a
// *Error.
func (g *Gateway) Authenticate(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	ip, ua := req.SourceIP, req.UserAgent
	email := repository.NormalizeEmail(req.Email)

	if hits := util.DetectSuspicious(req.Email); len(hits) > 0 {
		g.audit.Log(models.EventSuspiciousInput, models.ThreatMedium, ip, ua,
			map[string]interface{}{"field": "email", "patterns": hits})
	}

	// 1. input shape, before any state is touched
	if msg := validateEmail(email); msg != "" {
		g.audit.Log(models.EventValidationFailure, models.ThreatLow, ip, ua,
			map[string]interface{}{"field": "email", "reason": msg})
		return &AuthResult{}, newError(ErrValidation, msg)
	}
	if strength := hashing.ValidateStrength(req.Password); !strength.Valid {
		g.audit.Log(models.EventValidationFailure, models.ThreatLow, ip, ua,
			map[string]interface{}{"field": "password", "reasons": strength.Errors})
		return &AuthResult{}, newError(ErrValidation, strength.Errors[0])
	}

	// 2. blocked source
	if blocked, retry := g.ledger.IsBlocked(ip); blocked {
		g.audit.Log(models.EventBlockedIPAttempt, models.ThreatMedium, ip, ua,
			map[string]interface{}{"retry_after_seconds": int(retry.Seconds())},
			audit.WithBlocked(true))
		return g.rateLimited(msgBlocked, retry)
	}

	// 3. brute force
	if g.ledger.IsBruteForce(ip, email) {
		failures := g.ledger.Failures(ip, email)
		block := g.ledger.Block(ip, g.threatCfg.LockoutDuration, "brute force")
		g.audit.Log(models.EventBruteForce, models.ThreatCritical, ip, ua,
			map[string]interface{}{
				"failures":      failures,
				"window":        g.threatCfg.FailureWindow.String(),
				"blocked_until": block.BlockedUntil,
			},
			audit.WithBlocked(true))
		return g.rateLimited(msgTooManyAttempts, block.BlockedUntil.Sub(g.clock.Now()))
	}

	// 4. credential lookup, bounded and failing closed
	cred := g.lookup(ctx, email, ip, ua)

	// 5. password
	if cred == nil {
		g.hasher.VerifyDummy(req.Password)
		return g.authFailure(ip, ua, email, "", "unknown account or bad password")
	}
	ok, err := g.hasher.Verify(req.Password, cred.PasswordHash)
	if err != nil {
		g.audit.Log(models.EventStorageError, models.ThreatHigh, ip, ua,
			map[string]interface{}{"operation": "verify_password", "error": err.Error()},
			audit.WithUserID(cred.UserID))
	}
	if !ok {
		return g.authFailure(ip, ua, email, cred.UserID, "unknown account or bad password")
	}

	// 6. and 7. second factor
	methods := []string{models.AuthMethodPassword}
	if cred.MFAEnabled {
		if strings.TrimSpace(req.MFAToken) == "" {
			g.audit.Log(models.EventMFARequired, models.ThreatLow, ip, ua, nil, audit.WithUserID(cred.UserID))
			return &AuthResult{MFARequired: true}, newError(ErrMFARequired, msgMFARequired)
		}
		method, ok, err := g.mfa.VerifyMethod(audit.WithClient(ctx, ip, ua), cred.UserID, req.MFAToken)
		if err != nil && !errors.Is(err, mfa.ErrNotEnrolled) {
			g.audit.Log(models.EventStorageError, models.ThreatHigh, ip, ua,
				map[string]interface{}{"operation": "verify_mfa"},
				audit.WithUserID(cred.UserID))
		}
		if !ok {
			count := g.ledger.RecordFailure(ip, email)
			g.logger.Info("MFA step failed", zap.String("user_id", cred.UserID), zap.Int("failures", count))
			return &AuthResult{}, newError(ErrAuthentication, msgInvalidMFA)
		}
		methods = append(methods, method)
	}

	// 8. session and token
	g.ledger.Reset(ip, email)
	sess, err := g.sessions.Create(cred.UserID, ip, ua, methods)
	if err != nil {
		g.logger.Error("Failed to create session", zap.String("user_id", cred.UserID), zap.Error(err))
		return &AuthResult{}, newError(ErrInternal, msgInternal)
	}
	expiresAt := sess.CreatedAt.Add(g.sessionCfg.AbsoluteTimeout)
	token, _, err := g.keys.Sign(cred.UserID, sess.ID, expiresAt)
	if err != nil {
		g.sessions.Invalidate(sess.ID, "token signing failed")
		g.logger.Error("Failed to sign session token", zap.String("session_id", sess.ID), zap.Error(err))
		return &AuthResult{}, newError(ErrInternal, msgInternal)
	}

	g.audit.Log(models.EventLoginSuccess, models.ThreatLow, ip, ua,
		map[string]interface{}{"session_id": sess.ID, "auth_methods": methods},
		audit.WithUserID(cred.UserID),
		audit.WithCorrelationID(sess.ID))

	g.maybeRehash(ctx, cred, req.Password)

	return &AuthResult{
		Success:   true,
		Token:     token,
		SessionID: sess.ID,
		ExpiresAt: expiresAt,
	}, nil
}

func validateEmail(email string) string {
	if email == "" {
		return "email is required"
	}
	if len(email) > maxEmailLength {
		return "email too long"
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return "invalid email format"
	}
	return ""
}

func (g *Gateway) rateLimited(msg string, retry time.Duration) (*AuthResult, error) {
	if retry < 0 {
		retry = 0
	}
	return &AuthResult{RetryAfter: retry}, &Error{Kind: ErrRateLimited, Message: msg, RetryAfter: retry}
}

// lookup returns nil for unknown accounts and for lookup failures alike
func (g *Gateway) lookup(ctx context.Context, email, ip, ua string) *models.Credential {
	timeout := g.threatCfg.CredentialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cred, err := g.credentials.GetByEmail(ctx, email)
	if err == nil {
		return cred
	}
	if !errors.Is(err, repository.ErrNotFound) {
		g.audit.Log(models.EventStorageError, models.ThreatHigh, ip, ua,
			map[string]interface{}{
				"operation": "credential_lookup",
				"timeout":   errors.Is(err, context.DeadlineExceeded),
			})
		g.logger.Error("Credential lookup failed", zap.Error(err))
	}
	return nil
}

func (g *Gateway) authFailure(ip, ua, email, userID, reason string) (*AuthResult, error) {
	count := g.ledger.RecordFailure(ip, email)
	opts := []audit.Option{}
	if userID != "" {
		opts = append(opts, audit.WithUserID(userID))
	}
	g.audit.Log(models.EventLoginFailure, models.ThreatMedium, ip, ua,
		map[string]interface{}{
			"reason":   reason,
			"failures": count,
		}, opts...)
	return &AuthResult{}, newError(ErrAuthentication, msgInvalidCredentials)
}

// maybeRehash upgrades a hash created with weaker parameters. Failures are
// logged and otherwise ignored.
func (g *Gateway) maybeRehash(ctx context.Context, cred *models.Credential, password string) {
	if !g.hasher.NeedsRehash(cred.PasswordHash) {
		return
	}
	encoded, err := g.hasher.Hash(password)
	if err != nil {
		g.logger.Warn("Password rehash failed", zap.String("user_id", cred.UserID), zap.Error(err))
		return
	}
	updated := cred.Clone()
	updated.PasswordHash = encoded
	updated.UpdatedAt = g.clock.Now()
	if err := g.credentials.Save(ctx, updated); err != nil {
		g.logger.Warn("Failed to store rehashed password", zap.String("user_id", cred.UserID), zap.Error(err))
		return
	}
	g.logger.Info("Password hash upgraded", zap.String("user_id", cred.UserID))
}

// ValidateSession accepts either a raw session id or a signed token. A
// token must verify and point at a valid session owned by its subject.
func (g *Gateway) ValidateSession(ctx context.Context, sessionIDOrToken, ip, ua string) (*SessionValidation, error) {
	return g.validate(sessionIDOrToken, ip, ua, false)
}

// ValidateToken is ValidateSession restricted to signed tokens. Routes that
// act on behalf of a user go through it so a bare session id is never
// enough to authorize a request.
func (g *Gateway) ValidateToken(ctx context.Context, token, ip, ua string) (*SessionValidation, error) {
	return g.validate(token, ip, ua, true)
}

func (g *Gateway) validate(credential, ip, ua string, tokenOnly bool) (*SessionValidation, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return &SessionValidation{}, newError(ErrSession, session.ReasonNotFound)
	}

	sessionID := credential
	subject := ""
	switch {
	case strings.Count(credential, ".") == 2:
		claims, err := g.keys.Verify(credential)
		if err != nil {
			msg := msgInvalidToken
			if errors.Is(err, keystore.ErrTokenExpired) {
				msg = msgTokenExpired
			}
			g.audit.Log(models.EventInvalidToken, models.ThreatMedium, ip, ua,
				map[string]interface{}{"reason": msg})
			return &SessionValidation{}, newError(ErrSession, msg)
		}
		sessionID = claims.SessionID
		subject = claims.Subject
	case tokenOnly:
		g.audit.Log(models.EventInvalidToken, models.ThreatMedium, ip, ua,
			map[string]interface{}{"reason": "not a signed token"})
		return &SessionValidation{}, newError(ErrSession, msgInvalidToken)
	}

	v := g.sessions.Validate(sessionID, ip, ua)
	if !v.Valid {
		if v.Reason != session.ReasonRisk {
			g.audit.Log(models.EventSessionInvalid, models.ThreatLow, ip, ua,
				map[string]interface{}{"session_id": sessionID, "reason": v.Reason},
				audit.WithCorrelationID(sessionID))
		}
		return &SessionValidation{SessionID: sessionID}, newError(ErrSession, v.Reason)
	}
	if subject != "" && v.Session.UserID != subject {
		g.sessions.Invalidate(sessionID, "token subject mismatch")
		g.audit.Log(models.EventInvalidToken, models.ThreatHigh, ip, ua,
			map[string]interface{}{"session_id": sessionID, "reason": "subject mismatch"},
			audit.WithUserID(v.Session.UserID),
			audit.WithCorrelationID(sessionID))
		return &SessionValidation{SessionID: sessionID}, newError(ErrSession, msgInvalidToken)
	}

	return &SessionValidation{
		Valid:     true,
		UserID:    v.Session.UserID,
		SessionID: v.Session.ID,
		RiskScore: v.Session.RiskScore,
		ExpiresAt: v.Session.CreatedAt.Add(g.sessionCfg.AbsoluteTimeout),
	}, nil
}

// RegisterMFA enrolls userID in TOTP and returns the one-time enrollment
// material. Replacing an existing enrollment needs a valid code from the
// current factor. Every session the user holds is ended afterwards, since
// none of them passed the new second factor.
func (g *Gateway) RegisterMFA(ctx context.Context, userID, currentCode string) (*mfa.Enrollment, error) {
	enrolled, err := g.mfa.IsEnrolled(ctx, userID)
	if err != nil {
		g.logger.Error("MFA enrollment lookup failed", zap.String("user_id", userID), zap.Error(err))
		return nil, newError(ErrInternal, msgInternal)
	}
	if enrolled {
		if strings.TrimSpace(currentCode) == "" {
			return nil, newError(ErrMFARequired, msgMFARequired)
		}
		_, ok, err := g.mfa.VerifyMethod(ctx, userID, currentCode)
		if err != nil && !errors.Is(err, mfa.ErrNotEnrolled) {
			return nil, newError(ErrInternal, msgInternal)
		}
		if !ok {
			return nil, newError(ErrAuthentication, msgInvalidMFA)
		}
	}

	enrollment, err := g.mfa.Register(ctx, userID)
	if err != nil {
		if errors.Is(err, mfa.ErrUnknownUser) {
			return nil, newError(ErrValidation, "unknown user")
		}
		g.logger.Error("MFA registration failed", zap.String("user_id", userID), zap.Error(err))
		return nil, newError(ErrInternal, msgInternal)
	}

	if ended := g.sessions.InvalidateUser(userID, session.ReasonMFAEnrolled); ended > 0 {
		ip, ua := audit.ClientFromContext(ctx)
		g.audit.Log(models.EventSessionInvalid, models.ThreatLow, ip, ua,
			map[string]interface{}{"reason": session.ReasonMFAEnrolled, "sessions": ended},
			audit.WithUserID(userID))
	}
	return enrollment, nil
}

// MFAStatus reports whether userID has a second factor and how many backup
// codes are left
func (g *Gateway) MFAStatus(ctx context.Context, userID string) (*MFAStatus, error) {
	enrolled, err := g.mfa.IsEnrolled(ctx, userID)
	if err != nil {
		g.logger.Error("MFA status lookup failed", zap.String("user_id", userID), zap.Error(err))
		return nil, newError(ErrInternal, msgInternal)
	}
	status := &MFAStatus{Enrolled: enrolled}
	if !enrolled {
		return status, nil
	}
	if status.BackupCodesLeft, err = g.mfa.RemainingBackupCodes(ctx, userID); err != nil {
		g.logger.Error("MFA status lookup failed", zap.String("user_id", userID), zap.Error(err))
		return nil, newError(ErrInternal, msgInternal)
	}
	return status, nil
}

// ListSessions returns the user's active sessions, oldest first, marking
// the one the request came in on
func (g *Gateway) ListSessions(userID, currentSessionID string) []SessionSummary {
	sessions := g.sessions.UserSessions(userID)
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionSummary{
			SessionID:    s.ID,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
			ExpiresAt:    s.CreatedAt.Add(g.sessionCfg.AbsoluteTimeout),
			SourceIP:     s.SourceIP,
			UserAgent:    s.UserAgent,
			AuthMethods:  s.AuthMethods,
			RiskScore:    s.RiskScore,
			Current:      s.ID == currentSessionID,
		})
	}
	return out
}

func (g *Gateway) VerifyMFA(ctx context.Context, userID, code string) (bool, error) {
	ok, err := g.mfa.Verify(ctx, userID, code)
	if err != nil && !errors.Is(err, mfa.ErrNotEnrolled) {
		return false, newError(ErrInternal, msgInternal)
	}
	return ok, nil
}

// InvalidateSession ends a session immediately
func (g *Gateway) InvalidateSession(ctx context.Context, sessionID, reason string) error {
	sess, ok := g.sessions.Get(sessionID)
	if !ok || !g.sessions.Invalidate(sessionID, reason) {
		return newError(ErrSession, session.ReasonNotFound)
	}
	ip, ua := audit.ClientFromContext(ctx)
	g.audit.Log(models.EventSessionInvalid, models.ThreatLow, ip, ua,
		map[string]interface{}{"session_id": sessionID, "reason": reason},
		audit.WithUserID(sess.UserID),
		audit.WithCorrelationID(sessionID))
	return nil
}

// RevokeSession lets userID end one of their own sessions. Sessions owned
// by anyone else are reported as not found.
func (g *Gateway) RevokeSession(ctx context.Context, userID, sessionID string) error {
	if sess, ok := g.sessions.Get(sessionID); !ok || sess.UserID != userID {
		return newError(ErrSession, session.ReasonNotFound)
	}
	return g.InvalidateSession(ctx, sessionID, reasonRevoked)
}

// Logout invalidates the session behind a valid token
func (g *Gateway) Logout(ctx context.Context, token, ip, ua string) error {
	v, err := g.ValidateToken(ctx, token, ip, ua)
	if err != nil {
		return err
	}
	g.sessions.Invalidate(v.SessionID, session.ReasonLogout)
	g.audit.Log(models.EventLogout, models.ThreatLow, ip, ua,
		map[string]interface{}{"session_id": v.SessionID},
		audit.WithUserID(v.UserID),
		audit.WithCorrelationID(v.SessionID))
	return nil
}

func (g *Gateway) GetSecurityStatus() SecurityStatus {
	events := g.audit.Status()
	stats := g.ledger.Stats()
	return SecurityStatus{
		ActiveSessions: g.sessions.ActiveCount(),
		BlockedIPs:     stats.BlockedIPs,
		TrackedKeys:    stats.TrackedKeys,
		Events:         events,
		ThreatLevel:    events.ThreatLevel,
		Jobs:           g.scheduler.Stats(),
		Timestamp:      g.clock.Now(),
	}
}

// HashPassword applies the password policy and hashes an accepted password
// for credential stores owned elsewhere
func (g *Gateway) HashPassword(password string) (string, error) {
	if strength := hashing.ValidateStrength(password); !strength.Valid {
		return "", newError(ErrValidation, strength.Errors[0])
	}
	encoded, err := g.hasher.Hash(password)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return encoded, nil
}

func (g *Gateway) CheckPasswordStrength(password string) hashing.StrengthResult {
	return hashing.ValidateStrength(password)
}

// Start registers the maintenance sweeps and starts the scheduler
func (g *Gateway) Start(ctx context.Context) error {
	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"session_gc", g.sessionCfg.GCInterval, g.collectSessions},
		{"block_sweep", g.threatCfg.SweepInterval, g.sweepBlocks},
		{"threat_correlation", g.threatCfg.CorrelationInterval, g.correlate},
	}
	for _, j := range jobs {
		if err := g.scheduler.Every(j.name, j.interval, j.fn); err != nil {
			return err
		}
	}
	g.scheduler.Start(ctx)
	return nil
}

func (g *Gateway) Stop() {
	g.scheduler.Stop()
}

// RunMaintenance runs every sweep once, regardless of schedule
func (g *Gateway) RunMaintenance(ctx context.Context) {
	g.collectSessions(ctx)
	g.sweepBlocks(ctx)
	g.correlate(ctx)
}

func (g *Gateway) collectSessions(context.Context) {
	g.sessions.GC()
}

func (g *Gateway) sweepBlocks(context.Context) {
	if released := g.ledger.SweepExpired(); released > 0 {
		g.logger.Info("Expired IP blocks released", zap.Int("count", released))
	}
}

func (g *Gateway) correlate(context.Context) {
	since := g.clock.Now().Add(-g.threatCfg.CorrelationWindow)
	for _, ip := range g.ledger.Correlate(g.audit.Since(since)) {
		g.audit.Log(models.EventIPBlocked, models.ThreatHigh, ip, "",
			map[string]interface{}{
				"reason":           "correlated threat score",
				"lockout_duration": g.threatCfg.LockoutDuration.String(),
			},
			audit.WithBlocked(true))
	}
}
