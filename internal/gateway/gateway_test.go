package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/clock"
	"auth-gateway/internal/config"
	"auth-gateway/internal/hashing"
	"auth-gateway/internal/keystore"
	"auth-gateway/internal/mfa"
	"auth-gateway/internal/models"
	"auth-gateway/internal/repository"
	"auth-gateway/internal/repository/memory"
	"auth-gateway/internal/scheduler"
	"auth-gateway/internal/session"
	"auth-gateway/internal/threat"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	email    = "a@b.com"
	password = "Correct-Horse-42!"
	wrong    = "Wrong-Battery-17?"
	ua       = "Mozilla/5.0"
	ip       = "1.2.3.4"
)

func testConfig() *config.Config {
	return &config.Config{
		Hashing: config.HashingConfig{Argon2MemoryCost: 64, Argon2TimeCost: 1, Argon2Parallelism: 1},
		Session: config.SessionConfig{
			MaxPerUser:      3,
			AbsoluteTimeout: time.Hour,
			IdleTimeout:     15 * time.Minute,
			RiskTrip:        40,
			IPChangeRisk:    50,
			UAChangeRisk:    30,
			Retention:       time.Hour,
			GCInterval:      time.Minute,
		},
		Threat: config.ThreatConfig{
			MaxFailures:         3,
			FailureWindow:       5 * time.Minute,
			LockoutDuration:     30 * time.Minute,
			MaxTrackedFailures:  20,
			SweepInterval:       time.Minute,
			CorrelationInterval: time.Minute,
			CorrelationWindow:   time.Hour,
			CorrelationScore:    100,
			CredentialTimeout:   time.Second,
		},
		MFA: config.MFAConfig{Issuer: "auth-gateway", BackupCodeCount: 4},
	}
}

type fixture struct {
	gw     *Gateway
	clock  *clock.Fake
	repo   *memory.CredentialRepository
	ledger *threat.Ledger
	store  *session.Store
	log    *audit.Log
	hasher *hashing.Hasher
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithRepo(t, nil)
}

func newFixtureWithRepo(t *testing.T, wrap func(repository.CredentialRepository) repository.CredentialRepository) *fixture {
	t.Helper()
	cfg := testConfig()
	clk := clock.NewFake(epoch)
	logger := zap.NewNop()
	buckets := bucketing.NewBucketingManager(8)

	keys, err := keystore.Open(context.Background(), keystore.Options{
		Dir:      filepath.Join(t.TempDir(), "keys"),
		Issuer:   "auth-gateway",
		Audience: "clients",
		Clock:    clk,
		Logger:   logger,
	})
	require.NoError(t, err)

	hasher := hashing.NewHasher(cfg.Hashing)
	repo := memory.NewCredentialRepository()
	encoded, err := hasher.Hash(password)
	require.NoError(t, err)
	require.NoError(t, repo.Save(context.Background(), &models.Credential{
		UserID:       "user-1",
		Email:        email,
		PasswordHash: encoded,
	}))

	var creds repository.CredentialRepository = repo
	if wrap != nil {
		creds = wrap(repo)
	}

	log := audit.NewLog(1000, clk, logger, nil)
	ledger := threat.NewLedger(cfg.Threat, clk, logger, buckets, nil)
	store := session.NewStore(cfg.Session, clk, logger, log, buckets)

	gw, err := New(Dependencies{
		Config:      cfg,
		Keys:        keys,
		Hasher:      hasher,
		Credentials: creds,
		MFA:         mfa.NewProvider(cfg.MFA, creds, keys, log, clk, logger, buckets),
		Ledger:      ledger,
		Sessions:    store,
		Audit:       log,
		Scheduler:   scheduler.New(clk, logger),
		Clock:       clk,
		Logger:      logger,
	})
	require.NoError(t, err)

	return &fixture{gw: gw, clock: clk, repo: repo, ledger: ledger, store: store, log: log, hasher: hasher}
}

func (f *fixture) login(t *testing.T, pw, mfaToken string) (*AuthResult, error) {
	t.Helper()
	return f.gw.Authenticate(context.Background(), AuthRequest{
		Email:     email,
		Password:  pw,
		SourceIP:  ip,
		UserAgent: ua,
		MFAToken:  mfaToken,
	})
}

func (f *fixture) eventsOf(eventType models.EventType) []models.SecurityEvent {
	var out []models.SecurityEvent
	for _, ev := range f.log.Recent(f.log.Len()) {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func requireKind(t *testing.T, err error, kind error) *Error {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, kind)
	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	return gwErr
}

func TestAuthenticateSuccess(t *testing.T) {
	f := newFixture(t)

	res, err := f.login(t, password, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, epoch.Add(time.Hour), res.ExpiresAt)
	assert.Len(t, strings.Split(res.Token, "."), 3)

	v, err := f.gw.ValidateSession(context.Background(), res.Token, ip, ua)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "user-1", v.UserID)
	assert.Equal(t, res.SessionID, v.SessionID)

	success := f.eventsOf(models.EventLoginSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, models.ThreatLow, success[0].ThreatLevel)
	assert.Equal(t, "user-1", success[0].UserID)
}

func TestWeakPasswordIsRejectedBeforeAnyState(t *testing.T) {
	f := newFixture(t)

	res, err := f.gw.Authenticate(context.Background(), AuthRequest{
		Email: email, Password: "short", SourceIP: ip, UserAgent: ua,
	})
	gwErr := requireKind(t, err, ErrValidation)
	assert.Equal(t, "password too short", gwErr.Message)
	assert.False(t, res.Success)
	assert.Equal(t, 0, f.ledger.Stats().TrackedKeys)
	assert.Equal(t, 0, f.ledger.Failures(ip, email))
}

func TestMalformedEmailIsRejected(t *testing.T) {
	f := newFixture(t)
	for _, addr := range []string{"", "not-an-email", "a@b", "Name <a@b.com>", strings.Repeat("a", 250) + "@b.com"} {
		_, err := f.gw.Authenticate(context.Background(), AuthRequest{
			Email: addr, Password: password, SourceIP: ip, UserAgent: ua,
		})
		requireKind(t, err, ErrValidation)
	}
	assert.Equal(t, 0, f.ledger.Stats().TrackedKeys)
}

func TestUnknownAccountLooksLikeWrongPassword(t *testing.T) {
	f := newFixture(t)

	_, errUnknown := f.gw.Authenticate(context.Background(), AuthRequest{
		Email: "nobody@b.com", Password: password, SourceIP: ip, UserAgent: ua,
	})
	_, errWrong := f.login(t, wrong, "")

	unknown := requireKind(t, errUnknown, ErrAuthentication)
	bad := requireKind(t, errWrong, ErrAuthentication)
	assert.Equal(t, unknown.Message, bad.Message)
	assert.NotContains(t, bad.Message, email)

	assert.Equal(t, 1, f.ledger.Failures(ip, "nobody@b.com"))
	failures := f.eventsOf(models.EventLoginFailure)
	require.Len(t, failures, 2)
	for _, ev := range failures {
		assert.Equal(t, models.ThreatMedium, ev.ThreatLevel)
	}
}

func TestBruteForceLocksOutEvenCorrectCredentials(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		_, err := f.login(t, wrong, "")
		requireKind(t, err, ErrAuthentication)
		f.clock.Advance(time.Minute)
	}

	res, err := f.login(t, password, "")
	gwErr := requireKind(t, err, ErrRateLimited)
	assert.Equal(t, 1800*time.Second, gwErr.RetryAfter)
	assert.Equal(t, 1800*time.Second, res.RetryAfter)
	assert.False(t, res.Success)
	assert.Equal(t, 0, f.store.ActiveCount())

	brute := f.eventsOf(models.EventBruteForce)
	require.Len(t, brute, 1)
	assert.Equal(t, models.ThreatCritical, brute[0].ThreatLevel)
	assert.True(t, brute[0].Blocked)

	// blocked ip: rejected before any lookup
	f.clock.Advance(10 * time.Minute)
	res, err = f.login(t, password, "")
	gwErr = requireKind(t, err, ErrRateLimited)
	assert.Equal(t, 20*time.Minute, gwErr.RetryAfter)
	assert.Equal(t, 20*time.Minute, res.RetryAfter)
	assert.Len(t, f.eventsOf(models.EventBlockedIPAttempt), 1)

	f.clock.Advance(20 * time.Minute)
	res, err = f.login(t, password, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestTwoFailuresDoNotBlock(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		_, err := f.login(t, wrong, "")
		requireKind(t, err, ErrAuthentication)
	}
	res, err := f.login(t, password, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, f.ledger.Failures(ip, email), "success resets the failure history")
}

func enroll(t *testing.T, f *fixture) *mfa.Enrollment {
	t.Helper()
	enrollment, err := f.gw.RegisterMFA(context.Background(), "user-1", "")
	require.NoError(t, err)
	return enrollment
}

func TestEnrollmentEndsPasswordOnlySessions(t *testing.T) {
	f := newFixture(t)
	first, err := f.login(t, password, "")
	require.NoError(t, err)
	second, err := f.login(t, password, "")
	require.NoError(t, err)

	enroll(t, f)

	for _, res := range []*AuthResult{first, second} {
		_, err := f.gw.ValidateSession(context.Background(), res.Token, ip, ua)
		gwErr := requireKind(t, err, ErrSession)
		assert.Equal(t, session.ReasonInvalidated, gwErr.Message)
	}
	assert.Equal(t, 0, f.store.ActiveCount())

	sess, ok := f.store.Get(first.SessionID)
	require.True(t, ok)
	assert.Equal(t, session.ReasonMFAEnrolled, sess.InvalidReason)

	ended := f.eventsOf(models.EventSessionInvalid)
	require.NotEmpty(t, ended)
	assert.Equal(t, "user-1", ended[0].UserID)
	assert.Equal(t, 2, ended[0].Details["sessions"])
}

func TestReenrollmentNeedsCurrentFactor(t *testing.T) {
	f := newFixture(t)
	enrollment := enroll(t, f)
	code, err := mfa.GenerateCode(enrollment.Secret, f.clock.Now())
	require.NoError(t, err)

	res, err := f.login(t, password, code)
	require.NoError(t, err)

	_, err = f.gw.RegisterMFA(context.Background(), "user-1", "")
	requireKind(t, err, ErrMFARequired)
	_, err = f.gw.RegisterMFA(context.Background(), "user-1", "000000")
	gwErr := requireKind(t, err, ErrAuthentication)
	assert.Equal(t, msgInvalidMFA, gwErr.Message)

	// rejected attempts leave the enrollment and the session alone
	_, err = f.gw.ValidateSession(context.Background(), res.Token, ip, ua)
	require.NoError(t, err)
	_, err = f.login(t, password, code)
	require.NoError(t, err)

	replaced, err := f.gw.RegisterMFA(context.Background(), "user-1", enrollment.BackupCodes[0])
	require.NoError(t, err)
	assert.NotEqual(t, enrollment.Secret, replaced.Secret)
	assert.Equal(t, 0, f.store.ActiveCount())

	_, err = f.login(t, password, code)
	requireKind(t, err, ErrAuthentication)
}

func TestMFAStatus(t *testing.T) {
	f := newFixture(t)

	status, err := f.gw.MFAStatus(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, MFAStatus{}, *status)

	enrollment := enroll(t, f)
	_, err = f.login(t, password, enrollment.BackupCodes[0])
	require.NoError(t, err)

	status, err = f.gw.MFAStatus(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, status.Enrolled)
	assert.Equal(t, 3, status.BackupCodesLeft)
}

func TestMFARequiredCreatesNoSession(t *testing.T) {
	f := newFixture(t)
	enrollment := enroll(t, f)

	res, err := f.login(t, password, "")
	requireKind(t, err, ErrMFARequired)
	assert.False(t, res.Success)
	assert.True(t, res.MFARequired)
	assert.Empty(t, res.Token)
	assert.Empty(t, res.SessionID)
	assert.Equal(t, 0, f.store.ActiveCount())

	code, err := mfa.GenerateCode(enrollment.Secret, f.clock.Now())
	require.NoError(t, err)
	res, err = f.login(t, password, code)
	require.NoError(t, err)
	require.True(t, res.Success)

	sess, ok := f.store.Get(res.SessionID)
	require.True(t, ok)
	assert.Equal(t, []string{models.AuthMethodPassword, models.AuthMethodTOTP}, sess.AuthMethods)
}

func TestWrongMFACodeCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	enroll(t, f)

	_, err := f.login(t, password, "000000")
	gwErr := requireKind(t, err, ErrAuthentication)
	assert.Equal(t, msgInvalidMFA, gwErr.Message)
	assert.Equal(t, 1, f.ledger.Failures(ip, email))
	assert.Equal(t, 0, f.store.ActiveCount())

	failures := f.eventsOf(models.EventMFAFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, ip, failures[0].SourceIP)
}

func TestBackupCodeLogsInOnce(t *testing.T) {
	f := newFixture(t)
	enrollment := enroll(t, f)
	code := enrollment.BackupCodes[0]

	res, err := f.login(t, password, code)
	require.NoError(t, err)
	sess, _ := f.store.Get(res.SessionID)
	assert.Contains(t, sess.AuthMethods, models.AuthMethodBackup)

	_, err = f.login(t, password, code)
	requireKind(t, err, ErrAuthentication)
}

func TestIPChangeInvalidatesSession(t *testing.T) {
	f := newFixture(t)
	res, err := f.gw.Authenticate(context.Background(), AuthRequest{
		Email: email, Password: password, SourceIP: "10.0.0.1", UserAgent: ua,
	})
	require.NoError(t, err)

	v, err := f.gw.ValidateSession(context.Background(), res.Token, "10.0.0.1", ua)
	require.NoError(t, err)
	assert.Equal(t, 0, v.RiskScore)

	_, err = f.gw.ValidateSession(context.Background(), res.Token, "10.0.0.2", ua)
	gwErr := requireKind(t, err, ErrSession)
	assert.Equal(t, session.ReasonRisk, gwErr.Message)

	sess, ok := f.store.Get(res.SessionID)
	require.True(t, ok)
	assert.Equal(t, 50, sess.RiskScore)

	_, err = f.gw.ValidateSession(context.Background(), res.Token, "10.0.0.1", ua)
	requireKind(t, err, ErrSession)

	risk := f.eventsOf(models.EventSessionRisk)
	require.Len(t, risk, 1)
	assert.Equal(t, models.ThreatHigh, risk[0].ThreatLevel)
}

func TestFourthLoginEvictsOldestSession(t *testing.T) {
	f := newFixture(t)

	var tokens []string
	for i := 0; i < 4; i++ {
		res, err := f.login(t, password, "")
		require.NoError(t, err)
		tokens = append(tokens, res.Token)
		f.clock.Advance(time.Second)
	}

	_, err := f.gw.ValidateSession(context.Background(), tokens[0], ip, ua)
	requireKind(t, err, ErrSession)
	for _, token := range tokens[1:] {
		v, err := f.gw.ValidateSession(context.Background(), token, ip, ua)
		require.NoError(t, err)
		assert.True(t, v.Valid)
	}
	assert.Equal(t, 3, f.gw.GetSecurityStatus().ActiveSessions)
	assert.Len(t, f.eventsOf(models.EventSessionEvicted), 1)
}

func TestValidateSessionRejectsBadTokens(t *testing.T) {
	f := newFixture(t)
	res, err := f.login(t, password, "")
	require.NoError(t, err)

	parts := strings.Split(res.Token, ".")
	payload := []byte(parts[1])
	payload[len(payload)/2] ^= 0x01
	tampered := strings.Join([]string{parts[0], string(payload), parts[2]}, ".")

	_, err = f.gw.ValidateSession(context.Background(), tampered, ip, ua)
	gwErr := requireKind(t, err, ErrSession)
	assert.Equal(t, msgInvalidToken, gwErr.Message)

	_, err = f.gw.ValidateSession(context.Background(), "", ip, ua)
	requireKind(t, err, ErrSession)

	_, err = f.gw.ValidateSession(context.Background(), "missing-session", ip, ua)
	requireKind(t, err, ErrSession)

	invalid := f.eventsOf(models.EventInvalidToken)
	require.Len(t, invalid, 1)
	assert.Equal(t, models.ThreatMedium, invalid[0].ThreatLevel)
}

func TestValidateTokenRejectsRawSessionID(t *testing.T) {
	f := newFixture(t)
	res, err := f.login(t, password, "")
	require.NoError(t, err)

	_, err = f.gw.ValidateToken(context.Background(), res.SessionID, ip, ua)
	gwErr := requireKind(t, err, ErrSession)
	assert.Equal(t, msgInvalidToken, gwErr.Message)
	requireKind(t, f.gw.Logout(context.Background(), res.SessionID, ip, ua), ErrSession)

	v, err := f.gw.ValidateToken(context.Background(), res.Token, ip, ua)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, v.SessionID)

	// the raw id still reaches the session through the general contract
	_, err = f.gw.ValidateSession(context.Background(), res.SessionID, ip, ua)
	require.NoError(t, err)
}

func TestListAndRevokeSessions(t *testing.T) {
	f := newFixture(t)
	first, err := f.login(t, password, "")
	require.NoError(t, err)
	second, err := f.login(t, password, "")
	require.NoError(t, err)
	other, err := f.store.Create("user-2", "5.6.7.8", ua, []string{models.AuthMethodPassword})
	require.NoError(t, err)

	list := f.gw.ListSessions("user-1", second.SessionID)
	require.Len(t, list, 2)
	assert.Equal(t, first.SessionID, list[0].SessionID)
	assert.False(t, list[0].Current)
	assert.True(t, list[1].Current)
	assert.Equal(t, epoch.Add(time.Hour), list[1].ExpiresAt)

	requireKind(t, f.gw.RevokeSession(context.Background(), "user-1", other.ID), ErrSession)
	_, ok := f.store.Get(other.ID)
	require.True(t, ok)
	assert.Len(t, f.store.UserSessions("user-2"), 1)

	require.NoError(t, f.gw.RevokeSession(context.Background(), "user-1", first.SessionID))
	assert.Len(t, f.gw.ListSessions("user-1", second.SessionID), 1)
}

func TestTokenExpiresWithSession(t *testing.T) {
	f := newFixture(t)
	res, err := f.login(t, password, "")
	require.NoError(t, err)

	// keep the session active until the absolute ceiling
	for i := 0; i < 6; i++ {
		f.clock.Advance(10 * time.Minute)
		_, err := f.gw.ValidateSession(context.Background(), res.SessionID, ip, ua)
		require.NoError(t, err)
	}
	f.clock.Advance(time.Second)
	_, err = f.gw.ValidateSession(context.Background(), res.Token, ip, ua)
	gwErr := requireKind(t, err, ErrSession)
	assert.Equal(t, msgTokenExpired, gwErr.Message)
}

func TestInvalidateAndLogout(t *testing.T) {
	f := newFixture(t)
	first, err := f.login(t, password, "")
	require.NoError(t, err)
	second, err := f.login(t, password, "")
	require.NoError(t, err)

	require.NoError(t, f.gw.InvalidateSession(context.Background(), first.SessionID, "admin"))
	_, err = f.gw.ValidateSession(context.Background(), first.Token, ip, ua)
	requireKind(t, err, ErrSession)
	requireKind(t, f.gw.InvalidateSession(context.Background(), first.SessionID, "admin"), ErrSession)

	ended := f.eventsOf(models.EventSessionInvalid)
	require.NotEmpty(t, ended)
	assert.Equal(t, "user-1", ended[0].UserID)
	assert.Equal(t, first.SessionID, ended[0].CorrelationID)

	require.NoError(t, f.gw.Logout(context.Background(), second.Token, ip, ua))
	_, err = f.gw.ValidateSession(context.Background(), second.Token, ip, ua)
	requireKind(t, err, ErrSession)
	logout := f.eventsOf(models.EventLogout)
	require.Len(t, logout, 1)
	assert.Equal(t, second.SessionID, logout[0].CorrelationID)
	assert.Equal(t, 0, f.store.ActiveCount())
}

type failingRepo struct {
	repository.CredentialRepository
	err error
}

func (r failingRepo) GetByEmail(ctx context.Context, email string) (*models.Credential, error) {
	return nil, r.err
}

func TestStorageFailureFailsClosed(t *testing.T) {
	f := newFixtureWithRepo(t, func(inner repository.CredentialRepository) repository.CredentialRepository {
		return failingRepo{CredentialRepository: inner, err: errors.New("connection refused")}
	})

	_, err := f.login(t, password, "")
	gwErr := requireKind(t, err, ErrAuthentication)
	assert.Equal(t, msgInvalidCredentials, gwErr.Message)
	assert.NotContains(t, gwErr.Message, "connection refused")
	assert.Equal(t, 1, f.ledger.Failures(ip, email))

	storage := f.eventsOf(models.EventStorageError)
	require.Len(t, storage, 1)
	assert.Equal(t, models.ThreatHigh, storage[0].ThreatLevel)
}

func TestWeakerHashIsUpgradedOnLogin(t *testing.T) {
	f := newFixture(t)
	weak := hashing.NewHasher(config.HashingConfig{Argon2MemoryCost: 32, Argon2TimeCost: 1, Argon2Parallelism: 1})
	encoded, err := weak.Hash(password)
	require.NoError(t, err)

	cred, err := f.repo.GetByEmail(context.Background(), email)
	require.NoError(t, err)
	cred.PasswordHash = encoded
	require.NoError(t, f.repo.Save(context.Background(), cred))

	_, err = f.login(t, password, "")
	require.NoError(t, err)

	stored, err := f.repo.GetByEmail(context.Background(), email)
	require.NoError(t, err)
	assert.NotEqual(t, encoded, stored.PasswordHash)
	assert.False(t, f.hasher.NeedsRehash(stored.PasswordHash))
}

func TestMaintenanceCorrelatesThreats(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.log.Log(models.EventSessionRisk, models.ThreatHigh, "6.6.6.6", ua, nil)
	}

	f.gw.RunMaintenance(context.Background())

	blocked := f.eventsOf(models.EventIPBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, "6.6.6.6", blocked[0].SourceIP)
	assert.Equal(t, models.ThreatHigh, blocked[0].ThreatLevel)

	_, err := f.gw.Authenticate(context.Background(), AuthRequest{
		Email: email, Password: password, SourceIP: "6.6.6.6", UserAgent: ua,
	})
	requireKind(t, err, ErrRateLimited)

	status := f.gw.GetSecurityStatus()
	assert.Equal(t, 1, status.BlockedIPs)
	assert.Equal(t, epoch, status.Timestamp)
}

func TestStartRegistersSweeps(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.gw.Start(ctx))
	defer f.gw.Stop()

	names := make([]string, 0, 3)
	for _, job := range f.gw.GetSecurityStatus().Jobs {
		names = append(names, job.Name)
	}
	assert.ElementsMatch(t, []string{"session_gc", "block_sweep", "threat_correlation"}, names)
}

func TestHashPasswordAppliesPolicy(t *testing.T) {
	f := newFixture(t)

	_, err := f.gw.HashPassword("short")
	requireKind(t, err, ErrValidation)

	encoded, err := f.gw.HashPassword(password)
	require.NoError(t, err)
	ok, err := f.hasher.Verify(password, encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.False(t, f.gw.CheckPasswordStrength("password123").Valid)
}
