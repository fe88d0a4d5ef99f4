// Package mfa issues and verifies TOTP second factors and single-use
// backup codes. Secrets and codes are sealed by the key store before they
// reach the credential repository.
package mfa

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/clock"
	"auth-gateway/internal/config"
	"auth-gateway/internal/encryption"
	"auth-gateway/internal/models"
	"auth-gateway/internal/repository"
)

const (
	period          = 30
	skew            = 1
	secretSize      = 20
	backupCodeBytes = 8
)

var (
	ErrUnknownUser = errors.New("unknown user")
	ErrNotEnrolled = errors.New("mfa not enrolled")
)

// SecretSealer encrypts MFA material at rest
type SecretSealer interface {
	EncryptSecret(plaintext []byte) (*encryption.EncryptedData, error)
	DecryptSecret(data *encryption.EncryptedData) ([]byte, error)
}

// Enrollment is returned once at registration. The plaintext secret and
// backup codes are never stored.
type Enrollment struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}

type Provider struct {
	cfg     config.MFAConfig
	repo    repository.CredentialRepository
	sealer  SecretSealer
	audit   *audit.Log
	clock   clock.Clock
	logger  *zap.Logger
	buckets *bucketing.BucketingManager
	locks   []sync.Mutex
}

func NewProvider(cfg config.MFAConfig, repo repository.CredentialRepository, sealer SecretSealer, auditLog *audit.Log, clk clock.Clock, logger *zap.Logger, buckets *bucketing.BucketingManager) *Provider {
	if cfg.BackupCodeCount < 1 {
		cfg.BackupCodeCount = 10
	}
	return &Provider{
		cfg:     cfg,
		repo:    repo,
		sealer:  sealer,
		audit:   auditLog,
		clock:   clk,
		logger:  logger,
		buckets: buckets,
		locks:   make([]sync.Mutex, buckets.Buckets()),
	}
}

// lock serialises enrollment changes per user so a backup code can only be
// consumed once within this process
func (p *Provider) lock(userID string) func() {
	mu := &p.locks[p.buckets.Bucket(userID)]
	mu.Lock()
	return mu.Unlock
}

// Register issues a new TOTP secret and backup codes and enrolls the user.
// Registering again replaces the previous secret and codes.
func (p *Provider) Register(ctx context.Context, userID string) (*Enrollment, error) {
	defer p.lock(userID)()

	cred, err := p.repo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.cfg.Issuer,
		AccountName: cred.Email,
		Period:      period,
		SecretSize:  secretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}

	sealedSecret, err := p.sealer.EncryptSecret([]byte(key.Secret()))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt totp secret: %w", err)
	}

	codes := make([]string, 0, p.cfg.BackupCodeCount)
	sealedCodes := make([]*encryption.EncryptedData, 0, p.cfg.BackupCodeCount)
	for i := 0; i < p.cfg.BackupCodeCount; i++ {
		code, err := newBackupCode()
		if err != nil {
			return nil, err
		}
		sealed, err := p.sealer.EncryptSecret([]byte(code))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt backup code: %w", err)
		}
		codes = append(codes, code)
		sealedCodes = append(sealedCodes, sealed)
	}

	cred.MFAEnabled = true
	cred.MFASecret = sealedSecret
	cred.BackupCodes = sealedCodes
	cred.UpdatedAt = p.clock.Now()
	if err := p.repo.Save(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to store mfa enrollment: %w", err)
	}

	ip, ua := audit.ClientFromContext(ctx)
	p.audit.Log(models.EventMFARegistered, models.ThreatLow, ip, ua,
		map[string]interface{}{"backup_codes": len(codes)},
		audit.WithUserID(userID),
	)

	return &Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		BackupCodes:     codes,
	}, nil
}

// Verify checks code as a TOTP value and then as a backup code
func (p *Provider) Verify(ctx context.Context, userID, code string) (bool, error) {
	_, ok, err := p.VerifyMethod(ctx, userID, code)
	return ok, err
}

// VerifyMethod is Verify that also reports which factor matched
func (p *Provider) VerifyMethod(ctx context.Context, userID, code string) (string, bool, error) {
	ip, ua := audit.ClientFromContext(ctx)
	method, ok, err := p.verify(ctx, userID, code)

	switch {
	case err != nil && !errors.Is(err, ErrNotEnrolled):
		p.logger.Error("MFA verification error", zap.String("user_id", userID), zap.Error(err))
	case ok && method == models.AuthMethodBackup:
		p.audit.Log(models.EventBackupCodeUsed, models.ThreatLow, ip, ua,
			map[string]interface{}{"method": method},
			audit.WithUserID(userID),
		)
	case ok:
		p.audit.Log(models.EventMFASuccess, models.ThreatLow, ip, ua,
			map[string]interface{}{"method": method},
			audit.WithUserID(userID),
		)
	}
	if !ok {
		details := map[string]interface{}{}
		if err != nil {
			details["error"] = err.Error()
		}
		p.audit.Log(models.EventMFAFailure, models.ThreatMedium, ip, ua, details, audit.WithUserID(userID))
	}
	return method, ok, err
}

func (p *Provider) verify(ctx context.Context, userID, code string) (string, bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", false, nil
	}

	cred, err := p.repo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", false, ErrNotEnrolled
		}
		return "", false, fmt.Errorf("failed to load credential: %w", err)
	}
	if !cred.MFAEnabled || cred.MFASecret == nil {
		return "", false, ErrNotEnrolled
	}

	secret, err := p.sealer.DecryptSecret(cred.MFASecret)
	if err != nil {
		return "", false, fmt.Errorf("failed to decrypt totp secret: %w", err)
	}

	valid, err := totp.ValidateCustom(code, string(secret), p.clock.Now(), totp.ValidateOpts{
		Period:    period,
		Skew:      skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err == nil && valid {
		return models.AuthMethodTOTP, true, nil
	}

	ok, err := p.consumeBackupCode(ctx, userID, code)
	if ok {
		return models.AuthMethodBackup, true, nil
	}
	return "", false, err
}

// consumeBackupCode removes a matching backup code. The credential is
// re-read under the user lock so concurrent attempts see each other.
func (p *Provider) consumeBackupCode(ctx context.Context, userID, code string) (bool, error) {
	candidate := normalizeBackupCode(code)
	if len(candidate) != backupCodeBytes*2 {
		return false, nil
	}

	defer p.lock(userID)()

	cred, err := p.repo.GetByUserID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to load credential: %w", err)
	}

	match := -1
	for i, sealed := range cred.BackupCodes {
		plain, err := p.sealer.DecryptSecret(sealed)
		if err != nil {
			p.logger.Warn("Skipping undecryptable backup code", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if subtle.ConstantTimeCompare(plain, []byte(candidate)) == 1 {
			match = i
		}
	}
	if match < 0 {
		return false, nil
	}

	cred.BackupCodes = append(cred.BackupCodes[:match], cred.BackupCodes[match+1:]...)
	cred.UpdatedAt = p.clock.Now()
	if err := p.repo.Save(ctx, cred); err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}
	return true, nil
}

// IsEnrolled reports whether the user has an active second factor
func (p *Provider) IsEnrolled(ctx context.Context, userID string) (bool, error) {
	cred, err := p.repo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return cred.MFAEnabled, nil
}

func (p *Provider) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	cred, err := p.repo.GetByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(cred.BackupCodes), nil
}

// GenerateCode returns the current TOTP code for secret. Used by tooling
// and tests.
func GenerateCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    period,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

func newBackupCode() (string, error) {
	b := make([]byte, backupCodeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate backup code: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(code)
	return strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, code)
}
