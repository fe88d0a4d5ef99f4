package models

import (
	"time"

	"auth-gateway/internal/encryption"
)

// Credential is the stored authentication material of one user. The
// password hash is an encoded Argon2id string; MFA material is encrypted
// at rest.
type Credential struct {
	UserID       string                      `json:"user_id" db:"user_id"`
	Email        string                      `json:"email" db:"email"`
	PasswordHash string                      `json:"password_hash" db:"password_hash"`
	MFAEnabled   bool                        `json:"mfa_enabled" db:"mfa_enabled"`
	MFASecret    *encryption.EncryptedData   `json:"mfa_secret,omitempty" db:"mfa_secret"`
	BackupCodes  []*encryption.EncryptedData `json:"backup_codes,omitempty" db:"backup_codes"`
	UpdatedAt    time.Time                   `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable slices
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	if c.MFASecret != nil {
		secret := *c.MFASecret
		out.MFASecret = &secret
	}
	if c.BackupCodes != nil {
		out.BackupCodes = make([]*encryption.EncryptedData, len(c.BackupCodes))
		for i, code := range c.BackupCodes {
			cp := *code
			out.BackupCodes[i] = &cp
		}
	}
	return &out
}
