// Package repository defines the credential lookup contract. Credentials
// are owned by an external store; the adapters here only read them and
// persist MFA enrollment changes.
package repository

import (
	"context"
	"errors"
	"strings"

	"auth-gateway/internal/models"
)

var ErrNotFound = errors.New("credential not found")

type CredentialRepository interface {
	GetByEmail(ctx context.Context, email string) (*models.Credential, error)
	GetByUserID(ctx context.Context, userID string) (*models.Credential, error)
	// Save upserts a credential keyed by user id
	Save(ctx context.Context, cred *models.Credential) error
	HealthCheck(ctx context.Context) error
}

// NormalizeEmail is the lookup key form of an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
