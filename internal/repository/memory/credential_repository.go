package memory

import (
	"context"
	"fmt"
	"sync"

	"auth-gateway/internal/models"
	"auth-gateway/internal/repository"
)

// CredentialRepository keeps credentials in process memory. It backs tests
// and local development; configuration rejects it in production.
type CredentialRepository struct {
	mu      sync.RWMutex
	byID    map[string]*models.Credential
	byEmail map[string]string
}

func NewCredentialRepository() *CredentialRepository {
	return &CredentialRepository{
		byID:    make(map[string]*models.Credential),
		byEmail: make(map[string]string),
	}
}

func (r *CredentialRepository) GetByEmail(ctx context.Context, email string) (*models.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[repository.NormalizeEmail(email)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.byID[id].Clone(), nil
}

func (r *CredentialRepository) GetByUserID(ctx context.Context, userID string) (*models.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	cred, ok := r.byID[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cred.Clone(), nil
}

func (r *CredentialRepository) Save(ctx context.Context, cred *models.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cred == nil || cred.UserID == "" {
		return fmt.Errorf("credential requires a user id")
	}
	email := repository.NormalizeEmail(cred.Email)

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.byEmail[email]; ok && owner != cred.UserID {
		return fmt.Errorf("email already registered to another user")
	}
	if prev, ok := r.byID[cred.UserID]; ok {
		delete(r.byEmail, repository.NormalizeEmail(prev.Email))
	}
	stored := cred.Clone()
	stored.Email = email
	r.byID[cred.UserID] = stored
	r.byEmail[email] = cred.UserID
	return nil
}

func (r *CredentialRepository) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}
