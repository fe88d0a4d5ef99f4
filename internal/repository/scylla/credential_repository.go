package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/encryption"
	"auth-gateway/internal/models"
	"auth-gateway/internal/repository"
	"auth-gateway/internal/util"
)

// CredentialRepository reads and writes credentials in an externally owned
// keyspace. Rows are partitioned by a murmur3 user bucket; encrypted MFA
// material is stored as JSON text.
type CredentialRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewCredentialRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *CredentialRepository {
	return &CredentialRepository{client: client, buckets: buckets}
}

func (r *CredentialRepository) GetByEmail(ctx context.Context, email string) (*models.Credential, error) {
	var userID string
	var bucket int

	err := r.client.query(ctx, cqlGetUserByEmail, repository.NormalizeEmail(email)).
		Scan(&userID, &bucket)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to resolve credential email", zap.Error(err))
		return nil, fmt.Errorf("failed to resolve credential email: %w", err)
	}
	return r.get(ctx, bucket, userID)
}

func (r *CredentialRepository) GetByUserID(ctx context.Context, userID string) (*models.Credential, error) {
	return r.get(ctx, r.buckets.Bucket(userID), userID)
}

func (r *CredentialRepository) get(ctx context.Context, bucket int, userID string) (*models.Credential, error) {
	var (
		cred        models.Credential
		secretJSON  string
		backupsJSON string
	)
	err := r.client.query(ctx, cqlGetCredential, bucket, userID).
		Scan(&cred.UserID, &cred.Email, &cred.PasswordHash, &cred.MFAEnabled,
			&secretJSON, &backupsJSON, &cred.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get credential", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	if secretJSON != "" {
		cred.MFASecret = &encryption.EncryptedData{}
		if err := json.Unmarshal([]byte(secretJSON), cred.MFASecret); err != nil {
			return nil, fmt.Errorf("failed to decode mfa secret: %w", err)
		}
	}
	if backupsJSON != "" {
		if err := json.Unmarshal([]byte(backupsJSON), &cred.BackupCodes); err != nil {
			return nil, fmt.Errorf("failed to decode backup codes: %w", err)
		}
	}
	return &cred, nil
}

// Save upserts the credential row and its email index in a logged batch
func (r *CredentialRepository) Save(ctx context.Context, cred *models.Credential) error {
	if cred == nil || cred.UserID == "" {
		return fmt.Errorf("credential requires a user id")
	}
	email := repository.NormalizeEmail(cred.Email)
	bucket := r.buckets.Bucket(cred.UserID)

	var secretJSON, backupsJSON string
	if cred.MFASecret != nil {
		b, err := json.Marshal(cred.MFASecret)
		if err != nil {
			return fmt.Errorf("failed to encode mfa secret: %w", err)
		}
		secretJSON = string(b)
	}
	if len(cred.BackupCodes) > 0 {
		b, err := json.Marshal(cred.BackupCodes)
		if err != nil {
			return fmt.Errorf("failed to encode backup codes: %w", err)
		}
		backupsJSON = string(b)
	}

	var owner string
	var ownerBucket int
	err := r.client.query(ctx, cqlGetUserByEmail, email).Scan(&owner, &ownerBucket)
	switch {
	case err == nil && owner != cred.UserID:
		return fmt.Errorf("email already registered to another user")
	case err != nil && !errors.Is(err, gocql.ErrNotFound):
		return fmt.Errorf("failed to check credential email: %w", err)
	}

	previous, err := r.get(ctx, bucket, cred.UserID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	updatedAt := cred.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	batch := r.client.Batch(ctx)
	batch.Query(cqlUpsertCredential,
		bucket, cred.UserID, email, cred.PasswordHash, cred.MFAEnabled,
		secretJSON, backupsJSON, updatedAt)
	batch.Query(cqlUpsertEmailIndex, email, cred.UserID, bucket)
	if previous != nil && previous.Email != "" && previous.Email != email {
		batch.Query(cqlDeleteEmailIndex, previous.Email)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to save credential", zap.String("user_id", cred.UserID), zap.Error(err))
		return fmt.Errorf("failed to save credential: %w", err)
	}

	util.Debug("Credential saved", zap.String("user_id", cred.UserID), zap.Int("bucket", bucket))
	return nil
}

func (r *CredentialRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
