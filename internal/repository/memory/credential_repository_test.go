package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-gateway/internal/encryption"
	"auth-gateway/internal/models"
	"auth-gateway/internal/repository"
)

func TestSaveAndLookup(t *testing.T) {
	ctx := context.Background()
	repo := NewCredentialRepository()

	require.NoError(t, repo.Save(ctx, &models.Credential{UserID: "u1", Email: " A@B.com ", PasswordHash: "h"}))

	byEmail, err := repo.GetByEmail(ctx, "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", byEmail.UserID)

	byID, err := repo.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", byID.Email)

	_, err = repo.GetByEmail(ctx, "missing@b.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = repo.GetByUserID(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestReturnedCredentialsAreCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewCredentialRepository()
	require.NoError(t, repo.Save(ctx, &models.Credential{
		UserID:      "u1",
		Email:       "a@b.com",
		BackupCodes: []*encryption.EncryptedData{{EncryptedValue: "x"}},
	}))

	got, err := repo.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	got.BackupCodes[0].EncryptedValue = "changed"
	got.MFAEnabled = true

	again, err := repo.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "x", again.BackupCodes[0].EncryptedValue)
	assert.False(t, again.MFAEnabled)
}

func TestEmailChangeAndConflicts(t *testing.T) {
	ctx := context.Background()
	repo := NewCredentialRepository()
	require.NoError(t, repo.Save(ctx, &models.Credential{UserID: "u1", Email: "old@b.com"}))
	require.NoError(t, repo.Save(ctx, &models.Credential{UserID: "u1", Email: "new@b.com"}))

	_, err := repo.GetByEmail(ctx, "old@b.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	assert.Error(t, repo.Save(ctx, &models.Credential{UserID: "u2", Email: "new@b.com"}))
	assert.Error(t, repo.Save(ctx, &models.Credential{Email: "x@b.com"}))
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCredentialRepository().GetByEmail(ctx, "a@b.com")
	assert.ErrorIs(t, err, context.Canceled)
}
