package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"auth-gateway/internal/client"
	"auth-gateway/internal/models"
	"auth-gateway/internal/repository"
	"auth-gateway/internal/util"
)

const (
	credentialPrefix      = "credential:"
	credentialEmailPrefix = "credential_email:"
)

// CredentialCache stores credentials as JSON documents with an email index
type CredentialCache struct {
	client *client.RedisClient
}

func NewCredentialCache(c *client.RedisClient) *CredentialCache {
	return &CredentialCache{client: c}
}

func (c *CredentialCache) GetByEmail(ctx context.Context, email string) (*models.Credential, error) {
	userID, err := c.client.Get(ctx, credentialEmailPrefix+repository.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to resolve credential email", zap.Error(err))
		return nil, fmt.Errorf("failed to resolve credential email: %w", err)
	}
	return c.GetByUserID(ctx, userID)
}

func (c *CredentialCache) GetByUserID(ctx context.Context, userID string) (*models.Credential, error) {
	raw, err := c.client.Get(ctx, credentialPrefix+userID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get credential", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	var cred models.Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	return &cred, nil
}

// Save writes the document and its email index in one transaction. A
// changed email releases the previous index entry.
func (c *CredentialCache) Save(ctx context.Context, cred *models.Credential) error {
	if cred == nil || cred.UserID == "" {
		return fmt.Errorf("credential requires a user id")
	}
	stored := cred.Clone()
	stored.Email = repository.NormalizeEmail(cred.Email)

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	docKey := credentialPrefix + stored.UserID
	emailKey := credentialEmailPrefix + stored.Email

	err = c.client.Watch(ctx, func(tx *goredis.Tx) error {
		owner, err := tx.Get(ctx, emailKey).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if owner != "" && owner != stored.UserID {
			return fmt.Errorf("email already registered to another user")
		}

		var previousEmail string
		if prevRaw, err := tx.Get(ctx, docKey).Result(); err == nil {
			var prev models.Credential
			if json.Unmarshal([]byte(prevRaw), &prev) == nil && prev.Email != stored.Email {
				previousEmail = prev.Email
			}
		} else if !errors.Is(err, goredis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, docKey, data, 0)
			pipe.Set(ctx, emailKey, stored.UserID, 0)
			if previousEmail != "" {
				pipe.Del(ctx, credentialEmailPrefix+previousEmail)
			}
			return nil
		})
		return err
	}, docKey, emailKey)
	if err != nil {
		util.Error("Failed to save credential", zap.String("user_id", stored.UserID), zap.Error(err))
		return fmt.Errorf("failed to save credential: %w", err)
	}

	util.Debug("Credential saved", zap.String("user_id", stored.UserID))
	return nil
}

func (c *CredentialCache) HealthCheck(ctx context.Context) error {
	return c.client.HealthCheck(ctx)
}
