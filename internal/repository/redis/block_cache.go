package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"auth-gateway/internal/client"
	"auth-gateway/internal/clock"
	"auth-gateway/internal/models"
	"auth-gateway/internal/util"
)

const blockedIPPrefix = "blocked_ip:"

// BlockCache mirrors IP blocks across instances. Entries expire with the
// block itself.
type BlockCache struct {
	client *client.RedisClient
	clock  clock.Clock
}

func NewBlockCache(c *client.RedisClient, clk clock.Clock) *BlockCache {
	return &BlockCache{client: c, clock: clk}
}

func (c *BlockCache) SetBlock(ctx context.Context, block models.BlockedIP) error {
	ttl := block.BlockedUntil.Sub(c.clock.Now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to encode block: %w", err)
	}
	if err := c.client.Set(ctx, blockedIPPrefix+block.IP, data, ttl); err != nil {
		util.Error("Failed to set IP block", zap.String("ip", block.IP), zap.Error(err))
		return fmt.Errorf("failed to set IP block: %w", err)
	}
	util.Debug("IP block mirrored", zap.String("ip", block.IP), zap.Duration("ttl", ttl))
	return nil
}

// GetBlock returns nil when no block is mirrored for ip
func (c *BlockCache) GetBlock(ctx context.Context, ip string) (*models.BlockedIP, error) {
	raw, err := c.client.Get(ctx, blockedIPPrefix+ip)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get IP block: %w", err)
	}
	var block models.BlockedIP
	if err := json.Unmarshal([]byte(raw), &block); err != nil {
		return nil, fmt.Errorf("failed to decode IP block: %w", err)
	}
	return &block, nil
}
