package client

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"

	"auth-gateway/internal/config"
)

// KMSAPI is the subset of the KMS client the wrapper calls
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSClient wraps the master key with an AWS KMS customer managed key
type KMSClient struct {
	api   KMSAPI
	keyID string
}

func NewKMSClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*KMSClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("KMS client initialized",
		zap.String("region", cfg.KMS.Region),
		zap.String("key_id", cfg.KMS.KeyID),
	)
	return NewKMSClientFrom(kms.NewFromConfig(awsCfg), cfg.KMS.KeyID), nil
}

func NewKMSClientFrom(api KMSAPI, keyID string) *KMSClient {
	return &KMSClient{api: api, keyID: keyID}
}

// GenerateDataKey returns a fresh AES-256 key and its KMS ciphertext blob
func (k *KMSClient) GenerateDataKey(ctx context.Context) ([]byte, []byte, error) {
	out, err := k.api.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(k.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return out.Plaintext, out.CiphertextBlob, nil
}

func (k *KMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := k.api.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: ciphertext,
		KeyId:          aws.String(k.keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data key: %w", err)
	}
	return out.Plaintext, nil
}
