// Package keystore owns the RSA signing keypair and the symmetric master
// key. Key material is generated on first start and loaded afterwards; any
// missing, partial or corrupt material is reported as ErrKeyMaterial and
// must stop the process.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"auth-gateway/internal/clock"
	"auth-gateway/internal/encryption"
	"auth-gateway/internal/util"
)

const (
	PrivateKeyFile = "jwt_private.pem"
	PublicKeyFile  = "jwt_public.pem"
	MasterKeyFile  = "master.key"

	rsaKeyBits   = 2048
	kmsKeyPrefix = "kms:"
)

var ErrKeyMaterial = errors.New("key material missing or corrupt")

// KeyWrapper protects the master key at rest with an external KMS
type KeyWrapper interface {
	GenerateDataKey(ctx context.Context) (plaintext, ciphertext []byte, err error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type Options struct {
	Dir      string
	Issuer   string
	Audience string
	// Wrapper is optional; when set the master key file holds a KMS blob.
	Wrapper KeyWrapper
	Clock   clock.Clock
	Logger  *zap.Logger
}

// KeyStore is immutable after Open and safe for concurrent use
type KeyStore struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	encryption *encryption.EncryptionManager
	issuer     string
	audience   string
	clock      clock.Clock
	logger     *zap.Logger
}

// Open loads the key material from opts.Dir, generating it when the
// directory holds none of it.
func Open(ctx context.Context, opts Options) (*KeyStore, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: key directory not configured", ErrKeyMaterial)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = util.Named("keystore")
	}

	paths := []string{
		filepath.Join(opts.Dir, PrivateKeyFile),
		filepath.Join(opts.Dir, PublicKeyFile),
		filepath.Join(opts.Dir, MasterKeyFile),
	}
	present := 0
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			present++
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: stat %s: %v", ErrKeyMaterial, p, err)
		}
	}

	switch present {
	case 0:
		if err := generate(ctx, opts); err != nil {
			return nil, err
		}
		opts.Logger.Info("Generated new key material", zap.String("dir", opts.Dir), zap.Bool("kms_wrapped", opts.Wrapper != nil))
	case len(paths):
	default:
		return nil, fmt.Errorf("%w: %d of %d key files present in %s", ErrKeyMaterial, present, len(paths), opts.Dir)
	}

	ks, err := load(ctx, opts)
	if err != nil {
		return nil, err
	}
	opts.Logger.Info("Key material loaded",
		zap.String("dir", opts.Dir),
		zap.String("master_key_id", ks.encryption.KeyID()),
	)
	return ks, nil
}

func generate(ctx context.Context, opts Options) error {
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return fmt.Errorf("%w: create key dir: %v", ErrKeyMaterial, err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("%w: generate rsa key: %v", ErrKeyMaterial, err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("%w: marshal private key: %v", ErrKeyMaterial, err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: marshal public key: %v", ErrKeyMaterial, err)
	}

	var masterLine string
	if opts.Wrapper != nil {
		_, wrapped, err := opts.Wrapper.GenerateDataKey(ctx)
		if err != nil {
			return fmt.Errorf("%w: kms generate data key: %v", ErrKeyMaterial, err)
		}
		masterLine = kmsKeyPrefix + base64.StdEncoding.EncodeToString(wrapped)
	} else {
		master := make([]byte, encryption.MasterKeySize)
		if _, err := rand.Read(master); err != nil {
			return fmt.Errorf("%w: generate master key: %v", ErrKeyMaterial, err)
		}
		masterLine = base64.StdEncoding.EncodeToString(master)
	}

	files := map[string][]byte{
		PrivateKeyFile: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
		PublicKeyFile:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
		MasterKeyFile:  []byte(masterLine + "\n"),
	}
	for name, data := range files {
		if err := writeOwnerOnly(filepath.Join(opts.Dir, name), data); err != nil {
			return err
		}
	}
	return nil
}

func writeOwnerOnly(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrKeyMaterial, filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("%w: write %s: %v", ErrKeyMaterial, filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync %s: %v", ErrKeyMaterial, filepath.Base(path), err)
	}
	return f.Close()
}

func readOwnerOnly(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s is accessible by group or others (%v)", ErrKeyMaterial, filepath.Base(path), info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	return data, nil
}

func load(ctx context.Context, opts Options) (*KeyStore, error) {
	privPEM, err := readOwnerOnly(filepath.Join(opts.Dir, PrivateKeyFile))
	if err != nil {
		return nil, err
	}
	pubPEM, err := readOwnerOnly(filepath.Join(opts.Dir, PublicKeyFile))
	if err != nil {
		return nil, err
	}
	masterRaw, err := readOwnerOnly(filepath.Join(opts.Dir, MasterKeyFile))
	if err != nil {
		return nil, err
	}

	priv, err := parsePrivateKey(privPEM)
	if err != nil {
		return nil, err
	}
	pub, err := parsePublicKey(pubPEM)
	if err != nil {
		return nil, err
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, fmt.Errorf("%w: public key does not match private key", ErrKeyMaterial)
	}

	master, err := decodeMasterKey(ctx, strings.TrimSpace(string(masterRaw)), opts.Wrapper)
	if err != nil {
		return nil, err
	}
	em, err := encryption.NewEncryptionManager(master)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}

	return &KeyStore{
		privateKey: priv,
		publicKey:  pub,
		encryption: em,
		issuer:     opts.Issuer,
		audience:   opts.Audience,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}, nil
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM", ErrKeyMaterial)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrKeyMaterial, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is not RSA", ErrKeyMaterial)
	}
	if rsaKey.N.BitLen() < rsaKeyBits {
		return nil, fmt.Errorf("%w: rsa key shorter than %d bits", ErrKeyMaterial, rsaKeyBits)
	}
	return rsaKey, nil
}

func parsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: public key is not PEM", ErrKeyMaterial)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrKeyMaterial, err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", ErrKeyMaterial)
	}
	return rsaKey, nil
}

func decodeMasterKey(ctx context.Context, line string, wrapper KeyWrapper) ([]byte, error) {
	if strings.HasPrefix(line, kmsKeyPrefix) {
		if wrapper == nil {
			return nil, fmt.Errorf("%w: master key is KMS-wrapped but KMS is disabled", ErrKeyMaterial)
		}
		blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, kmsKeyPrefix))
		if err != nil {
			return nil, fmt.Errorf("%w: master key blob: %v", ErrKeyMaterial, err)
		}
		master, err := wrapper.Decrypt(ctx, blob)
		if err != nil {
			return nil, fmt.Errorf("%w: kms decrypt master key: %v", ErrKeyMaterial, err)
		}
		return master, nil
	}
	if wrapper != nil {
		return nil, fmt.Errorf("%w: KMS is enabled but master key is not KMS-wrapped", ErrKeyMaterial)
	}
	master, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("%w: master key encoding: %v", ErrKeyMaterial, err)
	}
	return master, nil
}

// EncryptSecret seals a secret with the master key
func (ks *KeyStore) EncryptSecret(plaintext []byte) (*encryption.EncryptedData, error) {
	return ks.encryption.Encrypt(plaintext)
}

// DecryptSecret opens a secret sealed by EncryptSecret
func (ks *KeyStore) DecryptSecret(data *encryption.EncryptedData) ([]byte, error) {
	return ks.encryption.Decrypt(data)
}

// PublicKey exposes the verification key, for example to publish as a JWK
func (ks *KeyStore) PublicKey() *rsa.PublicKey {
	return ks.publicKey
}

// Close drops cached data keys
func (ks *KeyStore) Close() {
	ks.encryption.ClearCache()
}
