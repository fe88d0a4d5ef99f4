package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	// MasterKeySize is the AES-256 key length
	MasterKeySize = 32
	dataKeySize   = 32
	formatVersion = "v1"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidKey       = errors.New("invalid master key")
)

// EncryptedData is an envelope: the value sealed with a fresh data key, and
// the data key sealed with the master key.
type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

type EncryptionManager struct {
	kek      cipher.AEAD
	keyID    string
	keyCache sync.Map // encrypted DEK -> plaintext DEK
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// NewEncryptionManager builds a manager around a 32-byte master key
func NewEncryptionManager(masterKey []byte) (*EncryptionManager, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, MasterKeySize, len(masterKey))
	}
	kek, err := newGCM(masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	sum := sha256.Sum256(masterKey)
	return &EncryptionManager{
		kek:   kek,
		keyID: "local-" + hex.EncodeToString(sum[:8]),
	}, nil
}

// KeyID identifies the master key without revealing it
func (em *EncryptionManager) KeyID() string {
	return em.keyID
}

// GenerateDataKey creates a fresh data key wrapped by the master key
func (em *EncryptionManager) GenerateDataKey() (*DataKey, error) {
	key := make([]byte, dataKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err := seal(em.kek, key, []byte(em.keyID))
	if err != nil {
		return nil, err
	}
	return &DataKey{
		Plaintext:  key,
		Ciphertext: wrapped,
		KeyID:      em.keyID,
	}, nil
}

// UnwrapDataKey opens a data key produced by GenerateDataKey
func (em *EncryptionManager) UnwrapDataKey(ciphertext []byte) ([]byte, error) {
	return open(em.kek, ciphertext, []byte(em.keyID))
}

// Encrypt seals an arbitrary byte string
func (em *EncryptionManager) Encrypt(plaintext []byte) (*EncryptedData, error) {
	dataKey, err := em.GenerateDataKey()
	if err != nil {
		return nil, err
	}

	block, err := newGCM(dataKey.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	ciphertext, err := seal(block, plaintext, nil)
	if err != nil {
		return nil, err
	}

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   base64.StdEncoding.EncodeToString(dataKey.Ciphertext),
		KeyID:          dataKey.KeyID,
		Version:        formatVersion,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Decrypt opens an envelope produced by Encrypt
func (em *EncryptionManager) Decrypt(data *EncryptedData) ([]byte, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrDecryptionFailed)
	}
	if data.KeyID != em.keyID {
		return nil, fmt.Errorf("%w: unknown key id %s", ErrDecryptionFailed, data.KeyID)
	}

	dek, err := em.unwrapDEK(data.EncryptedDEK)
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(data.EncryptedValue)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	block, err := newGCM(dek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return open(block, ciphertext, nil)
}

// EncryptField is Encrypt for string values
func (em *EncryptionManager) EncryptField(plaintext string) (*EncryptedData, error) {
	return em.Encrypt([]byte(plaintext))
}

// DecryptField is Decrypt for string values
func (em *EncryptionManager) DecryptField(data *EncryptedData) (string, error) {
	plaintext, err := em.Decrypt(data)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (em *EncryptionManager) unwrapDEK(encoded string) ([]byte, error) {
	if cached, ok := em.keyCache.Load(encoded); ok {
		return cached.([]byte), nil
	}
	wrapped, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}
	dek, err := em.UnwrapDataKey(wrapped)
	if err != nil {
		return nil, err
	}
	em.keyCache.Store(encoded, dek)
	return dek, nil
}

// ClearCache drops every cached data key
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, _ interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}

// GetCacheSize returns the number of cached DEKs
func (em *EncryptionManager) GetCacheSize() int {
	count := 0
	em.keyCache.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(gcm cipher.AEAD, plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func open(gcm cipher.AEAD, ciphertext, aad []byte) ([]byte, error) {
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
