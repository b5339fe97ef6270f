package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// SecretsManager seals values with AES-256-GCM before they enter the
// replicated fleet store, which every member can read.
type SecretsManager struct {
	key []byte
}

// NewSecretsManager creates a manager from a raw 32-byte key.
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &SecretsManager{key: key}, nil
}

// NewSecretsManagerFromSecret derives the key from the fleet's shared
// secret, so every member seals and opens identically.
func NewSecretsManagerFromSecret(secret string) (*SecretsManager, error) {
	if secret == "" {
		return nil, fmt.Errorf("secret cannot be empty")
	}
	hash := sha256.Sum256([]byte(secret))
	return NewSecretsManager(hash[:])
}

// Seal encrypts plaintext, prepending the nonce.
func (sm *SecretsManager) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot seal empty data")
	}

	block, err := aes.NewCipher(sm.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal.
func (sm *SecretsManager) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot open empty data")
	}

	block, err := aes.NewCipher(sm.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed data: %w", err)
	}
	return plaintext, nil
}

// SealString seals a string into base64 suitable for the fleet store.
func (sm *SecretsManager) SealString(value string) (string, error) {
	sealed, err := sm.Seal([]byte(value))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenString reverses SealString.
func (sm *SecretsManager) OpenString(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	plaintext, err := sm.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
