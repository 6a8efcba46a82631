// Package crypto encrypts context provider credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned when the encryption key is empty.
	ErrInvalidKey = errors.New("invalid encryption key: must not be empty")
	// ErrDecryptionFailed is returned when decryption fails due to invalid ciphertext, wrong key,
	// or a ciphertext that belongs to a different provider.
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or wrong key")
)

// KeyEncryptor seals provider API keys with AES-256-GCM.
// Each ciphertext is bound to the provider id it was created for, so a sealed key
// copied onto another provider row fails to open.
type KeyEncryptor struct {
	gcm cipher.AEAD
}

// NewKeyEncryptor creates an encryptor from a key string.
// A base64 value decoding to exactly 32 bytes is used directly (openssl rand -base64 32);
// anything else is treated as a passphrase and hashed with SHA-256.
func NewKeyEncryptor(keyInput string) (*KeyEncryptor, error) {
	if keyInput == "" {
		return nil, ErrInvalidKey
	}

	key := deriveKey(keyInput)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &KeyEncryptor{gcm: gcm}, nil
}

func deriveKey(keyInput string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(keyInput); err == nil && len(decoded) == 32 {
		return decoded
	}
	hash := sha256.Sum256([]byte(keyInput))
	return hash[:]
}

// Seal encrypts apiKey for providerID and returns base64(nonce || ciphertext || tag).
// An empty apiKey seals to the empty string.
func (e *KeyEncryptor) Seal(providerID, apiKey string) (string, error) {
	if apiKey == "" {
		return "", nil
	}

	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.gcm.Seal(nonce, nonce, []byte(apiKey), []byte(providerID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal for the same providerID.
// The empty string opens to the empty string.
func (e *KeyEncryptor) Open(providerID, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}

	nonceSize := e.gcm.NonceSize()
	if len(data) < nonceSize+e.gcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, ciphertext, []byte(providerID))
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}

	return string(plaintext), nil
}
