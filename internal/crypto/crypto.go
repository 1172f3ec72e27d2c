// Package crypto seals the provider API keys users store on their profile.
package crypto

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

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must not be empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// Encryptor is AES-256-GCM with a key derived from a passphrase. Ciphertexts are
// base64(nonce || sealed).
type Encryptor struct {
	aead cipher.AEAD
}

func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(deriveKey(passphrase))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Encryptor{aead: gcm}, nil
}

func deriveKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plaintext), nil
}

// EncryptKeys seals every non-empty key. The result is keyed by provider name so it
// can be stored as JSON.
func (e *Encryptor) EncryptKeys(keys map[domain.Provider]string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for p, key := range keys {
		if key == "" {
			continue
		}
		sealed, err := e.Encrypt(key)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s key: %w", p, err)
		}
		out[string(p)] = sealed
	}
	return out, nil
}

func (e *Encryptor) DecryptKeys(sealed map[string]string) (map[domain.Provider]string, error) {
	out := make(map[domain.Provider]string, len(sealed))
	for p, ct := range sealed {
		key, err := e.Decrypt(ct)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s key: %w", p, err)
		}
		out[domain.Provider(p)] = key
	}
	return out, nil
}

// Fingerprint identifies a secret in logs and admin output without revealing it.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:])[:12]
}
