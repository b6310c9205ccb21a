// Package crypto seals provider credentials written through the admin API before they
// reach the settings table.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/felipepmaragno/chat-relay/internal/config"
)

// sealedPrefix marks a stored value as ciphertext. Values without it are returned
// as they are, so rows written before encryption was enabled keep working.
const sealedPrefix = "enc:v1:"

var (
	ErrEmptyKey          = errors.New("encryption key must not be empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives an AES-256-GCM key from the passphrase.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, ErrEmptyKey
	}
	key := sha256.Sum256([]byte(passphrase))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{aead: aead}, nil
}

func (e *Encryptor) Seal(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. A value that was never sealed is returned unchanged.
func (e *Encryptor) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plaintext), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

type SettingsStore interface {
	LoadSettings(ctx context.Context) (map[string]string, error)
	SaveSettings(ctx context.Context, values map[string]string) error
}

// SealedSettings encrypts credential keys on the way into the wrapped store and
// decrypts them on the way out. Other keys pass through.
type SealedSettings struct {
	store SettingsStore
	enc   *Encryptor
}

func NewSealedSettings(store SettingsStore, enc *Encryptor) *SealedSettings {
	return &SealedSettings{store: store, enc: enc}
}

func (s *SealedSettings) LoadSettings(ctx context.Context) (map[string]string, error) {
	values, err := s.store.LoadSettings(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(values))
	for k, v := range values {
		if config.IsSecretKey(k) {
			plain, err := s.enc.Open(v)
			if err != nil {
				return nil, fmt.Errorf("decrypt %s: %w", k, err)
			}
			v = plain
		}
		out[k] = v
	}
	return out, nil
}

func (s *SealedSettings) SaveSettings(ctx context.Context, values map[string]string) error {
	sealed := make(map[string]string, len(values))
	for k, v := range values {
		if config.IsSecretKey(k) && v != "" {
			c, err := s.enc.Seal(v)
			if err != nil {
				return fmt.Errorf("encrypt %s: %w", k, err)
			}
			v = c
		}
		sealed[k] = v
	}
	return s.store.SaveSettings(ctx, sealed)
}
