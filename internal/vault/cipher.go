// Package vault encrypts credential material at rest with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/logging"
)

// KeySize is the required key length in bytes.
const KeySize = 32

// Cipher seals and opens short secrets. Output is base64url(nonce || ciphertext).
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, &errors.ErrInvalidKey{Reason: fmt.Sprintf("key must be %d bytes, got %d", KeySize, len(key))}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &errors.ErrInvalidKey{Reason: err.Error()}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &errors.ErrInvalidKey{Reason: err.Error()}
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Any tampering, truncation,
// or key mismatch yields *errors.DecryptionError.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &errors.DecryptionError{Err: fmt.Errorf("decode: %w", err)}
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return "", &errors.DecryptionError{Err: fmt.Errorf("ciphertext too short")}
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", &errors.DecryptionError{Err: err}
	}
	return string(plain), nil
}

// ParseKey decodes key material given as standard or URL-safe base64,
// with or without padding.
func ParseKey(material string) ([]byte, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, &errors.ErrInvalidKey{Reason: "empty key"}
	}
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		key, err := enc.DecodeString(material)
		if err != nil {
			continue
		}
		if len(key) != KeySize {
			return nil, &errors.ErrInvalidKey{Reason: fmt.Sprintf("decoded key is %d bytes, want %d", len(key), KeySize)}
		}
		return key, nil
	}
	return nil, &errors.ErrInvalidKey{Reason: "not valid base64"}
}

// GenerateKey returns fresh base64-encoded key material.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Load builds the process cipher from configured key material.
// Invalid material is an error the caller must treat as fatal. Missing
// material produces a generated key and a warning: credentials saved under
// it become unreadable once the process restarts with a different key.
func Load(material string, logger *logging.Logger) (*Cipher, string, error) {
	if strings.TrimSpace(material) == "" {
		generated, err := GenerateKey()
		if err != nil {
			return nil, "", err
		}
		if logger != nil {
			logger.Warn("NO ENCRYPTION KEY CONFIGURED: generated an ephemeral key; stored credentials will not survive a restart",
				"hint", "set credentials.encryption_key or SOCIALPULSE_ENCRYPTION_KEY")
		}
		material = generated
	}
	key, err := ParseKey(material)
	if err != nil {
		return nil, "", err
	}
	c, err := NewCipher(key)
	if err != nil {
		return nil, "", err
	}
	return c, material, nil
}
