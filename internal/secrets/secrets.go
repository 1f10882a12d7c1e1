// Package secrets provides transparent encryption for credential material
// stored at rest. All account secrets (client secret, refresh token, access
// token) and revealable API keys go through a single AES-256-GCM cipher keyed
// by the SHA-256 digest of the operator-supplied master key material.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ciphertext prefix lets us distinguish encrypted values from legacy
// plaintext rows during migration.
const prefix = "enc:v1:"

// MinMasterKeyLen is the minimum accepted master key material length.
const MinMasterKeyLen = 32

var (
	ErrMasterKeyTooShort = errors.New("master key material must be at least 32 bytes")
	ErrNotEncrypted      = errors.New("value is not an encrypted payload")
)

// Cipher encrypts and decrypts short secret strings.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES-256-GCM cipher from master key material.
// Loss of the master key renders all stored secrets unrecoverable.
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) < MinMasterKeyLen {
		return nil, ErrMasterKeyTooShort
	}
	key := sha256.Sum256(masterKey)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals a plaintext secret. Empty input stays empty so that nullable
// columns (e.g. accessToken before first refresh) round-trip cleanly.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Plaintext values without the
// ciphertext prefix are returned as-is, which keeps pre-encryption rows
// readable until the next write re-encrypts them.
func (c *Cipher) Decrypt(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if !strings.HasPrefix(value, prefix) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", ErrNotEncrypted
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether a stored value carries the ciphertext prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, prefix)
}

// Mask renders a secret safe for logs: first 10 chars plus ellipsis.
func Mask(secret string) string {
	if len(secret) <= 10 {
		return "***"
	}
	return secret[:10] + "..."
}
