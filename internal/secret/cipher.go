package secret

import (
	cryptocipher "crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrKeyUnavailable indicates the encryption key file could not be loaded or
// created. Callers treat it as fatal.
var ErrKeyUnavailable = errors.New("secret: encryption key unavailable")

// Cipher seals and opens API keys with an AEAD keyed from a sidecar file.
type Cipher struct {
	aead cryptocipher.AEAD
}

// Load reads the key file at path, generating a fresh 256-bit key with 0600
// permissions on first start.
func Load(path string) (*Cipher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty key path", ErrKeyUnavailable)
	}

	key, errRead := os.ReadFile(path)
	if errRead != nil {
		if !os.IsNotExist(errRead) {
			return nil, fmt.Errorf("%w: read %s: %v", ErrKeyUnavailable, path, errRead)
		}
		key = make([]byte, chacha20poly1305.KeySize)
		if _, errRand := rand.Read(key); errRand != nil {
			return nil, fmt.Errorf("%w: generate key: %v", ErrKeyUnavailable, errRand)
		}
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if errMkdir := os.MkdirAll(dir, 0o755); errMkdir != nil {
				return nil, fmt.Errorf("%w: create key dir: %v", ErrKeyUnavailable, errMkdir)
			}
		}
		if errWrite := os.WriteFile(path, key, 0o600); errWrite != nil {
			return nil, fmt.Errorf("%w: write %s: %v", ErrKeyUnavailable, path, errWrite)
		}
	}

	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrKeyUnavailable, chacha20poly1305.KeySize, len(key))
	}

	aead, errAEAD := chacha20poly1305.NewX(key)
	if errAEAD != nil {
		return nil, fmt.Errorf("%w: init aead: %v", ErrKeyUnavailable, errAEAD)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals the plaintext and returns a nonce-prefixed blob. Empty input
// yields an empty blob.
func (c *Cipher) Encrypt(plaintext string) ([]byte, error) {
	if c == nil || c.aead == nil {
		return nil, fmt.Errorf("secret: cipher not initialized")
	}
	if plaintext == "" {
		return nil, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, errRand := rand.Read(nonce); errRand != nil {
		return nil, fmt.Errorf("secret: generate nonce: %w", errRand)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a nonce-prefixed blob produced by Encrypt.
func (c *Cipher) Decrypt(blob []byte) (string, error) {
	if c == nil || c.aead == nil {
		return "", fmt.Errorf("secret: cipher not initialized")
	}
	if len(blob) == 0 {
		return "", nil
	}
	nonceSize := c.aead.NonceSize()
	if len(blob) <= nonceSize {
		return "", fmt.Errorf("secret: ciphertext too short")
	}
	plaintext, errOpen := c.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if errOpen != nil {
		return "", fmt.Errorf("secret: open ciphertext: %w", errOpen)
	}
	return string(plaintext), nil
}

// RandomToken returns a hex token for seeding per-install secrets.
func RandomToken(bytes int) (string, error) {
	if bytes <= 0 {
		bytes = 32
	}
	buf := make([]byte, bytes)
	if _, errRand := rand.Read(buf); errRand != nil {
		return "", fmt.Errorf("secret: generate token: %w", errRand)
	}
	return hex.EncodeToString(buf), nil
}
