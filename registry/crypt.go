package registry

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Crypt encrypts and decrypts stored API keys with AES-256-GCM. The key is
// derived from a shared secret by SHA-256, so any process with the secret
// can read keys written by another.
type Crypt struct {
	key [32]byte
}

// NewCrypt derives a cipher key from the secret.
func NewCrypt(secret string) (*Crypt, error) {
	if secret == "" {
		return nil, errors.New("crypt: empty secret")
	}
	return &Crypt{key: sha256.Sum256([]byte(secret))}, nil
}

func (c *Crypt) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (c *Crypt) Encrypt(plaintext string) (string, error) {
	gcm, err := c.gcm()
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Crypt) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	gcm, err := c.gcm()
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("decrypt: ciphertext too short")
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}
