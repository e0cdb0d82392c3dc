package phi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	prefixV1 = "enc:v1:"
	hkdfInfo = "intake-phi-field-v1"
)

var ErrKeyTooShort = errors.New("phi master key must be at least 32 bytes")

// Cipher is the field-level PHI contract. Decrypt never fails: input it cannot
// open is returned unchanged.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) string
}

type AEADCipher struct {
	aead cipher.AEAD
}

func NewAEADCipher(masterKey []byte) (*AEADCipher, error) {
	if len(masterKey) < 32 {
		return nil, ErrKeyTooShort
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving field key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &AEADCipher{aead: aead}, nil
}

func (c *AEADCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefixV1 + base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (c *AEADCipher) Decrypt(ciphertext string) string {
	if !strings.HasPrefix(ciphertext, prefixV1) {
		return ciphertext
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(ciphertext, prefixV1))
	if err != nil {
		return ciphertext
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return ciphertext
	}
	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return ciphertext
	}
	return string(plaintext)
}
