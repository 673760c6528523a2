// ABOUTME: AES-256-GCM sealing of secrets stored in the database
// ABOUTME: Ciphertexts are encoded as base64(nonce)|base64(ciphertext)

package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	boxKeyLength = 32  // AES-256
	boxSep       = "|" // nonce|ciphertext
)

// ErrMalformedCiphertext is returned when Open is given a value Seal did not produce.
var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// Box seals and opens secrets with a master key. A nil *Box passes values
// through unchanged, for deployments without a master key.
type Box struct {
	aead cipher.AEAD
}

// NewBox creates a Box from a 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != boxKeyLength {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", boxKeyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Box{aead: aead}, nil
}

// NewBoxFromBase64 creates a Box from a standard base64 encoded key.
func NewBoxFromBase64(encoded string) (*Box, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decoding master key: %w", err)
	}
	return NewBox(key)
}

// Seal encrypts plaintext. Empty input stays empty.
func (b *Box) Seal(plaintext string) (string, error) {
	if b == nil || plaintext == "" {
		return plaintext, nil
	}
	nonce, err := RandomBytes(b.aead.NonceSize())
	if err != nil {
		return "", err
	}
	ct := b.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(nonce) + boxSep + base64.StdEncoding.EncodeToString(ct), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(sealed string) (string, error) {
	if b == nil || sealed == "" {
		return sealed, nil
	}
	nonceB64, ctB64, ok := strings.Cut(sealed, boxSep)
	if !ok {
		return "", ErrMalformedCiphertext
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonce) != b.aead.NonceSize() {
		return "", ErrMalformedCiphertext
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	pt, err := b.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("opening sealed value: %w", err)
	}
	return string(pt), nil
}
