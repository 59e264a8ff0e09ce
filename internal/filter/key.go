package filter

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"
)

// DefaultKeySize is the key size produced by GenerateKey when none is given.
const DefaultKeySize = 32

// MaxKeySize bounds generated and derived keys.
const MaxKeySize = 4096

// keyInfo separates derived XOR keys from any other use of a passphrase.
const keyInfo = "udp-obfuscat xor key v1"

// DecodeKey decodes a base64 (standard alphabet, padded) key and rejects
// empty results.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode xor key from base64: %w", err)
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return key, nil
}

// EncodeKey returns the configuration form of key.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// GenerateKey returns size random bytes.
func GenerateKey(size int) ([]byte, error) {
	if err := checkKeySize(size); err != nil {
		return nil, err
	}

	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("read random key: %w", err)
	}
	return key, nil
}

// DeriveKey expands a passphrase into size key bytes with HKDF-SHA256. The
// passphrase is NFKC-normalized first so that both ends of a pair derive the
// same key regardless of how the text was typed.
func DeriveKey(passphrase string, size int) ([]byte, error) {
	if err := checkKeySize(size); err != nil {
		return nil, err
	}
	if passphrase == "" {
		return nil, errors.New("passphrase must not be empty")
	}

	secret := []byte(norm.NFKC.String(passphrase))
	r := hkdf.New(sha256.New, secret, nil, []byte(keyInfo))

	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func checkKeySize(size int) error {
	if size < 1 || size > MaxKeySize {
		return fmt.Errorf("key size must be between 1 and %d bytes, got %d", MaxKeySize, size)
	}
	return nil
}
