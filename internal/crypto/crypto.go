// Package crypto seals device credentials so the auth token does not sit in
// plain text in config files. Sealed values use AES-256-GCM with a key bound
// to the device's partner and device identifiers.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// SealedPrefix marks a sealed value in config files and environment variables.
const SealedPrefix = "enc:"

var (
	// ErrInvalidCiphertext is returned when a sealed value cannot be opened.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the device identity is incomplete.
	ErrInvalidKey = errors.New("partner and device id are required to seal credentials")
	// ErrNotSealed is returned by Open for a value without SealedPrefix.
	ErrNotSealed = errors.New("value is not sealed")
)

// IsSealed reports whether v carries SealedPrefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(strings.TrimSpace(v), SealedPrefix)
}

// DeviceKey derives the sealing key for one partner/device pair. A token
// sealed on one device does not open on another.
func DeviceKey(partnerID, deviceID string) ([]byte, error) {
	if partnerID == "" || deviceID == "" {
		return nil, ErrInvalidKey
	}
	hash := sha256.Sum256([]byte("posync:" + partnerID + ":" + deviceID))
	return hash[:], nil
}

// Seal encrypts plaintext with key and returns SealedPrefix + base64.
func Seal(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func Open(sealed string, key []byte) (string, error) {
	sealed = strings.TrimSpace(sealed)
	if !strings.HasPrefix(sealed, SealedPrefix) {
		return "", ErrNotSealed
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	nonce, body := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) == 0 {
		return nil, ErrInvalidKey
	}
	derived := sha256.Sum256(key)
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SealToken seals an auth token for the given device.
func SealToken(token, partnerID, deviceID string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("auth token cannot be empty")
	}
	key, err := DeviceKey(partnerID, deviceID)
	if err != nil {
		return "", err
	}
	return Seal(token, key)
}

// OpenToken returns token unchanged when it is not sealed, and opens it
// otherwise.
func OpenToken(token, partnerID, deviceID string) (string, error) {
	if !IsSealed(token) {
		return token, nil
	}
	key, err := DeviceKey(partnerID, deviceID)
	if err != nil {
		return "", err
	}
	return Open(token, key)
}
