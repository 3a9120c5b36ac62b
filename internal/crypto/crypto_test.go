// Package crypto tests for credential sealing.
package crypto

import (
	"errors"
	"strings"
	"testing"
)

// TestSealOpen_roundtrip verifies a sealed value opens with the same key.
func TestSealOpen_roundtrip(t *testing.T) {
	key, err := DeviceKey("partner-1", "till-3")
	if err != nil {
		t.Fatalf("DeviceKey() error = %v", err)
	}

	sealed, err := Seal("secret-token", key)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !strings.HasPrefix(sealed, SealedPrefix) {
		t.Errorf("Seal() = %q, want %q prefix", sealed, SealedPrefix)
	}
	if strings.Contains(sealed, "secret-token") {
		t.Error("sealed value leaks plaintext")
	}

	got, err := Open(sealed, key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got != "secret-token" {
		t.Errorf("Open() = %q, want %q", got, "secret-token")
	}
}

// TestSeal_randomNonce verifies sealing twice yields different values.
func TestSeal_randomNonce(t *testing.T) {
	key := []byte("k")
	a, _ := Seal("same", key)
	b, _ := Seal("same", key)
	if a == b {
		t.Error("Seal() twice produced identical output")
	}
}

// TestOpen_wrongDevice verifies a token sealed for one device fails on another.
func TestOpen_wrongDevice(t *testing.T) {
	sealed, err := SealToken("secret-token", "partner-1", "till-3")
	if err != nil {
		t.Fatalf("SealToken() error = %v", err)
	}

	if _, err := OpenToken(sealed, "partner-1", "till-4"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("OpenToken() on another device error = %v, want ErrInvalidCiphertext", err)
	}

	got, err := OpenToken(sealed, "partner-1", "till-3")
	if err != nil || got != "secret-token" {
		t.Errorf("OpenToken() = %q, %v", got, err)
	}
}

// TestOpen_invalidInput verifies malformed sealed values are rejected.
func TestOpen_invalidInput(t *testing.T) {
	key := []byte("k")
	tests := []struct {
		name  string
		value string
		want  error
	}{
		{"not sealed", "plain", ErrNotSealed},
		{"bad base64", SealedPrefix + "!!!", ErrInvalidCiphertext},
		{"too short", SealedPrefix + "AAAA", ErrInvalidCiphertext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(tt.value, key); !errors.Is(err, tt.want) {
				t.Errorf("Open(%q) error = %v, want %v", tt.value, err, tt.want)
			}
		})
	}
}

// TestOpenToken_plain verifies plain tokens pass through untouched.
func TestOpenToken_plain(t *testing.T) {
	got, err := OpenToken("plain-token", "", "")
	if err != nil || got != "plain-token" {
		t.Errorf("OpenToken() = %q, %v", got, err)
	}
}

// TestDeviceKey_requiresIdentity verifies an incomplete identity is refused.
func TestDeviceKey_requiresIdentity(t *testing.T) {
	if _, err := DeviceKey("", "till-3"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("DeviceKey() error = %v", err)
	}
	if _, err := SealToken("t", "partner-1", ""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("SealToken() error = %v", err)
	}
	if _, err := SealToken("  ", "partner-1", "till-3"); err == nil {
		t.Error("SealToken() accepted an empty token")
	}
}
