// Package uuid provides unit tests for identifier generation and validation.
package uuid

import (
	"testing"
)

// TestNewOperationID verifies generated operation IDs are valid and unique.
func TestNewOperationID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := string(NewOperationID())
		if !IsValid(id) {
			t.Fatalf("NewOperationID() = %q, not a UUID v4", id)
		}
		if id != lower(id) {
			t.Fatalf("NewOperationID() = %q, want lowercase", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

// TestNewRequestID verifies request IDs differ per call.
func TestNewRequestID(t *testing.T) {
	a, b := NewRequestID(), NewRequestID()
	if a == b || !IsValid(a) || !IsValid(New()) {
		t.Errorf("request ids %q, %q", a, b)
	}
}

// TestIsValid tests accepted and rejected forms.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"zeros", "00000000-0000-4000-8000-000000000000", true},
		{"uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"empty", "", false},
		{"too short", "f47ac10b-58cc-4372-a567", false},
		{"too long", "f47ac10b-58cc-4372-a567-0e02b2c3d479-extra", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"v1", "f47ac10b-58cc-1372-a567-0e02b2c3d479", false},
		{"bad char", "g47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"order number", "O-1001", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.uuid); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
			}
			if err := Validate(tt.uuid); (err != nil) == tt.want {
				t.Errorf("Validate(%q) = %v", tt.uuid, err)
			}
		})
	}
}

// TestParseOperationID verifies operator input is normalized.
func TestParseOperationID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"canonical", "f47ac10b-58cc-4372-a567-0e02b2c3d479", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"uppercase with spaces", "  F47AC10B-58CC-4372-A567-0E02B2C3D479\n", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"garbage", "not-a-uuid", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOperationID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOperationID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("ParseOperationID(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

// BenchmarkNewOperationID benchmarks id generation.
func BenchmarkNewOperationID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		NewOperationID()
	}
}
