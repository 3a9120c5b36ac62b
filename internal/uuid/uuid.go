// Package uuid generates and checks the identifiers the sync engine puts on
// the wire: operation IDs and per-request correlation IDs.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/models"
)

// Canonical v4 form: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx with y in [89ab].
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewOperationID returns a fresh operation identifier.
func NewOperationID() models.UUID {
	return models.UUID(uuid.New().String())
}

// NewRequestID returns a correlation ID for one outbound HTTP request.
func NewRequestID() string {
	return uuid.New().String()
}

// IsValid checks if a string is a canonical UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a canonical UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// ParseOperationID accepts an operator-typed operation ID, trims it and
// lowercases it so it matches what the log stored.
func ParseOperationID(s string) (models.UUID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if err := Validate(s); err != nil {
		return "", err
	}
	return models.UUID(s), nil
}
