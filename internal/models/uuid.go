// Package models provides data model definitions for the POS sync engine.
package models

import (
	"database/sql/driver"
	"fmt"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	var s string
	switch v := value.(type) {
	case nil:
		*u = ""
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	if len(s) != 36 {
		return fmt.Errorf("invalid UUID length %d", len(s))
	}
	*u = UUID(s)
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}
