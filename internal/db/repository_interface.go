// Package db provides repository interfaces for the sync stores.
package db

import "context"

// StateStore persists small engine values such as the pull cursor.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
}

// Ensure *Repository implements the interfaces at compile time.
var _ StateStore = (*Repository)(nil)
