// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/sync/transport"
)

// SyncEngineInterface is what the scheduler needs from the engine.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync flushes the operation log and then pulls server changes.
	Sync(ctx context.Context) (*SyncResult, error)

	// IsOnline reports the engine's current view of connectivity.
	IsOnline() bool
}

// EventSource is the real-time half of the transport.
type EventSource interface {
	Start(ctx context.Context)
	Events() <-chan transport.Event
	Connected() bool
	Close() error
}

var (
	_ SyncEngineInterface = (*Engine)(nil)
	_ EventSource         = (*transport.Realtime)(nil)
)
