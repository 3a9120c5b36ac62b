// Package conflict detects, records and resolves divergence between queued
// operations and server state.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/clock"
	apperrors "github.com/Zozz7777/Clutchplatform-sub014/internal/errors"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/logging"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/models"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/sync/transport"
)

// ResolutionStrategy defines how detected conflicts are resolved.
type ResolutionStrategy string

const (
	StrategyLocalWins  ResolutionStrategy = "local_wins"
	StrategyServerWins ResolutionStrategy = "server_wins"
	StrategyManual     ResolutionStrategy = "manual"
)

// ParseStrategy validates s as a ResolutionStrategy.
func ParseStrategy(s string) (ResolutionStrategy, error) {
	switch st := ResolutionStrategy(s); st {
	case StrategyLocalWins, StrategyServerWins, StrategyManual:
		return st, nil
	}
	return "", &ConflictError{Code: apperrors.ErrConfig, Message: fmt.Sprintf("unknown conflict strategy %q", s)}
}

// Pusher delivers an operation to the server.
type Pusher interface {
	Push(ctx context.Context, op *models.Operation, force bool) (*transport.PushResult, error)
}

// EntityApplier writes a server snapshot into the local store.
type EntityApplier interface {
	Apply(ctx context.Context, entityType models.EntityType, data json.RawMessage) (bool, error)
}

// OperationLog is the part of the operation log the resolver updates.
type OperationLog interface {
	Get(ctx context.Context, id models.UUID) (*models.Operation, error)
	MarkStatus(ctx context.Context, id models.UUID, status models.OperationStatus, lastErr string) error
}

// Outcome reports where an operation ended up after Resolve.
type Outcome string

const (
	// OutcomeCompleted means the operation is done.
	OutcomeCompleted Outcome = "completed"
	// OutcomeSuspended means the operation waits for manual resolution.
	OutcomeSuspended Outcome = "suspended"
)

// Resolver applies a resolution strategy to conflicts.
type Resolver struct {
	strategy ResolutionStrategy
	store    *Store
	log      OperationLog
	pusher   Pusher
	applier  EntityApplier
	clock    clock.Clock

	// manualMu serializes ResolveManually so concurrent callers cannot both
	// act on the same pending conflict.
	manualMu sync.Mutex
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy, store *Store, log OperationLog, pusher Pusher, applier EntityApplier, clk clock.Clock) *Resolver {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Resolver{
		strategy: strategy,
		store:    store,
		log:      log,
		pusher:   pusher,
		applier:  applier,
		clock:    clk,
	}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Resolve handles a conflict detected while flushing op. A transport error is
// returned unchanged so the caller can apply its retry policy.
func (r *Resolver) Resolve(ctx context.Context, op *models.Operation, c *models.Conflict) (Outcome, error) {
	if op == nil || c == nil {
		return "", ErrInvalidConflict
	}
	if op.OperationID != c.OperationID {
		return "", ErrOperationMismatch
	}

	logging.Info("Resolving conflict", map[string]interface{}{
		"operation_id":     op.OperationID,
		"entity_type":      op.EntityType,
		"entity_id":        op.EntityID,
		"local_timestamp":  c.LocalTimestamp,
		"server_timestamp": c.ServerTimestamp,
		"strategy":         r.strategy,
	})

	switch r.strategy {
	case StrategyLocalWins:
		if err := r.forcePush(ctx, op); err != nil {
			return "", err
		}
		return OutcomeCompleted, r.complete(ctx, op.OperationID, models.ResolutionLocalWins)
	case StrategyServerWins:
		if err := r.applyServer(ctx, c); err != nil {
			return "", err
		}
		return OutcomeCompleted, r.complete(ctx, op.OperationID, models.ResolutionServerWins)
	default:
		if err := r.store.Save(ctx, c); err != nil {
			return "", err
		}
		if err := r.log.MarkStatus(ctx, op.OperationID, models.StatusConflict, ""); err != nil {
			return "", err
		}
		return OutcomeSuspended, nil
	}
}

// ResolveManually settles a pending conflict. merged is required for the
// merged resolution and ignored otherwise. Calling it again after success
// returns the finalized record without side effects.
func (r *Resolver) ResolveManually(ctx context.Context, id models.UUID, resolution models.Resolution, merged json.RawMessage) (*models.Conflict, error) {
	r.manualMu.Lock()
	defer r.manualMu.Unlock()

	c, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsOpen() {
		logging.Debug("Conflict already resolved", map[string]interface{}{
			"operation_id": id,
			"resolution":   c.Resolution,
		})
		return c, nil
	}
	if !resolution.Final() {
		return nil, ErrInvalidResolution
	}

	op, err := r.log.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch resolution {
	case models.ResolutionLocalWins:
		err = r.forcePush(ctx, op)
	case models.ResolutionServerWins:
		err = r.applyServer(ctx, c)
	case models.ResolutionMerged:
		err = r.applyMerged(ctx, op, merged)
	}
	if err != nil {
		return nil, err
	}

	if err := r.complete(ctx, id, resolution); err != nil {
		return nil, err
	}

	logging.Info("Conflict resolved manually", map[string]interface{}{
		"operation_id": id,
		"entity_type":  c.EntityType,
		"entity_id":    c.EntityID,
		"resolution":   resolution,
	})
	return r.store.Get(ctx, id)
}

func (r *Resolver) forcePush(ctx context.Context, op *models.Operation) error {
	_, err := r.pusher.Push(ctx, op, true)
	return err
}

func (r *Resolver) applyServer(ctx context.Context, c *models.Conflict) error {
	if len(c.ServerData) == 0 || string(c.ServerData) == "null" {
		return ErrNoServerData
	}
	_, err := r.applier.Apply(ctx, c.EntityType, c.ServerData)
	return err
}

func (r *Resolver) applyMerged(ctx context.Context, op *models.Operation, merged json.RawMessage) error {
	if len(merged) == 0 {
		return ErrMergedDataRequired
	}
	p, err := models.ParsePayload(op.EntityType, models.OperationUpdate, merged)
	if err != nil {
		return err
	}
	if p.NaturalKey() != op.EntityID {
		return &ConflictError{
			Code:    apperrors.ErrConflictInvalid,
			Message: fmt.Sprintf("merged data is for %q, conflict is on %q", p.NaturalKey(), op.EntityID),
		}
	}

	pushed := op.Clone()
	pushed.Data = merged
	if op.OperationType == models.OperationDelete {
		pushed.OperationType = models.OperationUpdate
	}
	if err := r.forcePush(ctx, pushed); err != nil {
		return err
	}
	_, err = r.applier.Apply(ctx, op.EntityType, merged)
	return err
}

// complete marks the operation done and closes any recorded conflict for it.
func (r *Resolver) complete(ctx context.Context, id models.UUID, resolution models.Resolution) error {
	if err := r.log.MarkStatus(ctx, id, models.StatusCompleted, ""); err != nil {
		return err
	}
	if _, err := r.store.Finalize(ctx, id, resolution); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Errors
var (
	ErrNotFound           = &ConflictError{Code: apperrors.ErrConflictNotFound, Message: "conflict not found"}
	ErrInvalidConflict    = &ConflictError{Code: apperrors.ErrConflictInvalid, Message: "invalid conflict: operation and conflict must be non-nil"}
	ErrOperationMismatch  = &ConflictError{Code: apperrors.ErrConflictInvalid, Message: "conflict does not belong to operation"}
	ErrInvalidResolution  = &ConflictError{Code: apperrors.ErrConflictInvalid, Message: "resolution must be local_wins, server_wins or merged"}
	ErrMergedDataRequired = &ConflictError{Code: apperrors.ErrConflictInvalid, Message: "merged resolution requires data"}
	ErrNoServerData       = &ConflictError{Code: apperrors.ErrConflictInvalid, Message: "conflict has no server data to apply"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Code    apperrors.ErrorCode
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// Unwrap exposes the error code to apperrors.Is.
func (e *ConflictError) Unwrap() error {
	return apperrors.New(e.Code, e.Message)
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
