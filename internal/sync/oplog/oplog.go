// Package oplog provides the durable outbound operation log.
//
// SQLite is the source of truth. Non-completed operations are mirrored in an
// in-memory cache that is rebuilt from storage by Recover, and every write
// commits to storage before the cache is touched.
package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/clock"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/db"
	apperrors "github.com/Zozz7777/Clutchplatform-sub014/internal/errors"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/logging"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/models"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/uuid"
)

// ErrNotFound is returned when an operation id is unknown.
var ErrNotFound = apperrors.New(apperrors.ErrNotFound, "operation not found")

// ErrInvalidTransition is returned when a status change would reopen a
// completed operation or move a failed one outside of Retry.
var ErrInvalidTransition = apperrors.New(apperrors.ErrInvalid, "invalid status transition")

const selectColumns = `SELECT seq, operation_id, entity_type, entity_id, operation_type, data,
	status, timestamp, retry_count, last_error, created_at, updated_at FROM sync_operations`

// Log is the persistent FIFO of local mutations.
type Log struct {
	repo       *db.Repository
	clock      clock.Clock
	maxRetries int

	mu    sync.RWMutex
	items map[models.UUID]*models.Operation
}

// New creates a Log. Call Recover before use to load persisted state.
func New(repo *db.Repository, clk clock.Clock, maxRetries int) *Log {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Log{
		repo:       repo,
		clock:      clk,
		maxRetries: maxRetries,
		items:      make(map[models.UUID]*models.Operation),
	}
}

// MaxRetries returns the retry ceiling after which an operation is failed.
func (l *Log) MaxRetries() int {
	return l.maxRetries
}

// Enqueue validates op, persists it as pending and returns the stored copy.
// The call returns only after the insert has committed.
func (l *Log) Enqueue(ctx context.Context, op *models.Operation) (*models.Operation, error) {
	if op == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "nil operation")
	}
	if !op.OperationType.Valid() {
		return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown operation type %q", op.OperationType))
	}

	payload, err := models.ParsePayload(op.EntityType, op.OperationType, op.Data)
	if err != nil {
		return nil, err
	}
	if op.EntityID == "" {
		op.EntityID = payload.NaturalKey()
	} else if op.EntityID != payload.NaturalKey() {
		return nil, apperrors.New(apperrors.ErrValidation,
			fmt.Sprintf("entity id %q does not match payload key %q", op.EntityID, payload.NaturalKey()))
	}

	if op.OperationID == "" {
		op.OperationID = uuid.NewOperationID()
	} else {
		id, err := uuid.ParseOperationID(string(op.OperationID))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid operation id", err)
		}
		op.OperationID = id
	}

	now := l.clock.Now().UnixMilli()
	if op.Timestamp == 0 {
		op.Timestamp = now
	}
	op.Status = models.StatusPending
	op.RetryCount = 0
	op.LastError = ""
	op.CreatedAt = now
	op.UpdatedAt = now

	res, err := l.repo.Exec(ctx, `INSERT INTO sync_operations
		(operation_id, entity_type, entity_id, operation_type, data, status, timestamp, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
		op.OperationID, op.EntityType, op.EntityID, op.OperationType, string(op.Data),
		op.Status, op.Timestamp, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, apperrors.Wrap(apperrors.ErrDuplicate, "operation already enqueued", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to persist operation", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		op.Seq = seq
	}

	stored := op.Clone()
	l.mu.Lock()
	l.items[stored.OperationID] = stored
	l.mu.Unlock()

	logging.Info("Enqueued operation", map[string]interface{}{
		"operation_id":   op.OperationID,
		"entity_type":    op.EntityType,
		"entity_id":      op.EntityID,
		"operation_type": op.OperationType,
	})

	return stored.Clone(), nil
}

// LoadPending returns operations ready for delivery in FIFO order: every
// pending operation plus failed ones that still have retries left.
func (l *Log) LoadPending(ctx context.Context) ([]*models.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	pending := make([]*models.Operation, 0, len(l.items))
	for _, op := range l.items {
		if l.deliverable(op) {
			pending = append(pending, op.Clone())
		}
	}
	l.mu.RUnlock()

	sortFIFO(pending)
	return pending, nil
}

func (l *Log) deliverable(op *models.Operation) bool {
	switch op.Status {
	case models.StatusPending:
		return true
	case models.StatusFailed:
		return op.RetryCount < l.maxRetries
	}
	return false
}

func sortFIFO(ops []*models.Operation) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].CreatedAt != ops[j].CreatedAt {
			return ops[i].CreatedAt < ops[j].CreatedAt
		}
		return ops[i].Seq < ops[j].Seq
	})
}

// MarkStatus moves an operation to status. lastErr replaces the stored error
// text; pass "" to clear it.
func (l *Log) MarkStatus(ctx context.Context, id models.UUID, status models.OperationStatus, lastErr string) error {
	if !status.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown status %q", status))
	}

	now := l.clock.Now().UnixMilli()
	err := l.repo.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			current models.OperationStatus
			retries int
		)
		err := tx.QueryRowContext(ctx,
			`SELECT status, retry_count FROM sync_operations WHERE operation_id = ?`, id).Scan(&current, &retries)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to load operation status", err)
		}
		if !l.canTransition(current, status, retries) {
			return fmt.Errorf("%w: %s is %s, cannot move to %s", ErrInvalidTransition, id, current, status)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_operations SET status = ?, last_error = ?, updated_at = ? WHERE operation_id = ?`,
			status, lastErr, now, id); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to update operation status", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	op, ok := l.items[id]
	switch {
	case status == models.StatusCompleted:
		delete(l.items, id)
	case ok:
		op.Status = status
		op.LastError = lastErr
		op.UpdatedAt = now
	}
	l.mu.Unlock()

	if !ok && status != models.StatusCompleted {
		// Reopened outside the cache, e.g. by an operator.
		fresh, err := l.fetch(ctx, id)
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.items[id] = fresh
		l.mu.Unlock()
	}
	return nil
}

// canTransition reports whether an operation may move from one status to
// another. Completed operations are final. Failed operations only leave that
// state through Retry, or to processing while they still have retries left.
func (l *Log) canTransition(from, to models.OperationStatus, retries int) bool {
	if from == to {
		return true
	}
	switch from {
	case models.StatusCompleted:
		return false
	case models.StatusFailed:
		return to == models.StatusProcessing && retries < l.maxRetries
	}
	return true
}

// IncrementRetry bumps retry_count, records lastErr and returns the new count.
// Status is left unchanged; the caller decides between pending and failed.
func (l *Log) IncrementRetry(ctx context.Context, id models.UUID, lastErr string) (int, error) {
	now := l.clock.Now().UnixMilli()

	var count int
	err := l.repo.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sync_operations SET retry_count = retry_count + 1, last_error = ?, updated_at = ? WHERE operation_id = ?`,
			lastErr, now, id)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to increment retry count", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return tx.QueryRowContext(ctx, `SELECT retry_count FROM sync_operations WHERE operation_id = ?`, id).Scan(&count)
	})
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	if op, ok := l.items[id]; ok {
		op.RetryCount = count
		op.LastError = lastErr
		op.UpdatedAt = now
	}
	l.mu.Unlock()

	return count, nil
}

// Get returns one operation, from cache when active, else from storage.
func (l *Log) Get(ctx context.Context, id models.UUID) (*models.Operation, error) {
	l.mu.RLock()
	op, ok := l.items[id]
	l.mu.RUnlock()
	if ok {
		return op.Clone(), nil
	}
	return l.fetch(ctx, id)
}

func (l *Log) fetch(ctx context.Context, id models.UUID) (*models.Operation, error) {
	row := l.repo.QueryRow(ctx, selectColumns+` WHERE operation_id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load operation", err)
	}
	return op, nil
}

// ListByStatus returns operations with status in FIFO order. An empty status
// lists everything. limit <= 0 means no limit.
func (l *Log) ListByStatus(ctx context.Context, status models.OperationStatus, limit int) ([]*models.Operation, error) {
	query := selectColumns
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.repo.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list operations", err)
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan operation", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Stats returns operation counts per status, plus "total".
func (l *Log) Stats(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{
		"total":                          0,
		string(models.StatusPending):    0,
		string(models.StatusProcessing): 0,
		string(models.StatusCompleted):  0,
		string(models.StatusFailed):     0,
		string(models.StatusConflict):   0,
	}

	rows, err := l.repo.Query(ctx, `SELECT status, COUNT(*) FROM sync_operations GROUP BY status`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to count operations", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan counts", err)
		}
		stats[status] = n
		stats["total"] += n
	}
	return stats, rows.Err()
}

// Recover resets operations left in processing by an interrupted flush back to
// pending and rebuilds the cache from storage. It returns how many were reset.
func (l *Log) Recover(ctx context.Context) (int, error) {
	now := l.clock.Now().UnixMilli()
	res, err := l.repo.Exec(ctx,
		`UPDATE sync_operations SET status = 'pending', updated_at = ? WHERE status = 'processing'`, now)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to reset interrupted operations", err)
	}
	reset, _ := res.RowsAffected()

	if err := l.rebuild(ctx); err != nil {
		return 0, err
	}

	if reset > 0 {
		logging.Warn("Reset interrupted operations to pending", map[string]interface{}{"count": reset})
	}
	return int(reset), nil
}

func (l *Log) rebuild(ctx context.Context) error {
	rows, err := l.repo.Query(ctx, selectColumns+` WHERE status != 'completed'`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load operations", err)
	}
	defer rows.Close()

	items := make(map[models.UUID]*models.Operation)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to scan operation", err)
		}
		items[op.OperationID] = op
	}
	if err := rows.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.items = items
	l.mu.Unlock()
	return nil
}

// Retry resets a failed operation to pending with a fresh retry budget.
func (l *Log) Retry(ctx context.Context, id models.UUID) error {
	op, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != models.StatusFailed {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("operation %s is %s, only failed operations can be retried", id, op.Status))
	}

	now := l.clock.Now().UnixMilli()
	_, err = l.repo.Exec(ctx, `UPDATE sync_operations SET status = 'pending', retry_count = 0, last_error = '', updated_at = ?
		WHERE operation_id = ? AND status = 'failed'`, now, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to reset operation", err)
	}

	l.mu.Lock()
	if cached, ok := l.items[id]; ok {
		cached.Status = models.StatusPending
		cached.RetryCount = 0
		cached.LastError = ""
		cached.UpdatedAt = now
	}
	l.mu.Unlock()

	logging.Info("Operation reset for retry", map[string]interface{}{"operation_id": id})
	return nil
}

// RetryAllFailed resets every failed operation and returns how many changed.
func (l *Log) RetryAllFailed(ctx context.Context) (int, error) {
	failed, err := l.ListByStatus(ctx, models.StatusFailed, 0)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, op := range failed {
		if err := l.Retry(ctx, op.OperationID); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		logging.Info("Reset failed operations for retry", map[string]interface{}{"count": count})
	}
	return count, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(s scanner) (*models.Operation, error) {
	var (
		op   models.Operation
		data string
	)
	err := s.Scan(&op.Seq, &op.OperationID, &op.EntityType, &op.EntityID, &op.OperationType, &data,
		&op.Status, &op.Timestamp, &op.RetryCount, &op.LastError, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	op.Data = json.RawMessage(data)
	return &op, nil
}
