// Package sync provides the offline-first synchronization engine.
//
// The engine drains the operation log to the server in FIFO order, routes
// conflicts to the resolver and applies inbound server changes locally.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/clock"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/db"
	apperrors "github.com/Zozz7777/Clutchplatform-sub014/internal/errors"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/logging"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/models"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/sync/applier"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/sync/conflict"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/sync/oplog"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/sync/transport"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/telemetry"
)

var (
	// ErrSyncInProgress is returned when a flush is already running.
	ErrSyncInProgress = apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	// ErrStopped is returned after Stop.
	ErrStopped = apperrors.New(apperrors.ErrSyncStopped, "sync engine stopped")
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusOffline SyncStatus = "offline"
	SyncStatusStopped SyncStatus = "stopped"
)

// Deps are the components an Engine drives.
type Deps struct {
	Log       *oplog.Log
	Conflicts *conflict.Store
	Transport transport.Client
	// Realtime is optional; without it the engine relies on polling.
	Realtime EventSource
	Applier  *applier.Applier
	Clock    clock.Clock
	State    db.StateStore
	// Metrics is optional.
	Metrics *telemetry.Counters
}

// Options tune engine behaviour.
type Options struct {
	Strategy        conflict.ResolutionStrategy
	MaxRetries      int
	BaseDelay       time.Duration
	StrictDetection bool
	// InitialCursor seeds the pull cursor (unix ms) when none is stored.
	InitialCursor int64
}

// FlushResult counts what one flush did.
type FlushResult struct {
	Pushed    int `json:"pushed"`
	Resolved  int `json:"resolved"`
	Suspended int `json:"suspended"`
	Failed    int `json:"failed"`
	Held      int `json:"held"`
	Deferred  int `json:"deferred"`
}

// PullResult counts what one pull did.
type PullResult struct {
	Applied int   `json:"applied"`
	Skipped int   `json:"skipped"`
	Errors  int   `json:"errors"`
	Cursor  int64 `json:"cursor"`
}

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Flush     FlushResult   `json:"flush"`
	Pull      PullResult    `json:"pull"`
	Error     string        `json:"error,omitempty"`
}

// EngineStatus is a snapshot for operators.
type EngineStatus struct {
	Status          SyncStatus     `json:"status"`
	Online          bool           `json:"online"`
	Realtime        bool           `json:"realtime_connected"`
	LastSync        *time.Time     `json:"last_sync,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	Operations      map[string]int `json:"operations"`
	ActiveConflicts int            `json:"active_conflicts"`
	Cursor          int64          `json:"cursor"`
	Strategy        string         `json:"strategy"`
}

// Engine coordinates the sync components.
type Engine struct {
	log       *oplog.Log
	conflicts *conflict.Store
	client    transport.Client
	realtime  EventSource
	applier   *applier.Applier
	clock     clock.Clock
	state     db.StateStore
	metrics   *telemetry.Counters
	detector  *conflict.Detector
	resolver  *conflict.Resolver

	maxRetries    int
	baseDelay     time.Duration
	initialCursor int64

	isSyncing atomic.Bool
	online    atomic.Bool

	// opMu serializes work on a single operation between the flush loop and
	// inbound conflict notices.
	opMu sync.Mutex

	mu       sync.Mutex
	stopped  bool
	active   sync.WaitGroup
	lastSync *time.Time
	lastErr  error

	trigger  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates an Engine.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Log == nil || deps.Conflicts == nil || deps.Transport == nil || deps.Applier == nil || deps.State == nil {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "sync engine requires log, conflict store, transport, applier and state store")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if opts.Strategy == "" {
		opts.Strategy = conflict.StrategyManual
	}
	if _, err := conflict.ParseStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = deps.Log.MaxRetries()
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}

	e := &Engine{
		log:           deps.Log,
		conflicts:     deps.Conflicts,
		client:        deps.Transport,
		realtime:      deps.Realtime,
		applier:       deps.Applier,
		clock:         deps.Clock,
		state:         deps.State,
		metrics:       deps.Metrics,
		detector:      conflict.NewDetector(deps.Transport, opts.StrictDetection, deps.Clock),
		resolver:      conflict.NewResolver(opts.Strategy, deps.Conflicts, deps.Log, deps.Transport, deps.Applier, deps.Clock),
		maxRetries:    opts.MaxRetries,
		baseDelay:     opts.BaseDelay,
		initialCursor: opts.InitialCursor,
		trigger:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	e.online.Store(true)
	return e, nil
}

// =====================================================
// Outbound
// =====================================================

// Enqueue records a local mutation and, when online, schedules a flush.
func (e *Engine) Enqueue(ctx context.Context, op *models.Operation) (*models.Operation, error) {
	stored, err := e.log.Enqueue(ctx, op)
	if err != nil {
		return nil, err
	}
	e.metrics.Inc(telemetry.OpsEnqueued)
	if e.IsOnline() {
		e.kick()
	}
	return stored, nil
}

// kick requests an asynchronous flush from the Run loop. Repeated kicks
// collapse into one.
func (e *Engine) kick() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// begin registers an in-flight flush unless the engine is stopped.
func (e *Engine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	e.active.Add(1)
	return nil
}

// Flush delivers pending operations in FIFO order. Only one flush runs at a
// time; a concurrent call returns ErrSyncInProgress.
func (e *Engine) Flush(ctx context.Context) (*FlushResult, error) {
	if !e.isSyncing.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.isSyncing.Store(false)

	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.active.Done()

	start := time.Now()
	defer e.metrics.Since(telemetry.FlushDuration, start)

	result := &FlushResult{}
	pending, err := e.log.LoadPending(ctx)
	if err != nil {
		return result, err
	}
	if len(pending) == 0 {
		return result, nil
	}

	held, err := e.suspendedEntities(ctx)
	if err != nil {
		return result, err
	}

	logging.Debug("Flushing operation log", map[string]interface{}{"pending": len(pending)})

	for i, op := range pending {
		if e.isStopped() {
			result.Deferred += len(pending) - i
			break
		}
		if err := ctx.Err(); err != nil {
			result.Deferred += len(pending) - i
			return result, err
		}

		key := entityKey(op.EntityType, op.EntityID)
		if seq, ok := held[key]; ok && seq < op.Seq {
			result.Held++
			continue
		}

		out, err := e.deliver(ctx, op)
		switch out {
		case outcomePushed:
			result.Pushed++
		case outcomeResolved:
			result.Resolved++
		case outcomeSuspended:
			result.Suspended++
			if _, ok := held[key]; !ok {
				held[key] = op.Seq
			}
		case outcomeFailed:
			result.Failed++
		case outcomeSkipped:
			// A conflict notice may have suspended it since the snapshot.
			if cur, err := e.log.Get(ctx, op.OperationID); err == nil && cur.Status == models.StatusConflict {
				if _, ok := held[key]; !ok {
					held[key] = op.Seq
				}
			}
		case outcomeDeferred:
			result.Deferred += len(pending) - i
			e.recordError(err)
			return result, err
		}
	}

	e.recordError(nil)
	return result, nil
}

type outcome int

const (
	outcomePushed outcome = iota
	outcomeResolved
	outcomeSuspended
	outcomeFailed
	outcomeSkipped
	// outcomeDeferred stops the flush: offline, cancelled or stopped.
	outcomeDeferred
)

// suspendedEntities maps each entity with an operation in conflict status to
// the lowest such seq. Later operations on that entity are held back.
func (e *Engine) suspendedEntities(ctx context.Context) (map[string]int64, error) {
	ops, err := e.log.ListByStatus(ctx, models.StatusConflict, 0)
	if err != nil {
		return nil, err
	}
	held := make(map[string]int64, len(ops))
	for _, op := range ops {
		key := entityKey(op.EntityType, op.EntityID)
		if seq, ok := held[key]; !ok || op.Seq < seq {
			held[key] = op.Seq
		}
	}
	return held, nil
}

func entityKey(t models.EntityType, id string) string {
	return string(t) + "/" + id
}

// deliver runs one operation to completion: it retries transient failures on
// the same operation with linear backoff until it succeeds, fails terminally
// or the engine goes offline.
func (e *Engine) deliver(ctx context.Context, op *models.Operation) (outcome, error) {
	for {
		out, err, attempted := e.attemptLocked(ctx, op.OperationID)
		if !attempted || err == nil {
			return out, nil
		}

		// Status updates must land even if ctx was cancelled mid-call.
		bg := context.WithoutCancel(ctx)

		if transport.IsConnectivity(err) || ctx.Err() != nil {
			if markErr := e.log.MarkStatus(bg, op.OperationID, models.StatusPending, err.Error()); markErr != nil {
				logging.Error("Failed to revert operation to pending", markErr, map[string]interface{}{"operation_id": op.OperationID})
			}
			if transport.IsConnectivity(err) {
				e.setOnline(false)
			}
			e.metrics.Inc(telemetry.OpsDeferred)
			return outcomeDeferred, err
		}

		retries, incErr := e.log.IncrementRetry(bg, op.OperationID, err.Error())
		if incErr != nil {
			return outcomeDeferred, incErr
		}
		if retries >= e.maxRetries {
			if markErr := e.log.MarkStatus(bg, op.OperationID, models.StatusFailed, err.Error()); markErr != nil {
				return outcomeDeferred, markErr
			}
			e.metrics.Inc(telemetry.OpsFailed)
			logging.ErrorWithCode("Operation failed permanently", string(apperrors.CodeOf(err)), err, map[string]interface{}{
				"operation_id": op.OperationID,
				"entity_type":  op.EntityType,
				"entity_id":    op.EntityID,
				"retry_count":  retries,
			})
			return outcomeFailed, nil
		}

		if markErr := e.log.MarkStatus(bg, op.OperationID, models.StatusPending, err.Error()); markErr != nil {
			return outcomeDeferred, markErr
		}
		e.metrics.Inc(telemetry.OpsRetried)

		delay := e.baseDelay * time.Duration(retries)
		logging.Warn("Operation push failed, retrying", map[string]interface{}{
			"operation_id": op.OperationID,
			"retry_count":  retries,
			"delay_ms":     delay.Milliseconds(),
			"error":        err.Error(),
		})
		if err := e.wait(ctx, delay); err != nil {
			return outcomeDeferred, err
		}
		if e.isStopped() {
			return outcomeDeferred, ErrStopped
		}
	}
}

// attemptLocked makes one delivery attempt under opMu. attempted is false
// when the operation was no longer deliverable.
func (e *Engine) attemptLocked(ctx context.Context, id models.UUID) (outcome, error, bool) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	op, err := e.log.Get(ctx, id)
	if err != nil {
		return outcomeSkipped, nil, false
	}
	if op.Status != models.StatusPending && op.Status != models.StatusFailed {
		return outcomeSkipped, nil, false
	}

	if err := e.log.MarkStatus(ctx, id, models.StatusProcessing, op.LastError); err != nil {
		return outcomeDeferred, err, true
	}

	out, err := e.attempt(ctx, op)
	return out, err, true
}

func (e *Engine) attempt(ctx context.Context, op *models.Operation) (outcome, error) {
	// A payload that no longer parses fails the same way on every attempt.
	if _, err := models.ParsePayload(op.EntityType, op.OperationType, op.Data); err != nil {
		if markErr := e.log.MarkStatus(context.WithoutCancel(ctx), op.OperationID, models.StatusFailed, err.Error()); markErr != nil {
			return outcomeFailed, markErr
		}
		e.metrics.Inc(telemetry.OpsFailed)
		logging.ErrorWithCode("Operation payload invalid", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"operation_id": op.OperationID,
			"entity_type":  op.EntityType,
		})
		return outcomeFailed, nil
	}

	c, err := e.detector.Detect(ctx, op)
	if err != nil {
		return outcomeFailed, err
	}

	if c != nil {
		e.metrics.Inc(telemetry.ConflictsDetected)
		res, err := e.resolver.Resolve(ctx, op, c)
		if err != nil {
			return outcomeFailed, err
		}
		e.setOnline(true)
		if res == conflict.OutcomeSuspended {
			return outcomeSuspended, nil
		}
		e.metrics.Inc(telemetry.ConflictsResolved)
		return outcomeResolved, nil
	}

	if _, err := e.client.Push(ctx, op, false); err != nil {
		return outcomeFailed, err
	}
	e.setOnline(true)

	if err := e.log.MarkStatus(context.WithoutCancel(ctx), op.OperationID, models.StatusCompleted, ""); err != nil {
		return outcomeFailed, err
	}
	e.metrics.Inc(telemetry.OpsPushed)
	logging.Debug("Operation pushed", map[string]interface{}{
		"operation_id": op.OperationID,
		"entity_type":  op.EntityType,
		"entity_id":    op.EntityID,
	})
	return outcomePushed, nil
}

// wait sleeps for d unless ctx ends or the engine stops.
func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.done:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	return e.clock.Sleep(waitCtx, d)
}

// =====================================================
// Inbound
// =====================================================

// Pull applies server changes made since the stored cursor and advances it.
func (e *Engine) Pull(ctx context.Context) (*PullResult, error) {
	if e.isStopped() {
		return nil, ErrStopped
	}
	start := time.Now()
	defer e.metrics.Since(telemetry.PullDuration, start)

	cursor, err := e.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	result := &PullResult{Cursor: cursor}

	res, err := e.client.Pull(ctx, time.UnixMilli(cursor))
	if err != nil {
		if transport.IsConnectivity(err) {
			e.setOnline(false)
		}
		return result, err
	}
	e.setOnline(true)

	for _, ch := range res.Changes {
		applied, err := e.applyChange(ctx, ch.EntityType, ch.EntityID, ch.OperationType, ch.Data)
		switch {
		case err != nil:
			result.Errors++
			logging.Error("Failed to apply server change", err, map[string]interface{}{
				"entity_type": ch.EntityType,
				"entity_id":   ch.EntityID,
			})
		case applied:
			result.Applied++
		default:
			result.Skipped++
		}
	}

	if res.ServerTime > cursor {
		if err := e.state.SetState(ctx, db.KeyLastSyncTimestamp, strconv.FormatInt(res.ServerTime, 10)); err != nil {
			return result, err
		}
		result.Cursor = res.ServerTime
	}

	logging.Info("Pulled server changes", map[string]interface{}{
		"applied": result.Applied,
		"skipped": result.Skipped,
		"errors":  result.Errors,
		"cursor":  result.Cursor,
	})
	return result, nil
}

// Cursor returns the pull cursor in unix milliseconds.
func (e *Engine) Cursor(ctx context.Context) (int64, error) {
	v, err := e.state.GetState(ctx, db.KeyLastSyncTimestamp)
	if errors.Is(err, db.ErrStateNotFound) {
		return e.initialCursor, nil
	}
	if err != nil {
		return 0, err
	}
	cursor, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("corrupt pull cursor %q", v), err)
	}
	return cursor, nil
}

func (e *Engine) applyChange(ctx context.Context, entityType models.EntityType, entityID string, opType models.OperationType, data json.RawMessage) (bool, error) {
	if opType == models.OperationDelete {
		key := entityID
		if key == "" {
			p, err := models.DecodePayload(entityType, data)
			if err != nil {
				return false, err
			}
			key = p.NaturalKey()
		}
		if err := e.applier.Delete(ctx, entityType, key); err != nil {
			return false, err
		}
		e.metrics.Inc(telemetry.ChangesApplied)
		return true, nil
	}

	applied, err := e.applier.Apply(ctx, entityType, data)
	if err != nil {
		return false, err
	}
	if applied {
		e.metrics.Inc(telemetry.ChangesApplied)
	} else {
		e.metrics.Inc(telemetry.ChangesSkipped)
	}
	return applied, nil
}

// Sync flushes the operation log and then pulls server changes. The pull is
// skipped when the flush found the server unreachable.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{StartTime: e.clock.Now()}
	finish := func(err error) (*SyncResult, error) {
		result.EndTime = e.clock.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		if err != nil {
			result.Error = err.Error()
		}
		return result, err
	}

	flush, err := e.Flush(ctx)
	if flush != nil {
		result.Flush = *flush
	}
	if err != nil {
		return finish(err)
	}

	pull, err := e.Pull(ctx)
	if pull != nil {
		result.Pull = *pull
	}
	if err != nil {
		e.recordError(err)
		return finish(err)
	}

	now := e.clock.Now()
	e.mu.Lock()
	e.lastSync = &now
	e.mu.Unlock()
	return finish(nil)
}

// Run starts the real-time channel and processes its events and flush
// requests until ctx ends or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	if e.isStopped() {
		return ErrStopped
	}

	var events <-chan transport.Event
	if e.realtime != nil {
		e.realtime.Start(ctx)
		events = e.realtime.Events()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.flushLoop(ctx)
	}()
	defer wg.Wait()

	// Deliver whatever survived the last run.
	e.kick()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) flushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-e.trigger:
			res, err := e.Flush(ctx)
			switch {
			case errors.Is(err, ErrSyncInProgress), errors.Is(err, ErrStopped):
			case err != nil:
				logging.Warn("Triggered flush stopped early", map[string]interface{}{"error": err.Error()})
			case res != nil && (res.Pushed+res.Resolved+res.Failed+res.Suspended) > 0:
				logging.Info("Triggered flush completed", map[string]interface{}{
					"pushed":    res.Pushed,
					"resolved":  res.Resolved,
					"suspended": res.Suspended,
					"failed":    res.Failed,
					"held":      res.Held,
				})
			}
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev transport.Event) {
	e.metrics.Inc(telemetry.RealtimeEvents)

	switch ev.Kind {
	case transport.EventConnected:
		if !e.setOnline(true) {
			e.kick()
		}
	case transport.EventDisconnected, transport.EventConnectError:
		e.setOnline(false)
	case transport.EventNewOrder, transport.EventPaymentUpdate, transport.EventEntityChange:
		if _, err := e.applyChange(ctx, ev.EntityType, ev.EntityID, ev.OperationType, ev.Data); err != nil {
			logging.Error("Failed to apply realtime change", err, map[string]interface{}{
				"event":       ev.Kind,
				"entity_type": ev.EntityType,
				"entity_id":   ev.EntityID,
			})
		}
	case transport.EventSyncConflict:
		if err := e.handleConflictNotice(ctx, ev.Conflict); err != nil {
			logging.Error("Failed to handle conflict notice", err, nil)
		}
	}
}

// handleConflictNotice routes a server-initiated conflict through the
// configured strategy.
func (e *Engine) handleConflictNotice(ctx context.Context, n *transport.ConflictNotice) error {
	if n == nil {
		return nil
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	op, err := e.log.Get(ctx, n.OperationID)
	if errors.Is(err, oplog.ErrNotFound) {
		logging.Warn("Conflict notice for unknown operation", map[string]interface{}{"operation_id": n.OperationID})
		return nil
	}
	if err != nil {
		return err
	}
	switch op.Status {
	case models.StatusProcessing:
		logging.Warn("Conflict notice for operation in flight, skipping", map[string]interface{}{"operation_id": n.OperationID})
		return nil
	case models.StatusCompleted, models.StatusFailed:
		logging.Warn("Conflict notice for settled operation, skipping", map[string]interface{}{
			"operation_id": n.OperationID,
			"status":       op.Status,
		})
		return nil
	}

	c := &models.Conflict{
		OperationID:     op.OperationID,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		LocalData:       op.Data,
		ServerData:      n.ServerData,
		LocalTimestamp:  conflict.LocalTimestamp(op),
		ServerTimestamp: n.ServerTimestamp,
		Resolution:      models.ResolutionPending,
		CreatedAt:       e.clock.Now().UnixMilli(),
	}
	e.metrics.Inc(telemetry.ConflictsDetected)

	res, err := e.resolver.Resolve(ctx, op, c)
	if err != nil {
		return err
	}
	if res == conflict.OutcomeCompleted {
		e.metrics.Inc(telemetry.ConflictsResolved)
	}
	return nil
}

// =====================================================
// Operator actions
// =====================================================

// ResolveManually settles a pending conflict and schedules a flush so
// operations held behind it can proceed.
func (e *Engine) ResolveManually(ctx context.Context, id models.UUID, resolution models.Resolution, merged json.RawMessage) (*models.Conflict, error) {
	e.opMu.Lock()
	c, err := e.resolver.ResolveManually(ctx, id, resolution, merged)
	e.opMu.Unlock()
	if err != nil {
		if transport.IsConnectivity(err) {
			e.setOnline(false)
		}
		return nil, err
	}
	e.metrics.Inc(telemetry.ConflictsResolved)
	e.kick()
	return c, nil
}

// Retry resets a failed operation and schedules a flush.
func (e *Engine) Retry(ctx context.Context, id models.UUID) error {
	if err := e.log.Retry(ctx, id); err != nil {
		return err
	}
	e.kick()
	return nil
}

// RetryAllFailed resets every failed operation and schedules a flush.
func (e *Engine) RetryAllFailed(ctx context.Context) (int, error) {
	n, err := e.log.RetryAllFailed(ctx)
	if n > 0 {
		e.kick()
	}
	return n, err
}

// Operations lists logged operations, optionally filtered by status.
func (e *Engine) Operations(ctx context.Context, status models.OperationStatus, limit int) ([]*models.Operation, error) {
	return e.log.ListByStatus(ctx, status, limit)
}

// Operation returns one logged operation.
func (e *Engine) Operation(ctx context.Context, id models.UUID) (*models.Operation, error) {
	return e.log.Get(ctx, id)
}

// Conflicts returns the conflicts awaiting manual resolution, oldest first.
func (e *Engine) Conflicts() []*models.Conflict {
	return e.conflicts.ListActive()
}

// Conflict returns a conflict record, resolved or not.
func (e *Engine) Conflict(ctx context.Context, id models.UUID) (*models.Conflict, error) {
	return e.conflicts.Get(ctx, id)
}

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() telemetry.Snapshot {
	return e.metrics.Snapshot()
}

// TriggerFlush requests an asynchronous flush.
func (e *Engine) TriggerFlush() {
	e.kick()
}

// =====================================================
// State
// =====================================================

// setOnline records connectivity and returns the previous value.
func (e *Engine) setOnline(online bool) bool {
	was := e.online.Swap(online)
	if was != online {
		if !online {
			e.metrics.Inc(telemetry.ConnectivityLosses)
		}
		logging.Info("Online status changed", map[string]interface{}{
			"was_online": was,
			"is_online":  online,
		})
	}
	return was
}

// IsOnline reports the engine's current view of connectivity.
func (e *Engine) IsOnline() bool {
	return e.online.Load()
}

// IsSyncing reports whether a flush is running.
func (e *Engine) IsSyncing() bool {
	return e.isSyncing.Load()
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

// LastError returns the error that ended the last flush or pull, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// LastSync returns the end time of the last complete sync.
func (e *Engine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// Status returns a snapshot for operators.
func (e *Engine) Status(ctx context.Context) (*EngineStatus, error) {
	stats, err := e.log.Stats(ctx)
	if err != nil {
		return nil, err
	}
	cursor, err := e.Cursor(ctx)
	if err != nil {
		return nil, err
	}

	st := &EngineStatus{
		Online:          e.IsOnline(),
		LastSync:        e.LastSync(),
		Operations:      stats,
		ActiveConflicts: len(e.conflicts.ListActive()),
		Cursor:          cursor,
		Strategy:        string(e.resolver.Strategy()),
	}
	if e.realtime != nil {
		st.Realtime = e.realtime.Connected()
	}
	if err := e.LastError(); err != nil {
		st.LastError = err.Error()
	}
	switch {
	case e.isStopped():
		st.Status = SyncStatusStopped
	case e.IsSyncing():
		st.Status = SyncStatusSyncing
	case !st.Online:
		st.Status = SyncStatusOffline
	default:
		st.Status = SyncStatusIdle
	}
	return st, nil
}

// Stop closes the real-time channel and waits for an in-flight flush to
// finish its current call. No new flush starts afterwards.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()
		close(e.done)

		if e.realtime != nil {
			if err := e.realtime.Close(); err != nil {
				logging.Warn("Failed to close realtime channel", map[string]interface{}{"error": err.Error()})
			}
		}
		e.active.Wait()
		logging.Info("Sync engine stopped", nil)
	})
}
