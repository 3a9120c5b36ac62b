package conflict

import (
	"context"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/clock"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/logging"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/models"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/sync/transport"
)

// Checker asks the server about an entity's current version.
type Checker interface {
	CheckConflict(ctx context.Context, req transport.CheckConflictRequest) (*transport.ConflictInfo, error)
}

// Detector decides whether an operation conflicts with server state.
//
// The server reports a conflict when its copy is newer than the local
// snapshot. A failed check counts as "no conflict" unless strict is set, in
// which case the error is returned and the operation is not pushed.
type Detector struct {
	checker Checker
	strict  bool
	clock   clock.Clock
}

// NewDetector creates a Detector.
func NewDetector(checker Checker, strict bool, clk clock.Clock) *Detector {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Detector{checker: checker, strict: strict, clock: clk}
}

// Detect returns the conflict for op, or nil when there is none. The returned
// conflict is not persisted.
func (d *Detector) Detect(ctx context.Context, op *models.Operation) (*models.Conflict, error) {
	localTS := LocalTimestamp(op)

	info, err := d.checker.CheckConflict(ctx, transport.CheckConflictRequest{
		OperationID:   op.OperationID,
		EntityType:    op.EntityType,
		EntityID:      op.EntityID,
		OperationType: op.OperationType,
		Timestamp:     localTS,
	})
	if err != nil {
		if d.strict {
			return nil, err
		}
		logging.Warn("Conflict check failed, assuming no conflict", map[string]interface{}{
			"operation_id": op.OperationID,
			"entity_type":  op.EntityType,
			"entity_id":    op.EntityID,
			"error":        err.Error(),
		})
		return nil, nil
	}
	if info == nil {
		return nil, nil
	}

	c := &models.Conflict{
		OperationID:     op.OperationID,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		LocalData:       op.Data,
		ServerData:      info.ServerData,
		LocalTimestamp:  localTS,
		ServerTimestamp: info.ServerTimestamp,
		Resolution:      models.ResolutionPending,
		CreatedAt:       d.clock.Now().UnixMilli(),
	}

	logging.Warn("Concurrent edit conflict detected", map[string]interface{}{
		"operation_id":     op.OperationID,
		"entity_type":      op.EntityType,
		"entity_id":        op.EntityID,
		"local_timestamp":  c.LocalTimestamp,
		"server_timestamp": c.ServerTimestamp,
	})
	return c, nil
}

// LocalTimestamp is the payload's own updated_at, else created_at, else the
// operation's enqueue time, in unix milliseconds.
func LocalTimestamp(op *models.Operation) int64 {
	if p, err := models.DecodePayload(op.EntityType, op.Data); err == nil {
		if ts := p.Timestamp(); !ts.IsZero() {
			return ts.UnixMilli()
		}
	}
	return op.Timestamp
}
