// Package transport carries operations to the POS server and server events
// back to the device.
//
// Request/response calls go over HTTP and never retry on their own; the
// engine owns retry policy. Failures are reported as *RequestError so callers
// can tell an unreachable server from a rejected request.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/Zozz7777/Clutchplatform-sub014/internal/errors"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/models"
)

// Client is the request/response half of the transport.
type Client interface {
	CheckConflict(ctx context.Context, req CheckConflictRequest) (*ConflictInfo, error)
	Push(ctx context.Context, op *models.Operation, force bool) (*PushResult, error)
	Pull(ctx context.Context, since time.Time) (*PullResult, error)
}

// CheckConflictRequest asks whether the server holds a newer version of an entity.
type CheckConflictRequest struct {
	OperationID   models.UUID          `json:"operation_id"`
	EntityType    models.EntityType    `json:"entity_type"`
	EntityID      string               `json:"entity_id"`
	OperationType models.OperationType `json:"operation_type"`
	// Timestamp is the local snapshot's last-write time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// ConflictInfo is the server's side of a detected conflict.
type ConflictInfo struct {
	ServerData      json.RawMessage `json:"server_data"`
	ServerTimestamp int64           `json:"server_timestamp"`
}

// PushResult acknowledges an accepted operation.
type PushResult struct {
	OperationID     models.UUID `json:"operation_id"`
	ServerTimestamp int64       `json:"server_timestamp"`
}

// Change is one server-side entity change returned by Pull.
type Change struct {
	EntityType    models.EntityType    `json:"entity_type"`
	EntityID      string               `json:"entity_id"`
	OperationType models.OperationType `json:"operation_type"`
	Data          json.RawMessage      `json:"data"`
	Timestamp     int64                `json:"timestamp"`
}

// PullResult lists changes since a cursor. ServerTime is the next cursor.
type PullResult struct {
	Changes    []Change `json:"changes"`
	ServerTime int64    `json:"server_time"`
}

// ErrorKind classifies a failed request.
type ErrorKind string

const (
	// KindConnectivity means the server could not be reached.
	KindConnectivity ErrorKind = "connectivity"
	// KindRejected means the server answered and refused the request.
	KindRejected ErrorKind = "rejected"
)

// RequestError describes a failed transport call.
type RequestError struct {
	Kind       ErrorKind
	Path       string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.Kind == KindConnectivity:
		return fmt.Sprintf("%s: server unreachable: %v", e.Path, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s: http %d %s: %s", e.Path, e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("%s: http %d: %s", e.Path, e.StatusCode, e.Message)
	}
}

// Unwrap exposes both the underlying cause and the matching application code,
// so apperrors.Is(err, apperrors.ErrSyncOffline) works on transport errors.
func (e *RequestError) Unwrap() []error {
	errs := []error{apperrors.New(e.AppCode(), e.Message)}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// AppCode maps the failure onto the application error taxonomy.
func (e *RequestError) AppCode() apperrors.ErrorCode {
	if e.Kind == KindConnectivity {
		if errors.Is(e.Err, context.DeadlineExceeded) {
			return apperrors.ErrSyncTimeout
		}
		return apperrors.ErrSyncOffline
	}
	if e.StatusCode == 401 || e.StatusCode == 403 {
		return apperrors.ErrSyncAuthFailed
	}
	return apperrors.ErrSyncPushRejected
}

// IsConnectivity reports whether err means the server was unreachable.
func IsConnectivity(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Kind == KindConnectivity
}

// IsRejected reports whether err is a server-side refusal.
func IsRejected(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Kind == KindRejected
}
