package models

import (
	"encoding/json"
	"time"
)

// EntityType tags the business entity an operation or payload refers to.
type EntityType string

const (
	EntityOrder    EntityType = "order"
	EntityProduct  EntityType = "product"
	EntityPayment  EntityType = "payment"
	EntityCustomer EntityType = "customer"
)

// EntityTypes lists every known entity tag.
var EntityTypes = []EntityType{EntityOrder, EntityProduct, EntityPayment, EntityCustomer}

// Valid reports whether t is a known entity tag.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// OperationType is the kind of mutation an operation carries.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
	OperationSync   OperationType = "sync"
)

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	switch t {
	case OperationCreate, OperationUpdate, OperationDelete, OperationSync:
		return true
	}
	return false
}

// OperationStatus is the lifecycle state of an operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusConflict   OperationStatus = "conflict"
)

// Valid reports whether s is a known status.
func (s OperationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusConflict:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition happens from s.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Operation is a single local mutation queued for delivery to the server.
// Seq is the insertion order and breaks ties between equal CreatedAt values.
// Timestamps are unix milliseconds.
type Operation struct {
	Seq           int64           `db:"seq" json:"seq"`
	OperationID   UUID            `db:"operation_id" json:"operation_id"`
	EntityType    EntityType      `db:"entity_type" json:"entity_type"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	OperationType OperationType   `db:"operation_type" json:"operation_type"`
	Data          json.RawMessage `db:"data" json:"data"`
	Status        OperationStatus `db:"status" json:"status"`
	Timestamp     int64           `db:"timestamp" json:"timestamp"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	UpdatedAt     int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Operation.
func (Operation) TableName() string {
	return "sync_operations"
}

// TimestampTime returns the client creation time.
func (o *Operation) TimestampTime() time.Time {
	return time.UnixMilli(o.Timestamp)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (o *Operation) UpdatedAtTime() time.Time {
	return time.UnixMilli(o.UpdatedAt)
}

// Clone returns a deep copy safe to hand out of a cache.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	if o.Data != nil {
		c.Data = append(json.RawMessage(nil), o.Data...)
	}
	return &c
}
