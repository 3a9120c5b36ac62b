package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/Zozz7777/Clutchplatform-sub014/internal/errors"
)

// Payload is the typed body of an operation, keyed by its entity tag.
type Payload interface {
	EntityType() EntityType
	// NaturalKey is the business identifier the local store upserts on.
	NaturalKey() string
	// Timestamp is the snapshot's own last-write time: updated_at, else created_at.
	Timestamp() time.Time
}

// Stamps carries the write times shared by every entity snapshot.
type Stamps struct {
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Timestamp returns updated_at when set, else created_at, else the zero time.
func (s Stamps) Timestamp() time.Time {
	if s.UpdatedAt != nil && !s.UpdatedAt.IsZero() {
		return *s.UpdatedAt
	}
	if s.CreatedAt != nil {
		return *s.CreatedAt
	}
	return time.Time{}
}

// OrderItem is one line of an order.
type OrderItem struct {
	SKU       string  `json:"sku" validate:"required"`
	Quantity  int     `json:"quantity" validate:"gt=0"`
	UnitPrice float64 `json:"unit_price" validate:"gte=0"`
}

// Order is a sale recorded at the till.
type Order struct {
	OrderID    string      `json:"order_id" validate:"required"`
	CustomerID string      `json:"customer_id,omitempty"`
	Status     string      `json:"status,omitempty" validate:"omitempty,oneof=open pending paid completed cancelled refunded"`
	Currency   string      `json:"currency,omitempty" validate:"omitempty,len=3"`
	Items      []OrderItem `json:"items,omitempty" validate:"dive"`
	Total      float64     `json:"total" validate:"gte=0"`
	Stamps
}

func (Order) EntityType() EntityType { return EntityOrder }
func (o Order) NaturalKey() string    { return o.OrderID }

// Product is a catalogue entry keyed by SKU.
type Product struct {
	SKU      string  `json:"sku" validate:"required"`
	Name     string  `json:"name" validate:"required"`
	Price    float64 `json:"price" validate:"gte=0"`
	Stock    int     `json:"stock"`
	Category string  `json:"category,omitempty"`
	Active   bool    `json:"active"`
	Stamps
}

func (Product) EntityType() EntityType { return EntityProduct }
func (p Product) NaturalKey() string    { return p.SKU }

// Payment settles all or part of an order.
type Payment struct {
	PaymentID string  `json:"payment_id" validate:"required"`
	OrderID   string  `json:"order_id" validate:"required"`
	Method    string  `json:"method" validate:"required"`
	Amount    float64 `json:"amount" validate:"gte=0"`
	Status    string  `json:"status,omitempty" validate:"omitempty,oneof=pending authorized completed failed refunded"`
	Stamps
}

func (Payment) EntityType() EntityType { return EntityPayment }
func (p Payment) NaturalKey() string    { return p.PaymentID }

// Customer is a known buyer.
type Customer struct {
	CustomerID string `json:"customer_id" validate:"required"`
	Name       string `json:"name" validate:"required"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	Stamps
}

func (Customer) EntityType() EntityType { return EntityCustomer }
func (c Customer) NaturalKey() string    { return c.CustomerID }

var validate = validator.New()

// DecodePayload unmarshals raw into the variant selected by entityType.
// It does not validate.
func DecodePayload(entityType EntityType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, apperrors.New(apperrors.ErrValidation, "empty payload")
	}

	var (
		p   Payload
		err error
	)
	switch entityType {
	case EntityOrder:
		var v Order
		err = json.Unmarshal(raw, &v)
		p = v
	case EntityProduct:
		var v Product
		err = json.Unmarshal(raw, &v)
		p = v
	case EntityPayment:
		var v Payment
		err = json.Unmarshal(raw, &v)
		p = v
	case EntityCustomer:
		var v Customer
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown entity type %q", entityType))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("malformed %s payload", entityType), err)
	}
	return p, nil
}

// ValidatePayload checks p against its variant schema. Deletes only need
// the natural key.
func ValidatePayload(opType OperationType, p Payload) error {
	if p.NaturalKey() == "" {
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("%s payload is missing its key", p.EntityType()))
	}
	if opType == OperationDelete {
		return nil
	}
	if err := validate.Struct(p); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("invalid %s payload", p.EntityType()), err)
	}
	return nil
}

// ParsePayload decodes and validates raw for an operation of opType.
func ParsePayload(entityType EntityType, opType OperationType, raw json.RawMessage) (Payload, error) {
	p, err := DecodePayload(entityType, raw)
	if err != nil {
		return nil, err
	}
	if err := ValidatePayload(opType, p); err != nil {
		return nil, err
	}
	return p, nil
}
