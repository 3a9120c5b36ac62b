// Package applier writes server-side entity snapshots into the local store.
package applier

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/clock"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/db"
	apperrors "github.com/Zozz7777/Clutchplatform-sub014/internal/errors"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/logging"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/models"
)

// ErrNotFound is returned by Get when no local copy exists.
var ErrNotFound = apperrors.New(apperrors.ErrNotFound, "entity not found")

type table struct {
	name string
	key  string
}

var tables = map[models.EntityType]table{
	models.EntityOrder:    {"orders", "order_id"},
	models.EntityProduct:  {"products", "sku"},
	models.EntityPayment:  {"payments", "payment_id"},
	models.EntityCustomer: {"customers", "customer_id"},
}

func tableFor(entityType models.EntityType) (table, error) {
	t, ok := tables[entityType]
	if !ok {
		return table{}, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown entity type %q", entityType))
	}
	return t, nil
}

// Record is the local copy of one entity.
type Record struct {
	EntityType models.EntityType `json:"entity_type"`
	Key        string            `json:"key"`
	Data       json.RawMessage   `json:"data"`
	UpdatedAt  int64             `json:"updated_at"`
	AppliedAt  int64             `json:"applied_at"`
}

// Applier upserts snapshots by natural key. It is safe for concurrent use.
type Applier struct {
	repo  *db.Repository
	clock clock.Clock
}

// New creates an Applier.
func New(repo *db.Repository, clk clock.Clock) *Applier {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Applier{repo: repo, clock: clk}
}

// Apply stores data as the current local copy of its entity. Applying the
// same snapshot twice, or a snapshot older than the stored one, changes
// nothing. It reports whether a row was written.
func (a *Applier) Apply(ctx context.Context, entityType models.EntityType, data json.RawMessage) (bool, error) {
	t, err := tableFor(entityType)
	if err != nil {
		return false, err
	}
	payload, err := models.DecodePayload(entityType, data)
	if err != nil {
		return false, err
	}
	key := payload.NaturalKey()
	if key == "" {
		return false, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("%s snapshot is missing its key", entityType))
	}

	var updatedAt int64
	if ts := payload.Timestamp(); !ts.IsZero() {
		updatedAt = ts.UnixMilli()
	}
	compact, err := compactJSON(data)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`INSERT INTO %[1]s (%[2]s, data, updated_at, applied_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(%[2]s) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at, applied_at = excluded.applied_at
		WHERE excluded.updated_at > %[1]s.updated_at
		   OR (excluded.updated_at = %[1]s.updated_at AND excluded.data <> %[1]s.data)`, t.name, t.key)

	res, err := a.repo.Exec(ctx, query, key, compact, updatedAt, a.clock.Now().UnixMilli())
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to apply %s %s", entityType, key), err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		logging.Debug("Skipped stale or identical snapshot", map[string]interface{}{
			"entity_type": entityType,
			"entity_id":   key,
		})
		return false, nil
	}

	logging.Debug("Applied snapshot", map[string]interface{}{
		"entity_type": entityType,
		"entity_id":   key,
		"updated_at":  updatedAt,
	})
	return true, nil
}

// Delete removes the local copy of an entity. Deleting a missing entity is not an error.
func (a *Applier) Delete(ctx context.Context, entityType models.EntityType, key string) error {
	t, err := tableFor(entityType)
	if err != nil {
		return err
	}
	if key == "" {
		return apperrors.New(apperrors.ErrValidation, "empty entity key")
	}
	_, err = a.repo.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, t.name, t.key), key)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to delete %s %s", entityType, key), err)
	}
	return nil
}

// Get returns the local copy of an entity.
func (a *Applier) Get(ctx context.Context, entityType models.EntityType, key string) (*Record, error) {
	t, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}

	rec := &Record{EntityType: entityType, Key: key}
	var data string
	err = a.repo.QueryRow(ctx,
		fmt.Sprintf(`SELECT data, updated_at, applied_at FROM %s WHERE %s = ?`, t.name, t.key), key).
		Scan(&data, &rec.UpdatedAt, &rec.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, entityType, key)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read entity", err)
	}
	rec.Data = json.RawMessage(data)
	return rec, nil
}

// Count returns how many local copies of entityType exist.
func (a *Applier) Count(ctx context.Context, entityType models.EntityType) (int, error) {
	t, err := tableFor(entityType)
	if err != nil {
		return 0, err
	}
	var n int
	if err := a.repo.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, t.name)).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count entities", err)
	}
	return n, nil
}

// compactJSON normalises whitespace so identical snapshots compare equal.
func compactJSON(data json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "malformed snapshot", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "malformed snapshot", err)
	}
	return string(out), nil
}
