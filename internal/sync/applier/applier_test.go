package applier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/clock"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/db"
	apperrors "github.com/Zozz7777/Clutchplatform-sub014/internal/errors"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/models"
)

func newTestApplier(t *testing.T) *Applier {
	t.Helper()
	database, err := db.OpenAndMigrate(t.TempDir())
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	return New(repo, clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestApplyInsertsAndReads(t *testing.T) {
	a := newTestApplier(t)
	ctx := context.Background()

	applied, err := a.Apply(ctx, models.EntityProduct,
		json.RawMessage(`{"sku":"SKU-1","name":"Tea","price":3,"updated_at":"2024-03-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.True(t, applied)

	rec, err := a.Get(ctx, models.EntityProduct, "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli(), rec.UpdatedAt)
	assert.JSONEq(t, `{"sku":"SKU-1","name":"Tea","price":3,"updated_at":"2024-03-01T10:00:00Z"}`, string(rec.Data))
}

func TestApplyIsIdempotent(t *testing.T) {
	a := newTestApplier(t)
	ctx := context.Background()
	snapshot := json.RawMessage(`{"order_id":"O-1","total":12.5,"updated_at":"2024-03-01T10:00:00Z"}`)

	applied, err := a.Apply(ctx, models.EntityOrder, snapshot)
	require.NoError(t, err)
	assert.True(t, applied)

	// Same snapshot with different whitespace and key order.
	applied, err = a.Apply(ctx, models.EntityOrder,
		json.RawMessage(`{ "total": 12.5, "updated_at": "2024-03-01T10:00:00Z", "order_id": "O-1" }`))
	require.NoError(t, err)
	assert.False(t, applied)

	n, err := a.Count(ctx, models.EntityOrder)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestApplyIgnoresStaleSnapshot(t *testing.T) {
	a := newTestApplier(t)
	ctx := context.Background()

	_, err := a.Apply(ctx, models.EntityCustomer,
		json.RawMessage(`{"customer_id":"C-1","name":"Newer","updated_at":"2024-03-01T11:00:00Z"}`))
	require.NoError(t, err)

	applied, err := a.Apply(ctx, models.EntityCustomer,
		json.RawMessage(`{"customer_id":"C-1","name":"Older","updated_at":"2024-03-01T09:00:00Z"}`))
	require.NoError(t, err)
	assert.False(t, applied)

	rec, err := a.Get(ctx, models.EntityCustomer, "C-1")
	require.NoError(t, err)
	assert.Contains(t, string(rec.Data), "Newer")

	applied, err = a.Apply(ctx, models.EntityCustomer,
		json.RawMessage(`{"customer_id":"C-1","name":"Latest","updated_at":"2024-03-01T12:00:00Z"}`))
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestApplySameTimestampDifferentData(t *testing.T) {
	a := newTestApplier(t)
	ctx := context.Background()

	_, err := a.Apply(ctx, models.EntityPayment,
		json.RawMessage(`{"payment_id":"P-1","order_id":"O-1","method":"card","amount":5,"status":"pending"}`))
	require.NoError(t, err)

	applied, err := a.Apply(ctx, models.EntityPayment,
		json.RawMessage(`{"payment_id":"P-1","order_id":"O-1","method":"card","amount":5,"status":"completed"}`))
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestApplyRejectsBadInput(t *testing.T) {
	a := newTestApplier(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		entityType models.EntityType
		data       string
	}{
		{"unknown entity", "invoice", `{"id":"1"}`},
		{"missing key", models.EntityOrder, `{"total":1}`},
		{"malformed", models.EntityOrder, `{"order_id":`},
		{"empty", models.EntityOrder, ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Apply(ctx, tt.entityType, json.RawMessage(tt.data))
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
		})
	}
}

func TestDelete(t *testing.T) {
	a := newTestApplier(t)
	ctx := context.Background()

	_, err := a.Apply(ctx, models.EntityProduct, json.RawMessage(`{"sku":"SKU-1","name":"Tea"}`))
	require.NoError(t, err)

	require.NoError(t, a.Delete(ctx, models.EntityProduct, "SKU-1"))
	require.NoError(t, a.Delete(ctx, models.EntityProduct, "SKU-1"))

	_, err = a.Get(ctx, models.EntityProduct, "SKU-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestApplyConcurrent(t *testing.T) {
	a := newTestApplier(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Apply(ctx, models.EntityOrder,
				json.RawMessage(`{"order_id":"O-1","total":1,"updated_at":"2024-03-01T10:00:00Z"}`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := a.Count(ctx, models.EntityOrder)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
