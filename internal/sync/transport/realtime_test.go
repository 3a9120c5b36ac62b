package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func nextEvent(t *testing.T, rt *Realtime) Event {
	t.Helper()
	select {
	case ev, ok := <-rt.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestRealtimeDeliversEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "partner-1", r.URL.Query().Get("partner_id"))
		assert.Equal(t, "till-7", r.URL.Query().Get("device_id"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		frames := []string{
			`{"type":"new_order","entity_id":"O-1","data":{"order_id":"O-1","total":9.5}}`,
			`{"type":"payment_update","entity_id":"P-1","data":{"payment_id":"P-1","order_id":"O-1","method":"card","amount":9.5}}` + "\n" +
				`{"type":"entity_update","entity_type":"product","entity_id":"SKU-1","operation_type":"delete","data":{"sku":"SKU-1"}}`,
			`{"type":"entity_update","entity_type":"invoice","entity_id":"I-1"}`,
			`not json`,
			`{"type":"sync_conflict","operation_id":"0f8fad5b-d9cb-469f-a165-70867728950e","server_data":{"sku":"SKU-1"},"server_timestamp":42}`,
		}
		for _, f := range frames {
			assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rt := NewRealtime(RealtimeOptions{
		URL:            wsURL(srv),
		PartnerID:      "partner-1",
		DeviceID:       "till-7",
		AuthToken:      "secret",
		ReconnectDelay: 10 * time.Millisecond,
	})
	rt.Start(context.Background())
	defer rt.Close()

	assert.Equal(t, EventConnected, nextEvent(t, rt).Kind)
	assert.True(t, rt.Connected())

	order := nextEvent(t, rt)
	assert.Equal(t, EventNewOrder, order.Kind)
	assert.Equal(t, models.EntityOrder, order.EntityType)
	assert.Equal(t, models.OperationUpdate, order.OperationType)
	assert.Equal(t, "O-1", order.EntityID)

	payment := nextEvent(t, rt)
	assert.Equal(t, EventPaymentUpdate, payment.Kind)
	assert.Equal(t, models.EntityPayment, payment.EntityType)

	change := nextEvent(t, rt)
	assert.Equal(t, EventEntityChange, change.Kind)
	assert.Equal(t, models.EntityProduct, change.EntityType)
	assert.Equal(t, models.OperationDelete, change.OperationType)

	conflict := nextEvent(t, rt)
	assert.Equal(t, EventSyncConflict, conflict.Kind)
	require.NotNil(t, conflict.Conflict)
	assert.Equal(t, models.UUID("0f8fad5b-d9cb-469f-a165-70867728950e"), conflict.Conflict.OperationID)
	assert.Equal(t, int64(42), conflict.Conflict.ServerTimestamp)
}

func TestRealtimeReconnects(t *testing.T) {
	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if connections.Add(1) == 1 {
			// Drop the first connection straight away.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rt := NewRealtime(RealtimeOptions{URL: wsURL(srv), ReconnectDelay: 10 * time.Millisecond})
	rt.Start(context.Background())

	assert.Equal(t, EventConnected, nextEvent(t, rt).Kind)
	assert.Equal(t, EventDisconnected, nextEvent(t, rt).Kind)
	assert.Equal(t, EventConnected, nextEvent(t, rt).Kind)

	require.NoError(t, rt.Close())
	assert.False(t, rt.Connected())

	// Drain whatever was buffered; the channel must end up closed.
	for range rt.Events() {
	}
}

func TestRealtimeConnectError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	rt := NewRealtime(RealtimeOptions{URL: wsURL(srv), ReconnectDelay: time.Hour})
	rt.Start(context.Background())

	ev := nextEvent(t, rt)
	assert.Equal(t, EventConnectError, ev.Kind)
	assert.Error(t, ev.Err)
	assert.False(t, rt.Connected())

	// Close must interrupt the reconnect wait.
	done := make(chan struct{})
	go func() {
		rt.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() blocked on reconnect delay")
	}
}
