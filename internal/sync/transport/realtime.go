package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Zozz7777/Clutchplatform-sub014/internal/logging"
	"github.com/Zozz7777/Clutchplatform-sub014/internal/models"
)

// EventKind identifies a real-time event.
type EventKind string

const (
	EventConnected     EventKind = "connect"
	EventDisconnected  EventKind = "disconnect"
	EventConnectError  EventKind = "connect_error"
	EventNewOrder      EventKind = "new_order"
	EventPaymentUpdate EventKind = "payment_update"
	EventEntityChange  EventKind = "entity_update"
	EventSyncConflict  EventKind = "sync_conflict"
)

// Event is a message from the real-time channel. Entity fields are set for
// data events; Conflict is set for EventSyncConflict; Err for connection events.
type Event struct {
	Kind          EventKind
	EntityType    models.EntityType
	EntityID      string
	OperationType models.OperationType
	Data          json.RawMessage
	Conflict      *ConflictNotice
	Err           error
	ReceivedAt    time.Time
}

// ConflictNotice is a server-initiated conflict on a queued operation.
type ConflictNotice struct {
	OperationID     models.UUID
	ServerData      json.RawMessage
	ServerTimestamp int64
}

type wireMessage struct {
	Type            string          `json:"type"`
	EntityType      string          `json:"entity_type,omitempty"`
	EntityID        string          `json:"entity_id,omitempty"`
	OperationType   string          `json:"operation_type,omitempty"`
	OperationID     string          `json:"operation_id,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	ServerData      json.RawMessage `json:"server_data,omitempty"`
	ServerTimestamp int64           `json:"server_timestamp,omitempty"`
}

// RealtimeOptions configures a Realtime connection.
type RealtimeOptions struct {
	URL            string
	PartnerID      string
	DeviceID       string
	AuthToken      string
	ReconnectDelay time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	Dialer         *websocket.Dialer
}

func (o *RealtimeOptions) setDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Realtime keeps one websocket connection per device open, reconnecting with
// a fixed delay, and publishes what it receives on Events.
type Realtime struct {
	opts      RealtimeOptions
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
	connected atomic.Bool
	wg        sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewRealtime creates a Realtime channel. Call Start to connect.
func NewRealtime(opts RealtimeOptions) *Realtime {
	opts.setDefaults()
	return &Realtime{
		opts:   opts,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
}

// Events returns the event stream. It is closed after Close returns.
func (r *Realtime) Events() <-chan Event {
	return r.events
}

// Connected reports whether a connection is currently open.
func (r *Realtime) Connected() bool {
	return r.connected.Load()
}

// Start begins the connect loop. It returns immediately; connection failures
// surface as EventConnectError events.
func (r *Realtime) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()
}

// Close stops reconnecting, closes the connection and waits for the loop.
func (r *Realtime) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		if r.conn != nil {
			_ = r.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(r.opts.WriteWait))
			_ = r.conn.Close()
		}
		r.mu.Unlock()
		r.wg.Wait()
		close(r.events)
	})
	return nil
}

func (r *Realtime) endpoint() (string, error) {
	u, err := url.Parse(r.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("partner_id", r.opts.PartnerID)
	q.Set("device_id", r.opts.DeviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *Realtime) loop(ctx context.Context) {
	for {
		if r.stopped(ctx) {
			return
		}

		conn, err := r.dial(ctx)
		if err != nil {
			logging.Warn("Realtime connect failed", map[string]interface{}{
				"url":   r.opts.URL,
				"error": err.Error(),
			})
			r.emit(ctx, Event{Kind: EventConnectError, Err: err})
		} else {
			r.serve(ctx, conn)
		}

		timer := time.NewTimer(r.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (r *Realtime) stopped(ctx context.Context) bool {
	select {
	case <-r.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (r *Realtime) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := r.endpoint()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+r.opts.AuthToken)
	header.Set("X-Partner-ID", r.opts.PartnerID)
	header.Set("X-Device-ID", r.opts.DeviceID)

	conn, resp, err := r.opts.Dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.stopped(ctx) {
		r.mu.Unlock()
		conn.Close()
		return nil, context.Canceled
	}
	r.conn = conn
	r.mu.Unlock()
	return conn, nil
}

// serve runs the read pump on the calling goroutine and the ping pump beside
// it until the connection drops.
func (r *Realtime) serve(ctx context.Context, conn *websocket.Conn) {
	r.connected.Store(true)
	logging.Info("Realtime connected", map[string]interface{}{"device_id": r.opts.DeviceID})
	r.emit(ctx, Event{Kind: EventConnected})

	stopPing := make(chan struct{})
	var pingWG sync.WaitGroup
	pingWG.Add(1)
	go func() {
		defer pingWG.Done()
		r.pingPump(conn, stopPing)
	}()

	err := r.readPump(ctx, conn)

	close(stopPing)
	pingWG.Wait()

	r.mu.Lock()
	conn.Close()
	r.conn = nil
	r.mu.Unlock()
	r.connected.Store(false)

	logging.Info("Realtime disconnected", map[string]interface{}{"device_id": r.opts.DeviceID})
	r.emit(ctx, Event{Kind: EventDisconnected, Err: err})
}

func (r *Realtime) readPump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("Realtime read failed", map[string]interface{}{"error": err.Error()})
			}
			return err
		}
		// Servers may batch several messages into one frame, newline separated.
		for _, line := range bytes.Split(message, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			ev, ok := decodeEvent(line)
			if !ok {
				continue
			}
			ev.ReceivedAt = time.Now()
			r.emit(ctx, ev)
		}
	}
}

func (r *Realtime) pingPump(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(r.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.opts.WriteWait))
			r.mu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

// emit blocks until the event is consumed or the channel is shutting down.
func (r *Realtime) emit(ctx context.Context, ev Event) {
	select {
	case r.events <- ev:
	case <-r.done:
	case <-ctx.Done():
	}
}

func decodeEvent(raw []byte) (Event, bool) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logging.Warn("Dropping malformed realtime message", map[string]interface{}{"error": err.Error()})
		return Event{}, false
	}

	ev := Event{
		Kind:          EventKind(msg.Type),
		EntityType:    models.EntityType(msg.EntityType),
		EntityID:      msg.EntityID,
		OperationType: models.OperationType(msg.OperationType),
		Data:          msg.Data,
	}

	switch ev.Kind {
	case EventNewOrder:
		ev.EntityType = models.EntityOrder
	case EventPaymentUpdate:
		ev.EntityType = models.EntityPayment
	case EventEntityChange:
		if !ev.EntityType.Valid() {
			logging.Warn("Dropping entity update with unknown type", map[string]interface{}{"entity_type": msg.EntityType})
			return Event{}, false
		}
	case EventSyncConflict:
		if msg.OperationID == "" {
			return Event{}, false
		}
		ev.Conflict = &ConflictNotice{
			OperationID:     models.UUID(msg.OperationID),
			ServerData:      msg.ServerData,
			ServerTimestamp: msg.ServerTimestamp,
		}
		return ev, true
	default:
		logging.Debug("Ignoring realtime message", map[string]interface{}{"type": msg.Type})
		return Event{}, false
	}

	if ev.OperationType == "" {
		ev.OperationType = models.OperationUpdate
	}
	return ev, true
}
