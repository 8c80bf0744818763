// Package events implements the event emission layer described in spec §4.3:
// a single API surface over the embedded UI's event bus. All throttle,
// dedupe, and topology-change decisions are made by the state store under
// its lock (spec §2); this package's only job is to hand already-decided
// Emissions to the bus without ever blocking the caller.
package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pamod-madubashana/labscan/internal/model"
)

// Bus is the abstract UI event sink. The embedded desktop webview is out of
// scope for this module (spec §1) — LoopbackBus below is the concrete,
// testable stand-in a real shell would replace with its native IPC emit.
type Bus interface {
	// Emit delivers one named event with its payload. Implementations must
	// not block the caller and must not panic on a disconnected consumer.
	Emit(event string, payload any) error
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// frame is the envelope written to every connected UI client.
type frame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// uiClient is one connected UI consumer (the embedded webview, or a test
// harness standing in for it).
type uiClient struct {
	conn   *websocket.Conn
	send   chan frame
	logger *zap.Logger
}

// LoopbackBus is a local, in-process fan-out Bus: it upgrades HTTP requests
// on a fixed path to WebSocket and broadcasts every Emit call to all
// currently connected clients. Modeled on the teacher's websocket.Hub, with
// a single implicit topic (the UI only ever wants the whole event stream).
type LoopbackBus struct {
	mu       sync.RWMutex
	clients  map[*uiClient]struct{}
	logger   *zap.Logger
	snapshot func() any // nil until SetDevicesSnapshotProvider is called
}

// NewLoopbackBus creates an idle LoopbackBus. Call ServeHTTP from an HTTP
// mux to accept UI connections.
func NewLoopbackBus(logger *zap.Logger) *LoopbackBus {
	return &LoopbackBus{
		clients: make(map[*uiClient]struct{}),
		logger:  logger.Named("ui_bus"),
	}
}

// SetDevicesSnapshotProvider wires the function ServeHTTP calls to produce
// the devices_snapshot event pushed to every newly connected UI client
// (spec §4.3: the event bus must hand a new subscriber the full device list
// on connect, not just the incremental device_upsert/remove stream).
func (b *LoopbackBus) SetDevicesSnapshotProvider(fn func() any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = fn
}

// Emit implements Bus. It copies the client set under a read lock, then
// writes outside the lock so a slow or stalled client cannot hold up
// delivery to the others.
func (b *LoopbackBus) Emit(event string, payload any) error {
	f := frame{Event: event, Payload: payload}

	b.mu.RLock()
	clients := make([]*uiClient, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- f:
		default:
			// Client is too slow to keep up with the event stream — drop
			// the frame rather than block the emitter for every other
			// subscriber. The UI resyncs from the next *_snapshot event.
			b.logger.Warn("ui client send buffer full, dropping frame", zap.String("event", event))
		}
	}
	return nil
}

// ConnectedCount reports how many UI clients are currently attached.
func (b *LoopbackBus) ConnectedCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// ServeHTTP upgrades the request to a WebSocket connection and blocks,
// pumping frames to the client until it disconnects. Mount at a fixed path
// (the Control Surface router uses /events).
func (b *LoopbackBus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("ui bus: upgrade failed", zap.Error(err))
		return
	}

	c := &uiClient{conn: conn, send: make(chan frame, sendBufferSize), logger: b.logger}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	snapshot := b.snapshot
	b.mu.Unlock()

	if snapshot != nil {
		c.send <- frame{Event: model.EventDevicesSnapshot, Payload: snapshot()}
	}

	go c.writePump()
	c.readPump()

	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

// readPump discards inbound frames — the UI event bus is server-push only —
// and exists solely to detect disconnection and keep the pong deadline
// fresh.
func (c *uiClient) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			close(c.send)
			return
		}
	}
}

// writePump is the only goroutine that writes to conn — gorilla/websocket
// connections are not safe for concurrent writes.
func (c *uiClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// FanoutBus broadcasts every Emit call to all of its inner buses, in order.
// Used to wire the optional persistence mirror in alongside the UI
// LoopbackBus without either one knowing the other exists.
type FanoutBus struct {
	buses []Bus
}

// NewFanoutBus returns a Bus that forwards to every bus in order.
func NewFanoutBus(buses ...Bus) *FanoutBus {
	return &FanoutBus{buses: buses}
}

// Emit forwards to every inner bus and returns the first error encountered,
// after still attempting every bus — one subscriber's failure must never
// suppress delivery to the others.
func (f *FanoutBus) Emit(event string, payload any) error {
	var firstErr error
	for _, b := range f.buses {
		if err := b.Emit(event, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// noopBus discards every emission. Useful in tests that only care about
// store state transitions, not delivery.
type noopBus struct{}

// NewNoopBus returns a Bus that drops everything it is given.
func NewNoopBus() Bus { return noopBus{} }

func (noopBus) Emit(string, any) error { return nil }

var _ Bus = (*LoopbackBus)(nil)
var _ Bus = noopBus{}
var _ Bus = (*FanoutBus)(nil)
