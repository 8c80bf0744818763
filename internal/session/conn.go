// Package session implements the Agent Session Handler (spec §4.2): the
// per-connection register/heartbeat/task_result state machine, modeled on
// the teacher's websocket.Client read/write pump split so that a slow
// agent socket can never stall the store's mutex path.
package session

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pamod-madubashana/labscan/internal/clock"
	"github.com/pamod-madubashana/labscan/internal/errs"
	"github.com/pamod-madubashana/labscan/internal/events"
	"github.com/pamod-madubashana/labscan/internal/model"
	"github.com/pamod-madubashana/labscan/internal/store"
	"github.com/pamod-madubashana/labscan/internal/telemetry"
	"github.com/pamod-madubashana/labscan/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades incoming HTTP requests at the fixed agent path and runs
// one state machine per connection.
type Handler struct {
	store   *store.Store
	emitter *events.Emitter
	metrics *telemetry.Metrics // nil when telemetry is disabled
	clock   clock.Clock
	logger  *zap.Logger
}

// NewHandler builds a Handler wired to the shared store and emitter.
func NewHandler(st *store.Store, emitter *events.Emitter, metrics *telemetry.Metrics, clk clock.Clock, logger *zap.Logger) *Handler {
	return &Handler{store: st, emitter: emitter, metrics: metrics, clock: clk, logger: logger.Named("session")}
}

// conn is the per-connection state: the agent-id it resolves to is empty
// until a valid register frame has been processed — exactly the
// Unregistered/Registered(id) split of spec §4.2's state table.
type conn struct {
	ws       *websocket.Conn
	outbound *Outbound
	agentID  string
	logger   *zap.Logger
}

// ServeHTTP upgrades the request and blocks for the lifetime of the
// connection. Mount at the fixed agent path (spec §6: `/ws/agent`).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}

	c := &conn{
		ws:       ws,
		outbound: NewOutbound(),
		logger:   h.logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}

	go h.writePump(c)
	h.readLoop(c)
}

// readLoop owns the connection's read side and is the only place that
// mutates c.agentID. On exit it tears down the outbound queue and, if the
// connection had reached Registered, tells the store the agent is gone.
func (h *Handler) readLoop(c *conn) {
	defer func() {
		c.outbound.Close()
		c.ws.Close()
		if c.agentID != "" {
			emissions := h.store.Disconnect(c.agentID, h.clock.NowMS())
			h.emitter.Dispatch(emissions)
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var f wire.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			// parse_error: drop the single frame silently, keep the
			// session open (spec §7) — this tolerates schema drift from
			// older agents.
			continue
		}

		if shouldClose := h.handleFrame(c, f); shouldClose {
			return
		}
	}
}

// handleFrame dispatches one decoded frame according to the connection's
// current state (spec §4.2's state table) and reports whether the
// connection should now close.
func (h *Handler) handleFrame(c *conn, f wire.Frame) bool {
	now := h.clock.NowMS()

	switch f.Type {
	case wire.TypeRegister:
		if c.agentID != "" {
			return false // already Registered: any other type is ignored
		}
		var p wire.RegisterPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return false
		}
		return h.handleRegister(c, p, now)

	case wire.TypeHeartbeat:
		if c.agentID == "" {
			return false // Unregistered: any other type is ignored
		}
		var p wire.HeartbeatPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return false
		}
		_, emissions, err := h.store.Heartbeat(c.agentID, p, now)
		if err != nil {
			h.logger.Debug("heartbeat for unknown agent", zap.String("agent_id", c.agentID), zap.Error(err))
			return false
		}
		h.emitter.Dispatch(emissions)
		return false

	case wire.TypeTaskResult:
		if c.agentID == "" {
			return false
		}
		var p wire.TaskResultPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return false
		}
		task, emissions, err := h.store.RecordTaskResult(p.TaskID, c.agentID, p.OK, p.Result, p.Error, now)
		if err != nil {
			h.logger.Debug("task_result for unknown task", zap.String("task_id", p.TaskID), zap.Error(err))
			return false
		}
		if h.metrics != nil && task != nil && (task.Status == model.TaskDone || task.Status == model.TaskFailed) {
			for _, em := range emissions {
				if em.Event == model.EventTaskUpdate {
					h.metrics.TasksTotal.WithLabelValues(string(task.Kind), string(task.Status)).Inc()
					break
				}
			}
		}
		h.emitter.Dispatch(emissions)
		return false

	default:
		return false
	}
}

// handleRegister performs the Unregistered->Registered(id) or
// Unregistered->Closed transition.
func (h *Handler) handleRegister(c *conn, p wire.RegisterPayload, now int64) bool {
	dev, emissions, err := h.store.Register(p, p.Secret, now, c.outbound)
	if err != nil {
		reply, _ := wire.Marshal(wire.TypeRegistered, now, "", wire.RegisteredPayload{OK: false, Error: "invalid shared secret"})
		c.outbound.Send(reply)
		if err == errs.ErrAuthFailed {
			h.logger.Info("registration rejected: bad secret", zap.String("agent_id", p.AgentID))
		}
		return true
	}

	c.agentID = p.AgentID
	reply, _ := wire.Marshal(wire.TypeRegistered, now, "", wire.RegisteredPayload{OK: true, ServerTime: now})
	c.outbound.Send(reply)
	h.emitter.Dispatch(emissions)
	h.logger.Info("agent registered", zap.String("agent_id", dev.AgentID), zap.String("hostname", dev.Hostname))
	return false
}

// writePump drains the connection's outbound queue and forwards each frame
// to the wire, interleaved with periodic pings. It is the only goroutine
// that writes to ws — gorilla/websocket connections are not safe for
// concurrent writes.
func (h *Handler) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case f, ok := <-c.outbound.Out():
			if !ok {
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			raw, err := json.Marshal(f)
			if err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
