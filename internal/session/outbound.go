package session

import (
	infinity "github.com/Code-Hex/go-infinity-channel"

	"github.com/pamod-madubashana/labscan/internal/wire"
)

// Outbound is the per-agent unbounded outbound queue described in spec §2
// and §9: a slow agent must never be able to stall the state store's
// mutex path, so sends here never block the caller. Backed by
// go-infinity-channel's internally-growing buffer rather than a fixed-size
// Go channel — the teacher's websocket.Client instead used a bounded
// channel and disconnected slow clients on overflow, which is exactly the
// behavior spec §5 calls out as NOT wanted here ("accepted simplification",
// not a disconnect policy).
type Outbound struct {
	ch *infinity.Channel[wire.Frame]
}

// NewOutbound creates an empty, unbounded outbound queue.
func NewOutbound() *Outbound {
	return &Outbound{ch: infinity.NewChannel[wire.Frame]()}
}

// Send enqueues f for delivery. Never blocks and never fails — per spec
// this is an accepted unbounded-memory-growth tradeoff, not a backpressure
// mechanism.
func (o *Outbound) Send(f wire.Frame) {
	o.ch.In() <- f
}

// Out returns the receive side consumed by the connection's write pump.
func (o *Outbound) Out() <-chan wire.Frame {
	return o.ch.Out()
}

// Close tears down the queue. Safe to call once per Outbound, at
// connection teardown.
func (o *Outbound) Close() {
	o.ch.Close()
}
