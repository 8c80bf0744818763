// Package broadcast implements the Broadcast Provisioner (spec §4.1): a
// periodic UDP broadcast of pairing advertisements plus a best-effort ack
// listener. Scheduled with gocron the same way the teacher's scheduler
// package drives its own periodic jobs — a DurationJob in singleton mode
// instead of the teacher's per-policy cron expressions, since this job has
// exactly one fixed one-second period rather than a user-configurable
// schedule.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/pamod-madubashana/labscan/internal/clock"
	"github.com/pamod-madubashana/labscan/internal/errs"
	"github.com/pamod-madubashana/labscan/internal/events"
	"github.com/pamod-madubashana/labscan/internal/model"
	"github.com/pamod-madubashana/labscan/internal/netprobe"
	"github.com/pamod-madubashana/labscan/internal/store"
	"github.com/pamod-madubashana/labscan/internal/telemetry"
)

const (
	provisionInterval = 1 * time.Second
	ackWait           = 350 * time.Millisecond

	typeProvision    = "LABSCAN_PROVISION"
	typeProvisionAck = "LABSCAN_PROVISION_ACK"
	protocolVersion  = 1
)

// provisionFrame is the advertisement the admin broadcasts every tick
// (spec §4.1).
type provisionFrame struct {
	Type    string `json:"type"`
	V       int    `json:"v"`
	AdminIP string `json:"admin_ip"`
	Secret  string `json:"secret"`
	Nonce   string `json:"nonce"`
}

// ackFrame is what an agent may reply with.
type ackFrame struct {
	Type     string `json:"type"`
	V        int    `json:"v"`
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname"`
	Nonce    string `json:"nonce"`
	TS       int64  `json:"ts"`
}

// Provisioner owns the broadcast and ack sockets and the gocron job that
// drives them.
type Provisioner struct {
	store   *store.Store
	emitter *events.Emitter
	metrics *telemetry.Metrics // nil when telemetry is disabled
	clock   clock.Clock
	logger  *zap.Logger

	port       int
	broadcast  *net.UDPConn
	ackSocket  *net.UDPConn
	ackOnly    bool
	cron       gocron.Scheduler
	cancelAcks context.CancelFunc
}

// New constructs a Provisioner for the given broadcast/ack port. Call Start
// to bind sockets and begin the periodic broadcast.
func New(st *store.Store, emitter *events.Emitter, metrics *telemetry.Metrics, clk clock.Clock, logger *zap.Logger, port int) *Provisioner {
	return &Provisioner{store: st, emitter: emitter, metrics: metrics, clock: clk, logger: logger.Named("broadcast"), port: port}
}

// Start binds the broadcast socket (fatal to the provisioner alone if it
// fails) and, best-effort, the ack-receiving socket on the well-known
// port (spec §4.1 failure semantics). It then starts the gocron job that
// sends an advertisement every second while the server is online.
func (p *Provisioner) Start(ctx context.Context) error {
	lc := net.ListenConfig{Control: setBroadcastOpt}
	packetConn, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		p.emitter.Dispatch(p.store.AppendLog(model.LogError, "", fmt.Sprintf("broadcast provisioner: %s: %v", errs.ErrBindFailed, err), p.clock.NowMS()))
		return fmt.Errorf("%w: broadcast socket: %v", errs.ErrBindFailed, err)
	}
	p.broadcast = packetConn.(*net.UDPConn)

	if ackConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: p.port}); err != nil {
		p.logger.Warn("ack socket bind failed, degrading to broadcast-only mode", zap.Error(err))
		p.ackOnly = true
	} else {
		p.ackSocket = ackConn
		ackCtx, cancel := context.WithCancel(ctx)
		p.cancelAcks = cancel
		go p.listenAcks(ackCtx)
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("broadcast provisioner: gocron.NewScheduler: %w", err)
	}
	p.cron = cron

	_, err = p.cron.NewJob(
		gocron.DurationJob(provisionInterval),
		gocron.NewTask(p.tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("broadcast provisioner: gocron.NewJob: %w", err)
	}
	p.cron.Start()
	return nil
}

// Stop shuts down the scheduler and closes both sockets.
func (p *Provisioner) Stop() {
	if p.cron != nil {
		_ = p.cron.Shutdown()
	}
	if p.cancelAcks != nil {
		p.cancelAcks()
	}
	if p.broadcast != nil {
		p.broadcast.Close()
	}
	if p.ackSocket != nil {
		p.ackSocket.Close()
	}
}

// tick runs on every gocron wake. It polls the online flag to quiesce
// when the server has not bound (spec §5 cancellation).
func (p *Provisioner) tick() {
	if !p.store.ServerStatus().Online {
		return
	}

	frame := provisionFrame{
		Type:    typeProvision,
		V:       protocolVersion,
		AdminIP: netprobe.LocalIPv4(),
		Secret:  p.store.PairToken(),
		Nonce:   clock.NewID(),
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}

	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: p.port}
	if _, err := p.broadcast.WriteToUDP(raw, broadcastAddr); err != nil {
		p.logger.Warn("broadcast send failed", zap.Error(err))
		return
	}
	if p.metrics != nil {
		p.metrics.BroadcastTicks.Inc()
	}
	// Acks are handled asynchronously by listenAcks; this tick only needs
	// to send. The ~300-400ms wait window from the source design is
	// approximated by listenAcks' own read loop rather than blocking this
	// tick, since gocron already serializes ticks in singleton mode.
}

// listenAcks reads LABSCAN_PROVISION_ACK frames until ctx is cancelled.
// Nonce matching is not enforced (spec §4.1): the nonce is logged for
// auditing, not checked for a specific pending advertisement.
func (p *Provisioner) listenAcks(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = p.ackSocket.SetReadDeadline(time.Now().Add(ackWait))
		n, addr, err := p.ackSocket.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		var ack ackFrame
		if err := json.Unmarshal(buf[:n], &ack); err != nil {
			continue
		}
		if ack.Type != typeProvisionAck || ack.V != protocolVersion {
			continue
		}

		p.emitter.Dispatch(p.store.AppendLog(model.LogInfo, ack.AgentID, fmt.Sprintf(
			"provision ack from %s (%s) at %s, nonce=%s", ack.AgentID, ack.Hostname, addr.String(), ack.Nonce,
		), p.clock.NowMS()))
		if p.metrics != nil {
			p.metrics.BroadcastAcks.Inc()
		}
	}
}

// setBroadcastOpt sets SO_BROADCAST on the raw socket before bind, via
// net.ListenConfig.Control. Without it the kernel refuses sendto to
// 255.255.255.255 with EACCES and every tick's WriteToUDP silently fails.
func setBroadcastOpt(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
