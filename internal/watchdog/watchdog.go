// Package watchdog implements the Heartbeat Watchdog (spec §4.4): a
// periodic sweep that marks stale agents offline. Driven by gocron exactly
// like the Broadcast Provisioner, on its own fixed interval.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/pamod-madubashana/labscan/internal/clock"
	"github.com/pamod-madubashana/labscan/internal/events"
	"github.com/pamod-madubashana/labscan/internal/model"
	"github.com/pamod-madubashana/labscan/internal/store"
	"github.com/pamod-madubashana/labscan/internal/telemetry"
)

const (
	// sweepInterval is the wake period (spec §9: "3-5s" is a fixed
	// decision, not a policy knob — 4s splits the range).
	sweepInterval = 4 * time.Second

	// timeout is the liveness window (spec §9: "20-25s" fixed decision).
	timeout = 22 * time.Second
)

// Watchdog owns the gocron job that sweeps the store for stale devices.
type Watchdog struct {
	store   *store.Store
	emitter *events.Emitter
	metrics *telemetry.Metrics // nil when telemetry is disabled
	clock   clock.Clock
	logger  *zap.Logger
	cron    gocron.Scheduler
}

// New constructs a Watchdog. Call Start to begin sweeping.
func New(st *store.Store, emitter *events.Emitter, metrics *telemetry.Metrics, clk clock.Clock, logger *zap.Logger) *Watchdog {
	return &Watchdog{store: st, emitter: emitter, metrics: metrics, clock: clk, logger: logger.Named("watchdog")}
}

// Start schedules the periodic sweep. It polls the online flag each tick
// and no-ops while the server hasn't bound (spec §5 cancellation).
func (w *Watchdog) Start(ctx context.Context) error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("watchdog: gocron.NewScheduler: %w", err)
	}
	w.cron = cron

	_, err = w.cron.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(w.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("watchdog: gocron.NewJob: %w", err)
	}
	w.cron.Start()
	return nil
}

// Stop shuts the scheduler down.
func (w *Watchdog) Stop() {
	if w.cron != nil {
		_ = w.cron.Shutdown()
	}
}

func (w *Watchdog) sweep() {
	if !w.store.ServerStatus().Online {
		return
	}
	now := w.clock.NowMS()
	emissions := w.store.WatchdogSweep(now, timeout.Milliseconds())
	if len(emissions) > 0 {
		w.logger.Debug("watchdog sweep flagged stale agents", zap.Int("emissions", len(emissions)))
	}
	if w.metrics != nil {
		for _, em := range emissions {
			if em.Event == model.EventDeviceUpsert {
				w.metrics.WatchdogOfflines.Inc()
			}
		}
	}
	w.emitter.Dispatch(emissions)
}
