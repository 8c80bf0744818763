package telemetry

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/pamod-madubashana/labscan/internal/model"
	"github.com/pamod-madubashana/labscan/internal/store"
)

const reportInterval = 5 * time.Second

// Reporter periodically samples the store's read-only snapshots and
// updates the gauges that have no single emission point of their own
// (device counts by status, topology revision, connected agent count).
// Modeled on the same gocron.DurationJob singleton pattern the broadcast
// provisioner and watchdog use for their own fixed-interval sweeps.
type Reporter struct {
	store     *store.Store
	metrics   *Metrics
	scheduler gocron.Scheduler
	logger    *zap.Logger
}

// NewReporter builds an idle Reporter. Call Start to begin sampling.
func NewReporter(st *store.Store, metrics *Metrics, logger *zap.Logger) (*Reporter, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Reporter{store: st, metrics: metrics, scheduler: sched, logger: logger.Named("telemetry")}, nil
}

// Start registers the sampling job and begins the scheduler.
func (rep *Reporter) Start(ctx context.Context) error {
	_, err := rep.scheduler.NewJob(
		gocron.DurationJob(reportInterval),
		gocron.NewTask(rep.sample),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	rep.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down.
func (rep *Reporter) Stop() error {
	return rep.scheduler.Shutdown()
}

func (rep *Reporter) sample() {
	devices := rep.store.DevicesSnapshot()
	counts := map[model.DeviceStatus]int{model.StatusOnline: 0, model.StatusOffline: 0}
	for _, d := range devices {
		counts[d.Status]++
	}
	rep.metrics.DevicesTotal.WithLabelValues(string(model.StatusOnline)).Set(float64(counts[model.StatusOnline]))
	rep.metrics.DevicesTotal.WithLabelValues(string(model.StatusOffline)).Set(float64(counts[model.StatusOffline]))

	rep.metrics.ConnectedAgents.Set(float64(rep.store.ConnectedCount()))

	topo := rep.store.TopologySnapshot()
	if topo != nil {
		rep.metrics.TopologyRevision.Set(float64(topo.Revision))
	}
}
