package controlapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pamod-madubashana/labscan/internal/clock"
	"github.com/pamod-madubashana/labscan/internal/events"
	"github.com/pamod-madubashana/labscan/internal/persistence"
	"github.com/pamod-madubashana/labscan/internal/store"
	"github.com/pamod-madubashana/labscan/internal/tasks"
	"github.com/pamod-madubashana/labscan/internal/telemetry"
)

// RouterConfig holds every dependency the Control Surface needs, mirroring
// the teacher's RouterConfig pattern of one flat struct per router rather
// than a long constructor parameter list.
type RouterConfig struct {
	Store       *store.Store
	Coordinator *tasks.Coordinator
	Emitter     *events.Emitter
	Mirror      *persistence.Mirror // nil when persistence is disabled
	Metrics     *telemetry.Metrics
	Clock       clock.Clock
	Logger      *zap.Logger
	UIBus       http.Handler // LoopbackBus.ServeHTTP for the event-stream upgrade
}

// NewRouter builds the chi router exposing the Control Surface's command
// endpoints plus health, metrics, and the UI event-stream upgrade.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	h := &handlers{store: cfg.Store, coordinator: cfg.Coordinator, emitter: cfg.Emitter, mirror: cfg.Mirror, clock: cfg.Clock, logger: cfg.Logger}

	r.Get("/healthz", h.health)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}
	if cfg.UIBus != nil {
		r.Handle("/events", cfg.UIBus)
	}

	r.Route("/control", func(r chi.Router) {
		r.Get("/server_status", h.getServerStatus)
		r.Get("/devices_snapshot", h.getDevicesSnapshot)
		r.Get("/topology_snapshot", h.getTopologySnapshot)
		r.Get("/tasks_snapshot", h.getTasksSnapshot)
		r.Get("/activity_snapshot", h.getActivitySnapshot)
		r.Post("/dispatch_task", h.dispatchTask)
		r.Get("/pair_token", h.getPairToken)
		r.Post("/rotate_pair_token", h.rotatePairToken)
		r.Post("/log_from_ui", h.logFromUI)
	})

	return r
}

// requestLogger logs every request with method, path, status, and latency,
// the same shape as the teacher's RequestLogger middleware.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("control request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
			)
		})
	}
}
