package events

import (
	"go.uber.org/zap"

	"github.com/pamod-madubashana/labscan/internal/model"
)

// Emitter is the single API surface callers use to hand already-decided
// Emissions (produced by a store mutation) to the UI bus. It never blocks:
// a send failure is logged and swallowed (spec §4.3, §5).
type Emitter struct {
	bus    Bus
	logger *zap.Logger
}

// New creates an Emitter over bus.
func New(bus Bus, logger *zap.Logger) *Emitter {
	return &Emitter{bus: bus, logger: logger.Named("emitter")}
}

// Dispatch delivers every emission in order. Call this only after releasing
// any store lock — it is forbidden to hold the store's mutex across a
// Dispatch call (spec §5).
func (e *Emitter) Dispatch(emissions []model.Emission) {
	for _, em := range emissions {
		if err := e.bus.Emit(em.Event, em.Payload); err != nil {
			e.logger.Warn("ui emit failed",
				zap.String("event", em.Event),
				zap.Error(err),
			)
		}
	}
}

// DispatchOne is a convenience wrapper for call sites that only ever
// produce a single emission.
func (e *Emitter) DispatchOne(event string, payload any) {
	e.Dispatch([]model.Emission{{Event: event, Payload: payload}})
}
