// Package tasks implements the Task Coordinator (spec §4.5): creates task
// records, fans the dispatch frame out to connected agents' outbound
// channels, and lets the store decide the resulting queued/running
// transition and its emissions. Sending to an agent's channel is I/O, so
// it always happens after the store's CreateTask call has released its
// lock — never inside it.
package tasks

import (
	"github.com/pamod-madubashana/labscan/internal/clock"
	"github.com/pamod-madubashana/labscan/internal/events"
	"github.com/pamod-madubashana/labscan/internal/model"
	"github.com/pamod-madubashana/labscan/internal/store"
	"github.com/pamod-madubashana/labscan/internal/telemetry"
	"github.com/pamod-madubashana/labscan/internal/wire"
)

// Coordinator is the Control Surface's entry point for dispatching tasks.
type Coordinator struct {
	store   *store.Store
	emitter *events.Emitter
	metrics *telemetry.Metrics // nil when telemetry is disabled
	clock   clock.Clock
}

// New constructs a Coordinator.
func New(st *store.Store, emitter *events.Emitter, metrics *telemetry.Metrics, clk clock.Clock) *Coordinator {
	return &Coordinator{store: st, emitter: emitter, metrics: metrics, clock: clk}
}

// Dispatch runs spec §4.5's dispatch(agents, kind, params) algorithm in
// full: validate, create the task record, push the frame to every
// currently-connected assigned agent, finalize the queued/running
// decision, and emit task_update plus a task_started activity.
func (c *Coordinator) Dispatch(kind string, params map[string]any, agents []string) (*model.Task, error) {
	now := c.clock.NowMS()

	task, err := c.store.CreateTask(kind, params, agents, now)
	if err != nil {
		return nil, err
	}

	senders := c.store.ConnectedSenders(agents)
	frame, err := wire.Marshal(wire.TypeTask, now, "", wire.TaskPayload{TaskID: task.ID, Kind: kind, Params: params})
	if err != nil {
		return nil, err
	}

	dispatchedAny := false
	for _, agentID := range agents {
		sender, ok := senders[agentID]
		if !ok {
			continue // not connected: never receives the dispatch (spec §4.5)
		}
		sender.Send(frame)
		dispatchedAny = true
	}

	finalized, emissions := c.store.FinalizeDispatch(task.ID, dispatchedAny, c.clock.NowMS())
	c.emitter.Dispatch(emissions)
	if c.metrics != nil {
		c.metrics.TasksTotal.WithLabelValues(kind, "dispatched").Inc()
	}
	if finalized != nil {
		return finalized, nil
	}
	return task, nil
}
