package controlapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pamod-madubashana/labscan/internal/clock"
	"github.com/pamod-madubashana/labscan/internal/errs"
	"github.com/pamod-madubashana/labscan/internal/events"
	"github.com/pamod-madubashana/labscan/internal/model"
	"github.com/pamod-madubashana/labscan/internal/persistence"
	"github.com/pamod-madubashana/labscan/internal/store"
	"github.com/pamod-madubashana/labscan/internal/tasks"
)

type handlers struct {
	store       *store.Store
	coordinator *tasks.Coordinator
	emitter     *events.Emitter
	mirror      *persistence.Mirror // nil when persistence is disabled
	clock       clock.Clock
	logger      *zap.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.store.ServerStatus())
}

// getServerStatus implements the get_server_status command (spec §4.7):
// an in-memory view returned with no side effects.
func (h *handlers) getServerStatus(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.store.ServerStatus())
}

func (h *handlers) getDevicesSnapshot(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.store.DevicesSnapshot())
}

func (h *handlers) getTopologySnapshot(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.store.TopologySnapshot())
}

func (h *handlers) getTasksSnapshot(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.store.TasksSnapshot())
}

func (h *handlers) getActivitySnapshot(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.store.ActivitySnapshot())
}

type dispatchTaskRequest struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params"`
	Agents []string       `json:"agents"`
}

// dispatchTask implements dispatch_task(agents, kind, params) (spec §4.5,
// §4.7). invalid_command failures (empty agent list, unsupported kind) are
// returned to the caller with no state mutation (spec §7).
func (h *handlers) dispatchTask(w http.ResponseWriter, r *http.Request) {
	var req dispatchTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	task, err := h.coordinator.Dispatch(req.Kind, req.Params, req.Agents)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidCommand) {
			ErrBadRequest(w, err.Error())
			return
		}
		h.logger.Error("dispatch_task failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, task)
}

func (h *handlers) getPairToken(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]string{"pair_token": h.store.PairToken()})
}

// rotatePairToken implements rotate_pair_token: replaces the token, emits
// server_status, and logs the rotation (spec §4.7).
func (h *handlers) rotatePairToken(w http.ResponseWriter, r *http.Request) {
	now := h.clock.NowMS()
	newToken, emissions := h.store.RotatePairToken(now)
	h.emitter.Dispatch(emissions)
	if h.mirror != nil {
		h.mirror.RecordTokenRotation(now)
	}
	Ok(w, map[string]string{"pair_token": newToken})
}

type logFromUIRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

// logFromUI implements the supplemented log_from_ui(level, message,
// context) command (SPEC_FULL §12, grounded on the original Tauri
// prototype's log_debug/log_info/log_warn/log_error commands): appends a
// Log Event with no agent-id and emits log_event, reusing the existing
// ring — no new invariant.
func (h *handlers) logFromUI(w http.ResponseWriter, r *http.Request) {
	var req logFromUIRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	level := model.LogLevel(req.Level)
	switch level {
	case model.LogDebug, model.LogInfo, model.LogWarn, model.LogError:
	default:
		level = model.LogInfo
	}

	message := req.Message
	if req.Context != "" {
		message = req.Message + " (" + req.Context + ")"
	}

	emissions := h.store.AppendLog(level, "", message, h.clock.NowMS())
	h.emitter.Dispatch(emissions)
	Ok(w, map[string]bool{"ok": true})
}
