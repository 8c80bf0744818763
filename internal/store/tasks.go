package store

import (
	"fmt"

	"github.com/pamod-madubashana/labscan/internal/clock"
	"github.com/pamod-madubashana/labscan/internal/errs"
	"github.com/pamod-madubashana/labscan/internal/model"
)

// CreateTask validates and inserts a new task record with status queued
// (spec §4.5 steps 1-3). Dispatch itself — pushing frames to connected
// agents and deciding queued->running — happens outside the lock via
// ConnectedSenders + FinalizeDispatch, since sends must never happen while
// holding the store's mutex.
func (s *Store) CreateTask(kind string, params map[string]any, agents []string, now int64) (*model.Task, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("%w: at least one agent is required", errs.ErrInvalidCommand)
	}
	if !model.ValidTaskKind(kind) {
		return nil, fmt.Errorf("%w: unsupported task kind", errs.ErrInvalidCommand)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &model.Task{
		ID:             clock.NewID(),
		Kind:           model.TaskKind(kind),
		Params:         params,
		AssignedAgents: append([]string(nil), agents...),
		Status:         model.TaskQueued,
		CreatedAtMS:    now,
	}
	s.tasks[t.ID] = t
	s.taskOrder = append(s.taskOrder, t.ID)
	return t.Clone(), nil
}

// FinalizeDispatch records the outcome of attempting to push the task's
// frame to its assigned agents' channels: if at least one send succeeded,
// the task moves queued->running and its started-at is stamped. Always
// emits task_update and a task_started activity regardless of outcome
// (spec §4.5 step 5).
func (s *Store) FinalizeDispatch(taskID string, dispatchedAny bool, now int64) (*model.Task, []model.Emission) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}

	if dispatchedAny && t.Status == model.TaskQueued {
		t.Status = model.TaskRunning
		t.StartedAtMS = now
	}

	emissions := []model.Emission{{Event: model.EventTaskUpdate, Payload: t.Clone()}}
	msg := fmt.Sprintf("task %s (%s) dispatched to 0 of %d agent(s)", t.ID, t.Kind, len(t.AssignedAgents))
	if dispatchedAny {
		msg = fmt.Sprintf("task %s (%s) dispatched to at least one of %d agent(s)", t.ID, t.Kind, len(t.AssignedAgents))
	}
	if ev, emit := s.appendActivityLocked(model.ActivityTaskStarted, "", "task:"+t.ID, msg, now); emit {
		emissions = append(emissions, model.Emission{Event: model.EventActivity, Payload: ev})
	}
	return t.Clone(), emissions
}

// RecordTaskResult upserts agentID's report against taskID, replacing any
// prior report from the same agent, and decides terminal status once every
// assigned agent has reported (spec §4.2 task_result transition, §4.5).
// Reports from agents not in the task's assigned list are ignored —
// otherwise the terminal-count invariant (len(results)==len(assigned))
// could never hold.
func (s *Store) RecordTaskResult(taskID, agentID string, ok bool, result any, errStr string, now int64) (*model.Task, []model.Emission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return nil, nil, errUnknownTask
	}
	if !containsAgent(t.AssignedAgents, agentID) {
		return nil, nil, nil
	}

	replaced := false
	for i := range t.Results {
		if t.Results[i].AgentID == agentID {
			t.Results[i] = model.TaskResult{AgentID: agentID, OK: ok, Result: result, Error: errStr, TimestampMS: now}
			replaced = true
			break
		}
	}
	if !replaced {
		t.Results = append(t.Results, model.TaskResult{AgentID: agentID, OK: ok, Result: result, Error: errStr, TimestampMS: now})
	}

	var activityEmission *model.Emission
	if len(t.Results) == len(t.AssignedAgents) && (t.Status == model.TaskQueued || t.Status == model.TaskRunning) {
		allOK := true
		for _, r := range t.Results {
			if !r.OK {
				allOK = false
				break
			}
		}
		t.EndedAtMS = now
		kind := model.ActivityTaskCompleted
		if allOK {
			t.Status = model.TaskDone
		} else {
			t.Status = model.TaskFailed
			kind = model.ActivityTaskFailed
		}
		msg := fmt.Sprintf("task %s (%s) finished: %s", t.ID, t.Kind, t.Status)
		if ev, emit := s.appendActivityLocked(kind, "", "task:"+t.ID, msg, now); emit {
			activityEmission = &model.Emission{Event: model.EventActivity, Payload: ev}
		}
	}

	emissions := []model.Emission{{Event: model.EventTaskUpdate, Payload: t.Clone()}}
	if activityEmission != nil {
		emissions = append(emissions, *activityEmission)
	}

	return t.Clone(), emissions, nil
}

func containsAgent(agents []string, id string) bool {
	for _, a := range agents {
		if a == id {
			return true
		}
	}
	return false
}

// TasksSnapshot returns every task, in creation order.
func (s *Store) TasksSnapshot() []*model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Task, 0, len(s.taskOrder))
	for _, id := range s.taskOrder {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}
