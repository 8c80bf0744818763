package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pamod-madubashana/labscan/internal/errs"
	"github.com/pamod-madubashana/labscan/internal/model"
)

func TestCreateTaskRejectsEmptyAgentsAndBadKind(t *testing.T) {
	st, clk := newTestStore(1000)

	_, err := st.CreateTask("ping", nil, nil, clk.NowMS())
	assert.ErrorIs(t, err, errs.ErrInvalidCommand)

	_, err = st.CreateTask("not_a_kind", nil, []string{"a1"}, clk.NowMS())
	assert.ErrorIs(t, err, errs.ErrInvalidCommand)
}

func TestDispatchLifecycleToDone(t *testing.T) {
	st, clk := newTestStore(1000)
	registerDevice(t, st, "a1", clk.NowMS())
	registerDevice(t, st, "a2", clk.NowMS())

	task, err := st.CreateTask("ping", nil, []string{"a1", "a2"}, clk.NowMS())
	require.NoError(t, err)
	assert.Equal(t, model.TaskQueued, task.Status)

	finalized, emissions := st.FinalizeDispatch(task.ID, true, clk.NowMS())
	require.NotNil(t, finalized)
	assert.Equal(t, model.TaskRunning, finalized.Status)
	assert.NotEmpty(t, emissions)

	_, _, err = st.RecordTaskResult(task.ID, "a1", true, map[string]any{"ok": true}, "", clk.NowMS())
	require.NoError(t, err)

	updated, emissions, err := st.RecordTaskResult(task.ID, "a2", true, map[string]any{"ok": true}, "", clk.NowMS())
	require.NoError(t, err)
	assert.Equal(t, model.TaskDone, updated.Status)

	updateCount := 0
	for _, e := range emissions {
		if e.Event == model.EventTaskUpdate {
			updateCount++
		}
	}
	assert.Equal(t, 1, updateCount, "exactly one task_update per RecordTaskResult call")
}

func TestDispatchLifecycleToFailedOnAnyFailure(t *testing.T) {
	st, clk := newTestStore(1000)
	registerDevice(t, st, "a1", clk.NowMS())

	task, err := st.CreateTask("ping", nil, []string{"a1"}, clk.NowMS())
	require.NoError(t, err)
	st.FinalizeDispatch(task.ID, true, clk.NowMS())

	updated, _, err := st.RecordTaskResult(task.ID, "a1", false, nil, "unreachable", clk.NowMS())
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, updated.Status)
}

func TestRecordTaskResultIgnoresUnassignedAgent(t *testing.T) {
	st, clk := newTestStore(1000)
	registerDevice(t, st, "a1", clk.NowMS())

	task, err := st.CreateTask("ping", nil, []string{"a1"}, clk.NowMS())
	require.NoError(t, err)
	st.FinalizeDispatch(task.ID, true, clk.NowMS())

	updated, emissions, err := st.RecordTaskResult(task.ID, "not-assigned", true, nil, "", clk.NowMS())
	assert.NoError(t, err)
	assert.Nil(t, updated)
	assert.Nil(t, emissions)
}

func TestRecordTaskResultUnknownTask(t *testing.T) {
	st, clk := newTestStore(1000)
	_, _, err := st.RecordTaskResult("does-not-exist", "a1", true, nil, "", clk.NowMS())
	assert.True(t, errors.Is(err, errs.ErrUnknownTask))
}
