package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pamod-madubashana/labscan/internal/model"
)

func newTestMirror(t *testing.T) *Mirror {
	t.Helper()
	db, err := Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	return NewMirror(db, zap.NewNop())
}

func TestMirrorUpsertsDeviceOnConflict(t *testing.T) {
	m := newTestMirror(t)

	dev := &model.Device{AgentID: "a1", Hostname: "host-a1", Status: model.StatusOnline}
	require.NoError(t, m.Emit(model.EventDeviceUpsert, dev))

	dev.Status = model.StatusOffline
	dev.Hostname = "host-a1-renamed"
	require.NoError(t, m.Emit(model.EventDeviceUpsert, dev))

	var rows []DeviceRow
	require.NoError(t, m.db.Find(&rows).Error)
	require.Len(t, rows, 1, "second upsert for the same agent_id must update, not insert")
	assert.Equal(t, "host-a1-renamed", rows[0].Hostname)
	assert.Equal(t, string(model.StatusOffline), rows[0].Status)
}

func TestMirrorInsertsActivityAndLogRows(t *testing.T) {
	m := newTestMirror(t)

	require.NoError(t, m.Emit(model.EventActivity, &model.ActivityEvent{
		Kind: model.ActivityDeviceConnected, AgentID: "a1", Message: "a1 connected", TimestampMS: 1000,
	}))
	require.NoError(t, m.Emit(model.EventLog, &model.LogEvent{
		Level: model.LogInfo, Message: "server started", TimestampMS: 1000,
	}))

	var activity []ActivityRow
	require.NoError(t, m.db.Find(&activity).Error)
	require.Len(t, activity, 1)
	assert.Equal(t, "a1 connected", activity[0].Message)

	var logs []LogRow
	require.NoError(t, m.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "server started", logs[0].Message)
}

func TestMirrorIgnoresUnmirroredEvents(t *testing.T) {
	m := newTestMirror(t)

	assert.NoError(t, m.Emit(model.EventServerStatus, "whatever"))

	var devices []DeviceRow
	require.NoError(t, m.db.Find(&devices).Error)
	assert.Empty(t, devices)
}

func TestRecordTokenRotationWritesAuditRow(t *testing.T) {
	m := newTestMirror(t)

	m.RecordTokenRotation(5000)

	var rows []TokenRotationRow
	require.NoError(t, m.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(5000), rows[0].RotatedAtMS)
}
