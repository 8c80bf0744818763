package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pamod-madubashana/labscan/internal/clock"
	"github.com/pamod-madubashana/labscan/internal/model"
	"github.com/pamod-madubashana/labscan/internal/wire"
)

func newTestStore(startMS int64) (*Store, *clock.Fake) {
	clk := clock.NewFake(startMS)
	st := New(clk, zap.NewNop(), Config{WSPort: 7777, UDPPort: 7779, PairToken: "seed-token"})
	return st, clk
}

type fakeSender struct {
	sent []wire.Frame
}

func (f *fakeSender) Send(fr wire.Frame) { f.sent = append(f.sent, fr) }

func registerDevice(t *testing.T, st *Store, agentID string, now int64) *fakeSender {
	t.Helper()
	sender := &fakeSender{}
	_, _, err := st.Register(wire.RegisterPayload{
		AgentID:  agentID,
		Secret:   "seed-token",
		Hostname: "host-" + agentID,
		IPs:      []string{"10.0.0.5"},
		OS:       "linux",
		Version:  "1.0.0",
		Network:  wire.NetworkPayload{IP: "10.0.0.5", SubnetCIDR: "10.0.0.0/24", DefaultGateway: "10.0.0.1"},
	}, "seed-token", now, sender)
	require.NoError(t, err)
	return sender
}

func TestRegisterRejectsBadSecret(t *testing.T) {
	st, clk := newTestStore(1000)
	_, emissions, err := st.Register(wire.RegisterPayload{AgentID: "a1", Secret: "wrong"}, "wrong", clk.NowMS(), &fakeSender{})
	assert.Error(t, err)
	assert.Nil(t, emissions)
}

func TestRegisterMarksDeviceOnlineAndConnected(t *testing.T) {
	st, clk := newTestStore(1000)
	registerDevice(t, st, "a1", clk.NowMS())

	devices := st.DevicesSnapshot()
	require.Len(t, devices, 1)
	assert.Equal(t, model.StatusOnline, devices[0].Status)
	assert.Equal(t, 1, st.ConnectedCount())
}

func TestDisconnectMarksOffline(t *testing.T) {
	st, clk := newTestStore(1000)
	registerDevice(t, st, "a1", clk.NowMS())

	emissions := st.Disconnect("a1", clk.NowMS())
	assert.NotEmpty(t, emissions)

	devices := st.DevicesSnapshot()
	require.Len(t, devices, 1)
	assert.Equal(t, model.StatusOffline, devices[0].Status)
	assert.Equal(t, 0, st.ConnectedCount())
}

func TestWatchdogSweepRespectsStrictBoundary(t *testing.T) {
	st, clk := newTestStore(1000)
	registerDevice(t, st, "a1", clk.NowMS())

	// Exactly timeoutMS old must NOT be marked offline (strict >, not >=).
	clk.Advance(5000)
	emissions := st.WatchdogSweep(clk.NowMS(), 5000)
	assert.Empty(t, emissions)
	assert.Equal(t, model.StatusOnline, st.DevicesSnapshot()[0].Status)

	// One millisecond further must trip it.
	clk.Advance(1)
	emissions = st.WatchdogSweep(clk.NowMS(), 5000)
	assert.NotEmpty(t, emissions)
	assert.Equal(t, model.StatusOffline, st.DevicesSnapshot()[0].Status)
}

func TestDeviceUpsertThrottle(t *testing.T) {
	st, clk := newTestStore(1000)
	registerDevice(t, st, "a1", clk.NowMS())

	// Heartbeat immediately after register: within the 1s throttle window,
	// so this heartbeat must not re-emit device_upsert.
	_, emissions, err := st.Heartbeat("a1", wire.HeartbeatPayload{LastSeen: clk.NowMS()}, clk.NowMS())
	require.NoError(t, err)
	hasUpsert := false
	for _, e := range emissions {
		if e.Event == model.EventDeviceUpsert {
			hasUpsert = true
		}
	}
	assert.False(t, hasUpsert, "throttled heartbeat should not re-emit device_upsert")

	clk.Advance(deviceUpsertThrottleMS + 1)
	_, emissions, err = st.Heartbeat("a1", wire.HeartbeatPayload{LastSeen: clk.NowMS()}, clk.NowMS())
	require.NoError(t, err)
	hasUpsert = false
	for _, e := range emissions {
		if e.Event == model.EventDeviceUpsert {
			hasUpsert = true
		}
	}
	assert.True(t, hasUpsert, "heartbeat past the throttle window should emit device_upsert")
}

func TestActivityDedupeCoalescesWithinWindow(t *testing.T) {
	st, _ := newTestStore(1000)

	ev1, emit1 := st.appendActivityLocked(model.ActivityDeviceConnected, "a1", "a1", "a1 connected", 1000)
	require.True(t, emit1)
	require.Equal(t, 0, ev1.Count)

	// Second event of the same kind+agent within the dedupe window merges
	// into the existing entry and bumps its count, rather than emitting a
	// brand-new entry.
	ev2, emit2 := st.appendActivityLocked(model.ActivityDeviceConnected, "a1", "a1", "a1 connected again", 1000+activityDedupeMS-1)
	assert.True(t, emit2)
	assert.Equal(t, ev1.ID, ev2.ID)
	assert.Equal(t, 2, ev2.Count, "first coalesce bumps an absent count straight to 2")
}

func TestActivityRateLimitDropsRapidDistinctEvents(t *testing.T) {
	st, _ := newTestStore(1000)

	_, emit1 := st.appendActivityLocked(model.ActivityDeviceConnected, "a1", "a1", "first", 1000)
	require.True(t, emit1)

	// A different kind for the same agent inside the 5s rate-limit window,
	// after the dedupe window already decided not to coalesce it, must be
	// dropped outright rather than flooding the feed.
	_, emit2 := st.appendActivityLocked(model.ActivityTaskStarted, "a1", "a1", "second", 1000+activityRateLimitMS-1)
	assert.False(t, emit2)

	_, emit3 := st.appendActivityLocked(model.ActivityTaskStarted, "a1", "a1", "third", 1000+activityRateLimitMS+1)
	assert.True(t, emit3)
}

func TestActivityRateLimitBucketsAgentlessTaskActivityPerTask(t *testing.T) {
	st, _ := newTestStore(1000)

	_, emit1 := st.appendActivityLocked(model.ActivityTaskStarted, "", "task:t1", "task 1 started", 1000)
	require.True(t, emit1)

	// A different kind, for a distinct task, also agentless, inside the
	// same 5s window: different kind means the dedupe branch doesn't
	// apply, so this exercises the rate-limit bucket directly. Before
	// bucketing agentless task activities by task ID, both shared the ""
	// bucket and this would have been dropped.
	_, emit2 := st.appendActivityLocked(model.ActivityTaskCompleted, "", "task:t2", "task 2 completed", 1000+activityRateLimitMS-1)
	assert.True(t, emit2, "distinct tasks must not share a rate-limit bucket")
}

func TestRotatePairTokenChangesTokenAndEmits(t *testing.T) {
	st, clk := newTestStore(1000)
	before := st.PairToken()

	newToken, emissions := st.RotatePairToken(clk.NowMS())
	assert.NotEqual(t, before, newToken)
	assert.Equal(t, newToken, st.PairToken())
	assert.NotEmpty(t, emissions)
}
