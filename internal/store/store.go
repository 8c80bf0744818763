// Package store holds the single-writer, single-mutex state at the center
// of the system (spec §2, §3, §9): device records, task records, the log
// and activity rings, the outbound-channel map, throttle bookkeeping, and
// the last-emitted topology snapshot. Every mutator follows the same shape:
// acquire the mutex, mutate, decide which UI events the mutation earns,
// release, and return those decisions as a []model.Emission — the caller
// (never the store) hands them to the event emitter. Holding the mutex
// across a send or emission is a bug by construction: the lock is never
// held past the point a method returns.
package store

import (
	"sync"

	"go.uber.org/zap"

	"github.com/pamod-madubashana/labscan/internal/clock"
	"github.com/pamod-madubashana/labscan/internal/errs"
	"github.com/pamod-madubashana/labscan/internal/model"
	"github.com/pamod-madubashana/labscan/internal/topology"
	"github.com/pamod-madubashana/labscan/internal/wire"
)

const (
	logCap      = 400
	activityCap = 200

	deviceUpsertThrottleMS = 1000
	activityRateLimitMS    = 5000
	activityDedupeMS       = 30000
)

// Sender is the subset of session.Outbound the store needs: enough to hand
// a device a frame without importing the session package (which in turn
// depends on wire and, at the handler level, on the store itself).
type Sender interface {
	Send(wire.Frame)
}

// Store is the authoritative in-memory state. Zero value is not usable;
// construct with New.
type Store struct {
	mu     sync.Mutex
	clock  clock.Clock
	logger *zap.Logger

	online  bool
	wsPort  int
	udpPort int
	pairToken string

	devices     map[string]*model.Device
	deviceOrder []string
	connections map[string]Sender

	tasks     map[string]*model.Task
	taskOrder []string

	logs     []model.LogEvent
	activity []model.ActivityEvent

	lastDeviceEmitMS   map[string]int64
	lastActivityEmitMS map[string]int64

	topology         *model.Topology
	topologyKey      string
	topologyRevision int64

	admin model.AdminFacts
}

// Config seeds the fixed, non-mutating facts a Store needs at construction.
type Config struct {
	WSPort    int
	UDPPort   int
	PairToken string
}

// New constructs an empty Store. The pair token is seeded from cfg; the
// server starts offline until SetOnline(true) is called by whatever binds
// the WebSocket listener.
func New(clk clock.Clock, logger *zap.Logger, cfg Config) *Store {
	return &Store{
		clock:     clk,
		logger:    logger.Named("store"),
		wsPort:    cfg.WSPort,
		udpPort:   cfg.UDPPort,
		pairToken: cfg.PairToken,

		devices:     make(map[string]*model.Device),
		connections: make(map[string]Sender),
		tasks:       make(map[string]*model.Task),

		lastDeviceEmitMS:   make(map[string]int64),
		lastActivityEmitMS: make(map[string]int64),

		topology: &model.Topology{},
	}
}

// SetOnline flips the server's online flag. Returns a server_status
// emission only on an actual edge (spec §4.3); a call that doesn't change
// the flag is a silent noop.
func (s *Store) SetOnline(online bool) []model.Emission {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return nil
	}
	s.online = online
	return []model.Emission{{Event: model.EventServerStatus, Payload: s.statusLocked()}}
}

// ServerStatus returns the current derived status view.
func (s *Store) ServerStatus() model.ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Store) statusLocked() model.ServerStatus {
	return model.ServerStatus{Online: s.online, WSPort: s.wsPort, UDPPort: s.udpPort}
}

// PairToken returns the current pair token, for the Control Surface's
// get_pair_token command and the Broadcast Provisioner's advertisement
// frames.
func (s *Store) PairToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairToken
}

// ValidateSecret reports whether secret matches the current pair token.
// Exposed so the session handler can reply immediately with an auth_failed
// error before even calling Register.
func (s *Store) ValidateSecret(secret string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return secret == s.pairToken
}

// RotatePairToken replaces the pair token, logs the rotation, and emits
// server_status so the UI re-fetches it (spec §4.7). Existing sessions are
// not affected — rotation is checked only at register time.
func (s *Store) RotatePairToken(now int64) (string, []model.Emission) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newToken := clock.NewID()
	s.pairToken = newToken

	logEv := s.appendLogLocked(model.LogInfo, "", "pair token rotated", now)
	return newToken, []model.Emission{
		{Event: model.EventLog, Payload: logEv},
		{Event: model.EventServerStatus, Payload: s.statusLocked()},
	}
}

// SetAdminFacts records the admin host's own network identity (from the
// Network Probe Helpers) and rebuilds topology if it changed anything
// observable.
func (s *Store) SetAdminFacts(facts model.AdminFacts, now int64) []model.Emission {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admin = facts
	return s.rebuildTopologyLocked(now)
}

// appendLogLocked pushes a log entry to the front of the ring (capacity
// logCap, newest first) and returns it. Logs are never throttled.
func (s *Store) appendLogLocked(level model.LogLevel, agentID, message string, now int64) *model.LogEvent {
	ev := model.LogEvent{
		ID:          clock.NewID(),
		Level:       level,
		AgentID:     agentID,
		Message:     message,
		TimestampMS: now,
	}
	s.logs = append([]model.LogEvent{ev}, s.logs...)
	if len(s.logs) > logCap {
		s.logs = s.logs[:logCap]
	}
	return &ev
}

// LogSnapshot returns the current log ring, newest first.
func (s *Store) LogSnapshot() []model.LogEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.LogEvent, len(s.logs))
	copy(out, s.logs)
	return out
}

// AppendLog is the entry point for components that need to surface a log
// line outside of a device mutation (e.g. bind failures, the supplemented
// log_from_ui command). Always emitted.
func (s *Store) AppendLog(level model.LogLevel, agentID, message string, now int64) []model.Emission {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.appendLogLocked(level, agentID, message, now)
	return []model.Emission{{Event: model.EventLog, Payload: ev}}
}

// appendActivityLocked implements the dedupe/coalesce and per-bucket
// rate-limit rules of spec §4.3 exactly:
//
//  1. If the newest ring entry has the same kind and agent-id and is within
//     activityDedupeMS of now, bump its count and timestamp in place —
//     this always happens, bypassing the rate limit entirely.
//  2. Otherwise, if the last emission for this rate-limit bucket was within
//     activityRateLimitMS, the event is dropped: neither recorded nor
//     emitted.
//  3. Otherwise a fresh entry is pushed to the front of the ring.
//
// rateKey buckets the rate limit independently of the AgentID recorded on
// the event: device activities bucket per agent, but agentless task
// activities (AgentID "") bucket per task so two unrelated tasks finishing
// within the same window don't suppress each other's activity entry.
func (s *Store) appendActivityLocked(kind model.ActivityKind, agentID, rateKey, message string, now int64) (*model.ActivityEvent, bool) {
	if len(s.activity) > 0 {
		newest := &s.activity[0]
		if newest.Kind == kind && newest.AgentID == agentID && now-newest.TimestampMS <= activityDedupeMS {
			if newest.Count == 0 {
				newest.Count = 2
			} else {
				newest.Count++
			}
			newest.TimestampMS = now
			s.lastActivityEmitMS[rateKey] = now
			cp := *newest
			return &cp, true
		}
	}

	if last, ok := s.lastActivityEmitMS[rateKey]; ok && now-last < activityRateLimitMS {
		return nil, false
	}

	ev := model.ActivityEvent{
		ID:          clock.NewID(),
		Kind:        kind,
		AgentID:     agentID,
		Message:     message,
		TimestampMS: now,
	}
	s.activity = append([]model.ActivityEvent{ev}, s.activity...)
	if len(s.activity) > activityCap {
		s.activity = s.activity[:activityCap]
	}
	s.lastActivityEmitMS[rateKey] = now
	return &ev, true
}

// ActivitySnapshot returns the current activity ring, newest first.
func (s *Store) ActivitySnapshot() []model.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ActivityEvent, len(s.activity))
	copy(out, s.activity)
	return out
}

// prepareDeviceUpsertLocked decides whether a device_upsert for agentID is
// allowed to fire right now, applying the 1-second-per-agent throttle
// unless force is set (register, status change to offline, disconnect,
// watchdog — spec §4.3).
func (s *Store) prepareDeviceUpsertLocked(agentID string, now int64, force bool) bool {
	if !force {
		if last, ok := s.lastDeviceEmitMS[agentID]; ok && now-last < deviceUpsertThrottleMS {
			return false
		}
	}
	s.lastDeviceEmitMS[agentID] = now
	return true
}

// rebuildTopologyLocked re-derives the topology from the current device
// map and admin facts, replacing the stored snapshot and bumping the
// revision only if the structural key changed (spec §4.6 step 7).
func (s *Store) rebuildTopologyLocked(now int64) []model.Emission {
	devices := make([]*model.Device, 0, len(s.deviceOrder))
	for _, id := range s.deviceOrder {
		devices = append(devices, s.devices[id])
	}
	t := topology.Build(devices, s.admin)
	key := topology.StructuralKey(t)
	if key == s.topologyKey {
		return nil
	}
	s.topologyRevision++
	t.Revision = s.topologyRevision
	t.UpdatedAtMS = now
	s.topology = t
	s.topologyKey = key

	return []model.Emission{
		{Event: model.EventTopologySnapshot, Payload: t},
		{Event: model.EventTopologyChanged, Payload: t},
	}
}

// TopologySnapshot returns the last-built topology.
func (s *Store) TopologySnapshot() *model.Topology {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topology
}

// errUnknownAgent and errUnknownTask are thin local wrappers so callers can
// still errors.Is against the shared errs sentinels.
var (
	errUnknownAgent = errs.ErrUnknownAgent
	errUnknownTask  = errs.ErrUnknownTask
)
