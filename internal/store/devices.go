package store

import (
	"fmt"

	"github.com/pamod-madubashana/labscan/internal/errs"
	"github.com/pamod-madubashana/labscan/internal/model"
	"github.com/pamod-madubashana/labscan/internal/wire"
)

// Register upserts a device from a register frame's payload (spec §4.2
// Unregistered->Registered transition). secret must already have passed
// ValidateSecret at the call site if the caller wants a cheap early
// rejection, but Register re-checks it atomically against the token in
// effect at the moment of the upsert, since a rotation could land between
// the two calls.
func (s *Store) Register(p wire.RegisterPayload, secret string, now int64, sender Sender) (*model.Device, []model.Emission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if secret != s.pairToken {
		return nil, nil, errs.ErrAuthFailed
	}

	existing, isNew := s.devices[p.AgentID]

	dev := &model.Device{
		AgentID:      p.AgentID,
		Hostname:     p.Hostname,
		IPs:          append([]string(nil), p.IPs...),
		OS:           p.OS,
		Arch:         p.Arch,
		AgentVersion: p.Version,
		Status:       model.StatusOnline,
		LastSeenMS:   now,
		Network:      networkFromWire(p.Network),
	}
	if existing != nil {
		dev.FirstSeenMS = existing.FirstSeenMS
		dev.Health = existing.Health
	} else {
		dev.FirstSeenMS = now
		isNew = true
		s.deviceOrder = append(s.deviceOrder, p.AgentID)
	}
	s.devices[p.AgentID] = dev
	s.connections[p.AgentID] = sender

	var emissions []model.Emission
	if s.prepareDeviceUpsertLocked(p.AgentID, now, true) {
		emissions = append(emissions, model.Emission{Event: model.EventDeviceUpsert, Payload: dev.Clone()})
	}
	if isNew {
		if ev, ok := s.appendActivityLocked(model.ActivityDeviceConnected, p.AgentID, p.AgentID, fmt.Sprintf("%s connected", dev.Hostname), now); ok {
			emissions = append(emissions, model.Emission{Event: model.EventActivity, Payload: ev})
		}
	}
	emissions = append(emissions, s.rebuildTopologyLocked(now)...)

	return dev.Clone(), emissions, nil
}

// Heartbeat applies a heartbeat frame to an already-registered device
// (spec §4.2 Registered->Registered transition).
func (s *Store) Heartbeat(agentID string, p wire.HeartbeatPayload, now int64) (*model.Device, []model.Emission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[agentID]
	if !ok {
		return nil, nil, errUnknownAgent
	}

	lastSeen := p.LastSeen
	if lastSeen <= 0 {
		lastSeen = now
	}
	dev.LastSeenMS = lastSeen

	newStatus := model.StatusOnline
	if p.Status != "" {
		newStatus = model.DeviceStatus(p.Status)
	}
	statusChanged := dev.Status != newStatus
	if statusChanged {
		dev.Status = newStatus
	}

	var emissions []model.Emission

	if p.Metrics != nil {
		if p.Metrics.LatencyMS != nil {
			dev.LatencyMS = *p.Metrics.LatencyMS
		}
		if p.Metrics.InternetReachable != nil && *p.Metrics.InternetReachable != dev.Health.InternetReachable {
			dev.Health.InternetReachable = *p.Metrics.InternetReachable
			dev.Health.InternetChangedAtMS = now
			emissions = append(emissions, s.emitTransitionLocked(model.ActivityInternetStatusChanged, agentID, dev, now)...)
		}
		if p.Metrics.DNSOK != nil && *p.Metrics.DNSOK != dev.Health.DNSOK {
			dev.Health.DNSOK = *p.Metrics.DNSOK
			dev.Health.DNSChangedAtMS = now
			emissions = append(emissions, s.emitTransitionLocked(model.ActivityDNSStatusChanged, agentID, dev, now)...)
		}
		if p.Metrics.GatewayReachable != nil && *p.Metrics.GatewayReachable != dev.Health.GatewayReachable {
			dev.Health.GatewayReachable = *p.Metrics.GatewayReachable
			dev.Health.GatewayChangedAtMS = now
		}
	}

	if p.Network != nil {
		dev.Network = networkFromWire(*p.Network)
	}

	if statusChanged {
		emissions = append(emissions, s.emitTransitionLocked(model.ActivityDeviceStatusChanged, agentID, dev, now)...)
	}

	force := statusChanged && newStatus == model.StatusOffline
	if s.prepareDeviceUpsertLocked(agentID, now, force) {
		emissions = append(emissions, model.Emission{Event: model.EventDeviceUpsert, Payload: dev.Clone()})
	}

	if p.Network != nil {
		emissions = append(emissions, s.rebuildTopologyLocked(now)...)
	}

	return dev.Clone(), emissions, nil
}

// emitTransitionLocked records the log + activity pair spec §4.2 requires
// for status / internet-reachable / dns-ok transitions observed on
// heartbeat.
func (s *Store) emitTransitionLocked(kind model.ActivityKind, agentID string, dev *model.Device, now int64) []model.Emission {
	msg := transitionMessage(kind, dev)
	var out []model.Emission
	logEv := s.appendLogLocked(model.LogInfo, agentID, msg, now)
	out = append(out, model.Emission{Event: model.EventLog, Payload: logEv})
	if ev, ok := s.appendActivityLocked(kind, agentID, agentID, msg, now); ok {
		out = append(out, model.Emission{Event: model.EventActivity, Payload: ev})
	}
	return out
}

func transitionMessage(kind model.ActivityKind, dev *model.Device) string {
	switch kind {
	case model.ActivityInternetStatusChanged:
		return fmt.Sprintf("%s internet reachability changed to %v", dev.Hostname, dev.Health.InternetReachable)
	case model.ActivityDNSStatusChanged:
		return fmt.Sprintf("%s dns resolution changed to %v", dev.Hostname, dev.Health.DNSOK)
	case model.ActivityDeviceStatusChanged:
		return fmt.Sprintf("%s status changed to %s", dev.Hostname, dev.Status)
	default:
		return dev.Hostname
	}
}

// Disconnect handles a closed socket / read error for agentID (spec §4.2
// Registered->Closed transition): removes the connections-map entry, marks
// the device offline, and decides emissions. Closing the Outbound itself is
// left to the caller, which owns it.
func (s *Store) Disconnect(agentID string, now int64) []model.Emission {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.connections, agentID)

	dev, ok := s.devices[agentID]
	if !ok {
		return []model.Emission{{Event: model.EventDeviceRemove, Payload: agentID}}
	}

	dev.Status = model.StatusOffline
	dev.LastSeenMS = now

	var emissions []model.Emission
	if s.prepareDeviceUpsertLocked(agentID, now, true) {
		emissions = append(emissions, model.Emission{Event: model.EventDeviceUpsert, Payload: dev.Clone()})
	}
	if ev, ok := s.appendActivityLocked(model.ActivityDeviceDisconnected, agentID, agentID, fmt.Sprintf("%s disconnected", dev.Hostname), now); ok {
		emissions = append(emissions, model.Emission{Event: model.EventActivity, Payload: ev})
	}
	emissions = append(emissions, s.rebuildTopologyLocked(now)...)
	return emissions
}

// WatchdogSweep marks every device whose last heartbeat is strictly older
// than timeoutMS offline (spec §4.4). A device exactly timeoutMS old is
// NOT marked offline — the boundary is strictly greater-than.
func (s *Store) WatchdogSweep(now, timeoutMS int64) []model.Emission {
	s.mu.Lock()
	defer s.mu.Unlock()

	var emissions []model.Emission
	changed := false
	for _, id := range s.deviceOrder {
		dev := s.devices[id]
		if dev.Status == model.StatusOffline {
			continue
		}
		if now-dev.LastSeenMS <= timeoutMS {
			continue
		}
		dev.Status = model.StatusOffline
		changed = true

		if s.prepareDeviceUpsertLocked(id, now, true) {
			emissions = append(emissions, model.Emission{Event: model.EventDeviceUpsert, Payload: dev.Clone()})
		}
		if ev, ok := s.appendActivityLocked(model.ActivityDeviceDisconnected, id, id, fmt.Sprintf("%s timed out", dev.Hostname), now); ok {
			emissions = append(emissions, model.Emission{Event: model.EventActivity, Payload: ev})
		}
	}
	if changed {
		emissions = append(emissions, s.rebuildTopologyLocked(now)...)
	}
	return emissions
}

// DevicesSnapshot returns every device, sorted by first-seen insertion
// order (spec §4.3 devices_snapshot).
func (s *Store) DevicesSnapshot() []*model.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Device, 0, len(s.deviceOrder))
	for _, id := range s.deviceOrder {
		out = append(out, s.devices[id].Clone())
	}
	return out
}

// ConnectedSenders returns the Sender for each of agentIDs that currently
// has a live connection. Agents not present are silently omitted — the
// Task Coordinator treats that as "never received the dispatch" per
// spec §4.5.
func (s *Store) ConnectedSenders(agentIDs []string) map[string]Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Sender, len(agentIDs))
	for _, id := range agentIDs {
		if sender, ok := s.connections[id]; ok {
			out[id] = sender
		}
	}
	return out
}

// ConnectedCount returns the number of agents currently holding a live
// connection, for telemetry.
func (s *Store) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

func networkFromWire(n wire.NetworkPayload) model.NetworkFacts {
	var arp []model.ARPEntry
	if len(n.ARPSnapshot) > 0 {
		arp = make([]model.ARPEntry, len(n.ARPSnapshot))
		for i, e := range n.ARPSnapshot {
			arp[i] = model.ARPEntry{IP: e.IP, MAC: e.MAC}
		}
	}
	return model.NetworkFacts{
		PrimaryIP:      n.IP,
		SubnetCIDR:     n.SubnetCIDR,
		DefaultGateway: n.DefaultGateway,
		InterfaceType:  n.InterfaceType,
		MAC:            n.MAC,
		GatewayMAC:     n.GatewayMAC,
		DHCPServerIP:   n.DHCPServerIP,
		SSID:           n.SSID,
		ARPSnapshot:    arp,
	}
}
