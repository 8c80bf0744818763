// Package topology rebuilds the subnet/gateway/host/admin/unknown-hub graph
// from the current device map. Build is a pure function: given the same
// device order and admin facts, it always produces the same structural key,
// which is what the store compares across rebuilds to decide whether a
// topology_snapshot is actually worth emitting (spec §4.6).
package topology

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/pamod-madubashana/labscan/internal/model"
)

// typeRank orders node types for the final sort pass (spec §4.6 step 6).
var typeRank = map[model.NodeType]int{
	model.NodeSubnet:     0,
	model.NodeGateway:    1,
	model.NodeSwitch:     2,
	model.NodeUnknownHub: 3,
	model.NodeAdmin:      4,
	model.NodeHost:       5,
}

// Build derives a Topology from the devices (in insertion order) and the
// admin's own network facts. It performs no I/O and touches no shared
// state — callers decide under their own lock whether the result differs
// from the last one and is worth keeping.
func Build(devices []*model.Device, admin model.AdminFacts) *model.Topology {
	b := &builder{admin: admin}
	b.run(devices)
	return &model.Topology{
		Nodes: b.nodes,
		Edges: b.edges,
	}
}

// StructuralKey computes the canonical string used to test two topologies
// for semantic equivalence (spec §4.6 step 7 / Glossary).
func StructuralKey(t *model.Topology) string {
	nodeTuples := make([]string, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		nodeTuples = append(nodeTuples, fmt.Sprintf("%s|%s|%s|%s", n.ID, n.Type, n.Subnet, n.Gateway))
	}
	sort.Strings(nodeTuples)

	edgeTuples := make([]string, 0, len(t.Edges))
	for _, e := range t.Edges {
		edgeTuples = append(edgeTuples, fmt.Sprintf("%s|%s|%s", e.ChildID, e.ParentID, e.Method))
	}
	sort.Strings(edgeTuples)

	var sb strings.Builder
	sb.WriteString(strings.Join(nodeTuples, ";"))
	sb.WriteString("##")
	sb.WriteString(strings.Join(edgeTuples, ";"))
	return sb.String()
}

type builder struct {
	admin model.AdminFacts
	nodes []model.TopologyNode
	edges []model.TopologyEdge

	subnetNodeID  map[string]string
	gatewayNodeID map[string]string
	unknownHub    map[string]string // subnet -> unknown_hub node id
	attached      map[string]int    // node id -> inbound edge count
}

func (b *builder) run(devices []*model.Device) {
	b.subnetNodeID = make(map[string]string)
	b.gatewayNodeID = make(map[string]string)
	b.unknownHub = make(map[string]string)
	b.attached = make(map[string]int)

	subnets := b.collectSubnets(devices)
	if len(subnets) > 1 {
		for _, s := range subnets {
			id := "subnet:" + s
			b.subnetNodeID[s] = id
			b.nodes = append(b.nodes, model.TopologyNode{ID: id, Type: model.NodeSubnet, Label: s, Subnet: s})
		}
	}
	hasSubnetNodes := len(b.subnetNodeID) > 0

	b.buildGateways(devices, hasSubnetNodes)

	adminID := "admin"
	b.nodes = append(b.nodes, model.TopologyNode{ID: adminID, Type: model.NodeAdmin, Label: "admin", IP: b.admin.LocalIPv4})
	b.attachHost(adminID, b.admin.DefaultGateway, subnetOf(b.admin), 0.9, 0.5)

	sortedDevices := append([]*model.Device(nil), devices...)
	sort.SliceStable(sortedDevices, func(i, j int) bool {
		a, bb := sortedDevices[i], sortedDevices[j]
		ai, bi := ipNumeric(primaryIP(a)), ipNumeric(primaryIP(bb))
		if ai != bi {
			return ai < bi
		}
		if a.Hostname != bb.Hostname {
			return a.Hostname < bb.Hostname
		}
		return a.AgentID < bb.AgentID
	})

	for _, d := range sortedDevices {
		id := "host:" + d.AgentID
		b.nodes = append(b.nodes, model.TopologyNode{
			ID:      id,
			Type:    model.NodeHost,
			Label:   d.Hostname,
			IP:      primaryIP(d),
			AgentID: d.AgentID,
		})
		b.attachHost(id, d.Network.DefaultGateway, deviceSubnet(d), 0.9, 0.45)
	}

	for i := range b.nodes {
		n := &b.nodes[i]
		if n.Type == model.NodeGateway || n.Type == model.NodeUnknownHub {
			n.AttachedCount = b.attached[n.ID]
		}
	}

	sort.SliceStable(b.nodes, func(i, j int) bool {
		a, bb := b.nodes[i], b.nodes[j]
		if typeRank[a.Type] != typeRank[bb.Type] {
			return typeRank[a.Type] < typeRank[bb.Type]
		}
		if ipNumeric(a.IP) != ipNumeric(bb.IP) {
			return ipNumeric(a.IP) < ipNumeric(bb.IP)
		}
		return a.ID < bb.ID
	})
	sort.SliceStable(b.edges, func(i, j int) bool {
		a, bb := b.edges[i], b.edges[j]
		if a.ChildID != bb.ChildID {
			return a.ChildID < bb.ChildID
		}
		return a.ParentID < bb.ParentID
	})
}

// collectSubnets unions the observed subnets across devices and the admin,
// falling back to the /24 derived from each primary IP when a device did
// not report one explicitly.
func (b *builder) collectSubnets(devices []*model.Device) []string {
	seen := make(map[string]struct{})
	add := func(s string) {
		if s == "" {
			return
		}
		seen[s] = struct{}{}
	}
	add(subnetOf(b.admin))
	for _, d := range devices {
		add(deviceSubnet(d))
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type gwSpec struct {
	ip     string
	subnet string
}

// buildGateways materializes one gateway node per distinct (subnet, ip)
// pair observed across the admin and devices that report a gateway.
func (b *builder) buildGateways(devices []*model.Device, attachToSubnet bool) {
	seen := make(map[string]struct{})
	var specs []gwSpec
	add := func(ip, subnet string) {
		if ip == "" {
			return
		}
		key := subnet + "|" + ip
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		specs = append(specs, gwSpec{ip: ip, subnet: subnet})
	}

	add(b.admin.DefaultGateway, subnetOf(b.admin))
	for _, d := range devices {
		add(d.Network.DefaultGateway, deviceSubnet(d))
	}

	sort.SliceStable(specs, func(i, j int) bool {
		if specs[i].subnet != specs[j].subnet {
			return specs[i].subnet < specs[j].subnet
		}
		return ipNumeric(specs[i].ip) < ipNumeric(specs[j].ip)
	})

	for _, s := range specs {
		id := "gateway:" + s.subnet + ":" + s.ip
		b.gatewayNodeID[s.subnet+"|"+s.ip] = id
		b.nodes = append(b.nodes, model.TopologyNode{ID: id, Type: model.NodeGateway, Label: s.ip, Subnet: s.subnet, Gateway: s.ip, IP: s.ip})
		if attachToSubnet {
			if subID, ok := b.subnetNodeID[s.subnet]; ok {
				b.edges = append(b.edges, model.TopologyEdge{ChildID: id, ParentID: subID, Method: model.EdgeEvidence, Confidence: 1.0})
			}
		}
	}
}

// attachHost wires childID to its gateway (evidence) if gatewayIP is known,
// otherwise to a reused-or-created unknown_hub node for its subnet
// (heuristic).
func (b *builder) attachHost(childID, gatewayIP, subnet string, evidenceConfidence, heuristicConfidence float64) {
	if gatewayIP != "" {
		if gwID, ok := b.gatewayNodeID[subnet+"|"+gatewayIP]; ok {
			b.edges = append(b.edges, model.TopologyEdge{ChildID: childID, ParentID: gwID, Method: model.EdgeEvidence, Confidence: evidenceConfidence})
			b.attached[gwID]++
			return
		}
	}

	hubID, ok := b.unknownHub[subnet]
	if !ok {
		hubID = "unknown_hub:" + subnet
		b.unknownHub[subnet] = hubID
		b.nodes = append(b.nodes, model.TopologyNode{ID: hubID, Type: model.NodeUnknownHub, Label: "unknown", Subnet: subnet})
	}
	b.edges = append(b.edges, model.TopologyEdge{ChildID: childID, ParentID: hubID, Method: model.EdgeHeuristic, Confidence: heuristicConfidence})
	b.attached[hubID]++
}

func subnetOf(a model.AdminFacts) string {
	if a.SubnetCIDR != "" {
		return a.SubnetCIDR
	}
	return derivedSubnet(a.LocalIPv4)
}

func deviceSubnet(d *model.Device) string {
	if d.Network.SubnetCIDR != "" {
		return d.Network.SubnetCIDR
	}
	return derivedSubnet(primaryIP(d))
}

// derivedSubnet falls back to the a.b.c.0/24 form of ip when no explicit
// CIDR was reported.
func derivedSubnet(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
}

func primaryIP(d *model.Device) string {
	if d.Network.PrimaryIP != "" {
		return d.Network.PrimaryIP
	}
	if len(d.IPs) > 0 {
		return d.IPs[0]
	}
	return ""
}

// ipNumeric converts an IPv4 dotted string to a sortable uint32. Invalid or
// empty input sorts first (0).
func ipNumeric(ip string) uint32 {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}
