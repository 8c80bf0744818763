package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pamod-madubashana/labscan/internal/model"
)

func sampleDevices() []*model.Device {
	return []*model.Device{
		{
			AgentID:  "a1",
			Hostname: "host-a1",
			Network:  model.NetworkFacts{PrimaryIP: "10.0.0.5", SubnetCIDR: "10.0.0.0/24", DefaultGateway: "10.0.0.1"},
		},
		{
			AgentID:  "a2",
			Hostname: "host-a2",
			Network:  model.NetworkFacts{PrimaryIP: "10.0.0.6", SubnetCIDR: "10.0.0.0/24"},
		},
	}
}

func sampleAdmin() model.AdminFacts {
	return model.AdminFacts{LocalIPv4: "10.0.0.2", SubnetCIDR: "10.0.0.0/24", DefaultGateway: "10.0.0.1"}
}

func TestBuildIsDeterministic(t *testing.T) {
	devices := sampleDevices()
	admin := sampleAdmin()

	first := Build(devices, admin)
	second := Build(devices, admin)

	assert.Equal(t, StructuralKey(first), StructuralKey(second))
}

func TestBuildAttachesKnownGatewayAsEvidence(t *testing.T) {
	topo := Build(sampleDevices(), sampleAdmin())

	var hostA1Edge *model.TopologyEdge
	for i := range topo.Edges {
		if topo.Edges[i].ChildID == "host:a1" {
			hostA1Edge = &topo.Edges[i]
		}
	}
	require.NotNil(t, hostA1Edge)
	assert.Equal(t, model.EdgeEvidence, hostA1Edge.Method)
}

func TestBuildFallsBackToUnknownHubHeuristic(t *testing.T) {
	// a2 reports no default gateway, so it must attach to an unknown_hub
	// node via a heuristic edge rather than a gateway.
	topo := Build(sampleDevices(), sampleAdmin())

	var hostA2Edge *model.TopologyEdge
	for i := range topo.Edges {
		if topo.Edges[i].ChildID == "host:a2" {
			hostA2Edge = &topo.Edges[i]
		}
	}
	require.NotNil(t, hostA2Edge)
	assert.Equal(t, model.EdgeHeuristic, hostA2Edge.Method)

	var hub *model.TopologyNode
	for i := range topo.Nodes {
		if topo.Nodes[i].Type == model.NodeUnknownHub {
			hub = &topo.Nodes[i]
		}
	}
	require.NotNil(t, hub)
	assert.Equal(t, hub.ID, hostA2Edge.ParentID)
}

func TestStructuralKeyStableUnderNodeReordering(t *testing.T) {
	a := &model.Topology{
		Nodes: []model.TopologyNode{{ID: "x", Type: model.NodeHost}, {ID: "y", Type: model.NodeGateway}},
		Edges: []model.TopologyEdge{{ChildID: "x", ParentID: "y", Method: model.EdgeEvidence}},
	}
	b := &model.Topology{
		Nodes: []model.TopologyNode{{ID: "y", Type: model.NodeGateway}, {ID: "x", Type: model.NodeHost}},
		Edges: []model.TopologyEdge{{ChildID: "x", ParentID: "y", Method: model.EdgeEvidence}},
	}
	assert.Equal(t, StructuralKey(a), StructuralKey(b))
}

func TestStructuralKeyChangesOnRevisionRelevantDiff(t *testing.T) {
	a := Build(sampleDevices(), sampleAdmin())
	devices := sampleDevices()
	devices[0].Network.DefaultGateway = "10.0.0.254"
	b := Build(devices, sampleAdmin())

	assert.NotEqual(t, StructuralKey(a), StructuralKey(b))
}
