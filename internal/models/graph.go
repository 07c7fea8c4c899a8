package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeKind is the semantic label of a topology node.
type NodeKind string

const (
	NodeDevice      NodeKind = "Device"
	NodeInterface   NodeKind = "Interface"
	NodePort        NodeKind = "Port"
	NodeVLAN        NodeKind = "VLAN"
	NodeIP          NodeKind = "IP"
	NodeRule        NodeKind = "Rule"
	NodeApplication NodeKind = "Application"
	NodeService     NodeKind = "Service"
	NodeDatacenter  NodeKind = "Datacenter"
	NodeCable       NodeKind = "Cable"
)

// EdgeKind is the directed relationship type between two nodes.
type EdgeKind string

const (
	EdgeConnectsTo   EdgeKind = "CONNECTS_TO"
	EdgeHasInterface EdgeKind = "HAS_INTERFACE"
	EdgeHasVLAN      EdgeKind = "HAS_VLAN"
	EdgeHasRule      EdgeKind = "HAS_RULE"
	EdgeProtects     EdgeKind = "PROTECTS"
	EdgeDependsOn    EdgeKind = "DEPENDS_ON"
	EdgeRoutesTo     EdgeKind = "ROUTES_TO"
	EdgeLocatedIn    EdgeKind = "LOCATED_IN"
	EdgePartOf       EdgeKind = "PART_OF"
	EdgeAssignedTo   EdgeKind = "ASSIGNED_TO"
	EdgeMemberOf     EdgeKind = "MEMBER_OF"
)

// Criticality grades a node's business importance.
type Criticality string

const (
	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

// Rank orders criticality levels so the max over a path is well-defined.
func (c Criticality) Rank() int {
	switch c {
	case CriticalityCritical:
		return 4
	case CriticalityHigh:
		return 3
	case CriticalityMedium:
		return 2
	case CriticalityLow:
		return 1
	}
	return 0
}

// MaxCriticality returns the higher of two criticality levels.
func MaxCriticality(a, b Criticality) Criticality {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// GraphNode is a topology node: a stable id, a semantic kind, and a property bag.
// Nodes reference each other by id only; there are no direct object references.
type GraphNode struct {
	ID         string         `json:"id"`
	Kind       NodeKind       `json:"kind"`
	Properties map[string]any `json:"properties"`
}

// Prop returns a string property, or "" when absent or not a string.
func (n GraphNode) Prop(key string) string {
	if n.Properties == nil {
		return ""
	}
	if s, ok := n.Properties[key].(string); ok {
		return s
	}
	return ""
}

// BoolProp returns a bool property, false when absent.
func (n GraphNode) BoolProp(key string) bool {
	if n.Properties == nil {
		return false
	}
	b, _ := n.Properties[key].(bool)
	return b
}

// Criticality reads the node's criticality property (defaults to low).
func (n GraphNode) Criticality() Criticality {
	switch c := Criticality(n.Prop("criticality")); c {
	case CriticalityCritical, CriticalityHigh, CriticalityMedium, CriticalityLow:
		return c
	}
	return CriticalityLow
}

// IsCore reports whether the node is flagged as a core device.
func (n GraphNode) IsCore() bool { return n.BoolProp("is_core") }

// IsAnyAny reports whether a Rule node is an unrestricted ANY-ANY rule.
func (n GraphNode) IsAnyAny() bool { return n.Kind == NodeRule && n.BoolProp("is_any_any") }

// GraphEdge is a directed edge identified by (kind, source, target).
type GraphEdge struct {
	Kind       EdgeKind       `json:"kind"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Key returns the identity triple used for edge deduplication.
func (e GraphEdge) Key() string {
	return string(e.Kind) + "|" + e.Source + "|" + e.Target
}

// MutationKind tags a GraphMutation variant. Unknown kinds are rejected at the
// boundary, never tolerated silently.
type MutationKind string

const (
	MutationUpsertNode MutationKind = "upsert_node"
	MutationUpsertEdge MutationKind = "upsert_edge"
	MutationTombstone  MutationKind = "tombstone"
)

// GraphMutation is the tagged record connectors yield from Sync.
// Exactly one of Node, Edge, or TombstoneID is set, matching Kind.
type GraphMutation struct {
	Kind        MutationKind `json:"kind"`
	Node        *GraphNode   `json:"node,omitempty"`
	Edge        *GraphEdge   `json:"edge,omitempty"`
	TombstoneID string       `json:"tombstone_id,omitempty"`
	ObservedAt  time.Time    `json:"observed_at"`
}

// Validate checks the tag and its payload are consistent.
func (m GraphMutation) Validate() error {
	switch m.Kind {
	case MutationUpsertNode:
		if m.Node == nil || m.Node.ID == "" {
			return &ValidationError{Field: "node", Reason: "upsert_node requires a node with an id"}
		}
	case MutationUpsertEdge:
		if m.Edge == nil || m.Edge.Source == "" || m.Edge.Target == "" || m.Edge.Kind == "" {
			return &ValidationError{Field: "edge", Reason: "upsert_edge requires kind, source and target"}
		}
	case MutationTombstone:
		if m.TombstoneID == "" {
			return &ValidationError{Field: "tombstone_id", Reason: "tombstone requires a node id"}
		}
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown mutation kind %q", m.Kind)}
	}
	return nil
}

// UnmarshalJSON enforces the closed variant set on decode.
func (m *GraphMutation) UnmarshalJSON(data []byte) error {
	type alias GraphMutation
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = GraphMutation(a)
	return m.Validate()
}
