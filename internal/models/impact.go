package models

import "time"

// ImpactedNode is one graph node touched by a change, frozen with the
// properties it had under the analysis snapshot.
type ImpactedNode struct {
	ID         string         `json:"id"`
	Kind       NodeKind       `json:"kind"`
	Properties map[string]any `json:"properties,omitempty"`
}

// PathNode is one hop of a critical path.
type PathNode struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`
}

// CriticalPath is an ordered walk from a direct target to a high- or
// critical-severity Application or Service.
type CriticalPath struct {
	SourceID     string      `json:"source_id"`
	EndpointID   string      `json:"endpoint_id"`
	EndpointKind NodeKind    `json:"endpoint_kind"`
	Criticality  Criticality `json:"criticality"`
	Hops         int         `json:"hops"`
	Nodes        []PathNode  `json:"nodes"`
	Edges        []EdgeKind  `json:"edges"`
	// Reasoning is best-effort decoration from an external narrative
	// generator; never a source of truth for scoring or workflow decisions.
	Reasoning string `json:"reasoning,omitempty"`
}

// ImpactSnapshot is the frozen result of one impact analysis run.
type ImpactSnapshot struct {
	DirectlyImpacted     []ImpactedNode `json:"directly_impacted"`
	IndirectlyImpacted   []ImpactedNode `json:"indirectly_impacted"`
	AffectedApplications []ImpactedNode `json:"affected_applications"`
	AffectedServices     []ImpactedNode `json:"affected_services"`
	AffectedVLANs        []ImpactedNode `json:"affected_vlans"`
	CriticalPaths        []CriticalPath `json:"critical_paths"`
	TotalDependencyCount int            `json:"total_dependency_count"`
	MaxCriticality       Criticality    `json:"max_criticality"`
	TraversalStrategy    string         `json:"traversal_strategy"`
	// RedundancyAvailable is true when every affected critical application or
	// service keeps an independent dependency path that avoids the direct set.
	RedundancyAvailable bool `json:"redundancy_available"`
	// Warnings lists target ids that did not resolve to a graph node
	// (non-fatal; the offending ids were excluded from analysis).
	Warnings      []string  `json:"warnings,omitempty"`
	GraphRevision uint64    `json:"graph_revision"`
	AnalyzedAt    time.Time `json:"analyzed_at"`
}

// TouchesCore reports whether any directly impacted node is a core device.
func (s *ImpactSnapshot) TouchesCore() bool {
	for _, n := range s.DirectlyImpacted {
		if (GraphNode{ID: n.ID, Kind: n.Kind, Properties: n.Properties}).IsCore() {
			return true
		}
	}
	return false
}

// InvolvesAnyAny reports whether an ANY-ANY firewall rule appears anywhere in
// the impacted sets.
func (s *ImpactSnapshot) InvolvesAnyAny() bool {
	for _, set := range [][]ImpactedNode{s.DirectlyImpacted, s.IndirectlyImpacted} {
		for _, n := range set {
			if (GraphNode{ID: n.ID, Kind: n.Kind, Properties: n.Properties}).IsAnyAny() {
				return true
			}
		}
	}
	return false
}

// CriticalApplications returns the distinct critical-severity applications.
func (s *ImpactSnapshot) CriticalApplications() []ImpactedNode {
	var out []ImpactedNode
	for _, n := range s.AffectedApplications {
		if (GraphNode{ID: n.ID, Kind: n.Kind, Properties: n.Properties}).Criticality() == CriticalityCritical {
			out = append(out, n)
		}
	}
	return out
}
