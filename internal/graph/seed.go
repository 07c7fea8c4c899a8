package graph

import (
	"time"

	"github.com/remaestro/deplyx/internal/models"
)

// Seed loads the built-in demo topology: two datacenters, a production
// firewall fronting three critical applications with no redundant path, and a
// production VLAN spanning seven interfaces across three access switches.
// Intended for fresh installs with no connector data yet.
func Seed(s *Store) error {
	now := time.Now().UTC()

	node := func(id string, kind models.NodeKind, props map[string]any) models.GraphMutation {
		return models.GraphMutation{
			Kind:       models.MutationUpsertNode,
			Node:       &models.GraphNode{ID: id, Kind: kind, Properties: props},
			ObservedAt: now,
		}
	}
	edge := func(kind models.EdgeKind, source, target string) models.GraphMutation {
		return models.GraphMutation{
			Kind:       models.MutationUpsertEdge,
			Edge:       &models.GraphEdge{Kind: kind, Source: source, Target: target},
			ObservedAt: now,
		}
	}

	muts := []models.GraphMutation{
		node("DC1", models.NodeDatacenter, map[string]any{"name": "Frankfurt DC1", "environment": "Prod"}),
		node("DC2", models.NodeDatacenter, map[string]any{"name": "Amsterdam DC2", "environment": "Staging"}),

		node("FW-DC1-01", models.NodeDevice, map[string]any{
			"device_type": "firewall", "vendor": "paloalto", "environment": "Prod", "criticality": "critical",
		}),
		node("FW-DC2-01", models.NodeDevice, map[string]any{
			"device_type": "firewall", "vendor": "paloalto", "environment": "Staging", "criticality": "medium",
		}),
		node("RTR-DC1-01", models.NodeDevice, map[string]any{
			"device_type": "router", "vendor": "cisco", "environment": "Prod", "criticality": "high",
		}),
		node("SW-DC1-01", models.NodeDevice, map[string]any{
			"device_type": "switch", "vendor": "cisco", "environment": "Prod", "criticality": "high",
		}),
		node("SW-DC1-02", models.NodeDevice, map[string]any{
			"device_type": "switch", "vendor": "cisco", "environment": "Prod", "criticality": "high",
		}),
		node("SW-DC1-03", models.NodeDevice, map[string]any{
			"device_type": "switch", "vendor": "cisco", "environment": "Prod", "criticality": "medium",
		}),
		node("SRV-DC1-01", models.NodeDevice, map[string]any{
			"device_type": "server", "environment": "Prod", "criticality": "high",
		}),
		node("SRV-DC1-02", models.NodeDevice, map[string]any{
			"device_type": "server", "environment": "Prod", "criticality": "high",
		}),
		node("LB-DC1-01", models.NodeDevice, map[string]any{
			"device_type": "load_balancer", "environment": "Prod", "criticality": "medium",
		}),

		node("APP-PAYMENTS", models.NodeApplication, map[string]any{
			"name": "Payments Platform", "environment": "Prod", "criticality": "critical",
		}),
		node("APP-TRADING", models.NodeApplication, map[string]any{
			"name": "Trading Gateway", "environment": "Prod", "criticality": "critical",
		}),
		node("APP-CRM", models.NodeApplication, map[string]any{
			"name": "Customer CRM", "environment": "Prod", "criticality": "critical",
		}),
		node("APP-WIKI", models.NodeApplication, map[string]any{
			"name": "Internal Wiki", "environment": "Staging", "criticality": "low",
		}),

		node("SVC-PAY-API", models.NodeService, map[string]any{
			"name": "payments-api", "environment": "Prod", "criticality": "critical",
		}),
		node("SVC-TRADE-CORE", models.NodeService, map[string]any{
			"name": "trade-core", "environment": "Prod", "criticality": "critical",
		}),
		node("SVC-CRM-DB", models.NodeService, map[string]any{
			"name": "crm-db", "environment": "Prod", "criticality": "high",
		}),
		node("SVC-WIKI", models.NodeService, map[string]any{
			"name": "wiki-web", "environment": "Staging", "criticality": "low",
		}),

		node("RULE-100", models.NodeRule, map[string]any{
			"name": "allow-payments-ingress", "action": "allow", "environment": "Prod",
		}),
		node("RULE-101", models.NodeRule, map[string]any{
			"name": "allow-trading-ingress", "action": "allow", "environment": "Prod",
		}),
		node("RULE-102", models.NodeRule, map[string]any{
			"name": "allow-crm-ingress", "action": "allow", "environment": "Prod",
		}),
		node("RULE-ANY-01", models.NodeRule, map[string]any{
			"name": "temp-any-any", "action": "allow", "environment": "Staging", "is_any_any": true,
		}),

		node("VLAN-20", models.NodeVLAN, map[string]any{
			"vlan_id": 20, "name": "prod-app-tier", "environment": "Prod", "criticality": "high",
		}),
		node("VLAN-99", models.NodeVLAN, map[string]any{
			"vlan_id": 99, "name": "staging-lab", "environment": "Staging", "criticality": "low",
		}),
	}

	// Seven member interfaces across three access switches on VLAN-20.
	ifaces := []struct{ id, sw string }{
		{"IF-SW1-ETH1", "SW-DC1-01"},
		{"IF-SW1-ETH2", "SW-DC1-01"},
		{"IF-SW1-ETH3", "SW-DC1-01"},
		{"IF-SW2-ETH1", "SW-DC1-02"},
		{"IF-SW2-ETH2", "SW-DC1-02"},
		{"IF-SW3-ETH1", "SW-DC1-03"},
		{"IF-SW3-ETH2", "SW-DC1-03"},
	}
	for _, f := range ifaces {
		muts = append(muts, node(f.id, models.NodeInterface, map[string]any{"name": f.id, "environment": "Prod"}))
	}

	muts = append(muts,
		edge(models.EdgeLocatedIn, "FW-DC1-01", "DC1"),
		edge(models.EdgeLocatedIn, "RTR-DC1-01", "DC1"),
		edge(models.EdgeLocatedIn, "SW-DC1-01", "DC1"),
		edge(models.EdgeLocatedIn, "SW-DC1-02", "DC1"),
		edge(models.EdgeLocatedIn, "SW-DC1-03", "DC1"),
		edge(models.EdgeLocatedIn, "SRV-DC1-01", "DC1"),
		edge(models.EdgeLocatedIn, "SRV-DC1-02", "DC1"),
		edge(models.EdgeLocatedIn, "LB-DC1-01", "DC1"),
		edge(models.EdgeLocatedIn, "FW-DC2-01", "DC2"),

		edge(models.EdgeConnectsTo, "RTR-DC1-01", "FW-DC1-01"),
		edge(models.EdgeConnectsTo, "FW-DC1-01", "LB-DC1-01"),
		edge(models.EdgeConnectsTo, "LB-DC1-01", "SW-DC1-01"),
		edge(models.EdgeConnectsTo, "LB-DC1-01", "SW-DC1-02"),
		edge(models.EdgeConnectsTo, "SW-DC1-01", "SRV-DC1-01"),
		edge(models.EdgeConnectsTo, "SW-DC1-02", "SRV-DC1-02"),
		edge(models.EdgeConnectsTo, "SW-DC1-03", "SW-DC1-01"),

		edge(models.EdgeHasRule, "FW-DC1-01", "RULE-100"),
		edge(models.EdgeHasRule, "FW-DC1-01", "RULE-101"),
		edge(models.EdgeHasRule, "FW-DC1-01", "RULE-102"),
		edge(models.EdgeHasRule, "FW-DC2-01", "RULE-ANY-01"),

		edge(models.EdgeProtects, "RULE-100", "APP-PAYMENTS"),
		edge(models.EdgeProtects, "RULE-101", "APP-TRADING"),
		edge(models.EdgeProtects, "RULE-102", "APP-CRM"),

		edge(models.EdgeDependsOn, "APP-PAYMENTS", "SVC-PAY-API"),
		edge(models.EdgeDependsOn, "APP-TRADING", "SVC-TRADE-CORE"),
		edge(models.EdgeDependsOn, "APP-CRM", "SVC-CRM-DB"),
		edge(models.EdgeDependsOn, "APP-WIKI", "SVC-WIKI"),

		// All three production services front through the single firewall;
		// there is no redundant ingress path.
		edge(models.EdgeDependsOn, "SVC-PAY-API", "FW-DC1-01"),
		edge(models.EdgeDependsOn, "SVC-TRADE-CORE", "FW-DC1-01"),
		edge(models.EdgeDependsOn, "SVC-CRM-DB", "FW-DC1-01"),
		edge(models.EdgeDependsOn, "SVC-WIKI", "FW-DC2-01"),

		edge(models.EdgeHasVLAN, "SW-DC1-01", "VLAN-20"),
		edge(models.EdgeHasVLAN, "SW-DC1-02", "VLAN-20"),
		edge(models.EdgeHasVLAN, "SW-DC1-03", "VLAN-20"),
		edge(models.EdgeHasVLAN, "FW-DC2-01", "VLAN-99"),
	)
	for _, f := range ifaces {
		muts = append(muts,
			edge(models.EdgeHasInterface, f.sw, f.id),
			edge(models.EdgeMemberOf, f.id, "VLAN-20"),
		)
	}

	if _, err := s.ApplyMutations("seed", muts); err != nil {
		return err
	}
	s.RecomputeCore(2)
	return nil
}
