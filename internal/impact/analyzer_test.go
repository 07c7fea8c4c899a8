package impact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remaestro/deplyx/internal/graph"
	"github.com/remaestro/deplyx/internal/models"
	"github.com/remaestro/deplyx/internal/pkg/logger"
)

func seededStore(t *testing.T) *graph.Store {
	t.Helper()
	s := graph.NewStore()
	require.NoError(t, graph.Seed(s))
	return s
}

func newAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	a, err := New(logger.New("error"), 64, 3, 2)
	require.NoError(t, err)
	return a
}

func change(id string, action models.Action, targets ...string) *models.Change {
	return &models.Change{
		ID:               id,
		ChangeType:       models.ChangeFirewall,
		Action:           action,
		Environment:      models.EnvProd,
		TargetComponents: targets,
	}
}

func ids(nodes []models.ImpactedNode) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestStrategyFor(t *testing.T) {
	assert.Equal(t, StrategyRuleScope, StrategyFor(models.ActionAddRule))
	assert.Equal(t, StrategyRuleScopeReverse, StrategyFor(models.ActionRemoveRule))
	assert.Equal(t, StrategyVLANFanout, StrategyFor(models.ActionDeleteVLAN))
	assert.Equal(t, StrategyInterfaceFanout, StrategyFor(models.ActionDisablePort))
	assert.Equal(t, StrategyDeviceBlast, StrategyFor(models.ActionDecommission))
	assert.Equal(t, StrategyCloudSGScope, StrategyFor(models.ActionModifySG))
}

func TestDeviceBlastFirewallDecommission(t *testing.T) {
	s := seededStore(t)
	a := newAnalyzer(t)

	snap, err := a.Analyze(context.Background(), s.Snapshot(), change("CHG-1", models.ActionDecommission, "FW-DC1-01"))
	require.NoError(t, err)

	assert.Equal(t, StrategyDeviceBlast, snap.TraversalStrategy)
	assert.Equal(t, []string{"FW-DC1-01"}, ids(snap.DirectlyImpacted))
	assert.GreaterOrEqual(t, len(snap.AffectedApplications), 3)
	assert.Subset(t, ids(snap.AffectedApplications), []string{"APP-PAYMENTS", "APP-TRADING", "APP-CRM"})
	assert.Equal(t, models.CriticalityCritical, snap.MaxCriticality)
	assert.True(t, snap.TouchesCore())
	assert.False(t, snap.RedundancyAvailable)
	assert.Greater(t, snap.TotalDependencyCount, 10)
	assert.NotEmpty(t, snap.CriticalPaths)

	// Every critical path starts at the direct target and ends at an
	// application or service.
	for _, p := range snap.CriticalPaths {
		assert.Equal(t, "FW-DC1-01", p.SourceID)
		assert.Contains(t, []models.NodeKind{models.NodeApplication, models.NodeService}, p.EndpointKind)
		assert.Equal(t, len(p.Nodes)-1, p.Hops)
		assert.Len(t, p.Edges, p.Hops)
	}
}

func TestVLANFanout(t *testing.T) {
	s := seededStore(t)
	a := newAnalyzer(t)

	c := change("CHG-2", models.ActionDeleteVLAN, "VLAN-20")
	c.ChangeType = models.ChangeVLAN
	snap, err := a.Analyze(context.Background(), s.Snapshot(), c)
	require.NoError(t, err)

	assert.Equal(t, StrategyVLANFanout, snap.TraversalStrategy)
	assert.Equal(t, []string{"VLAN-20"}, ids(snap.DirectlyImpacted))
	indirect := ids(snap.IndirectlyImpacted)
	assert.Subset(t, indirect, []string{"SW-DC1-01", "SW-DC1-02", "SW-DC1-03"})
	// All seven member interfaces fan out.
	assert.Subset(t, indirect, []string{
		"IF-SW1-ETH1", "IF-SW1-ETH2", "IF-SW1-ETH3",
		"IF-SW2-ETH1", "IF-SW2-ETH2", "IF-SW3-ETH1", "IF-SW3-ETH2",
	})
}

func TestRuleScopeIsAdditive(t *testing.T) {
	s := seededStore(t)
	a := newAnalyzer(t)

	snap, err := a.Analyze(context.Background(), s.Snapshot(), change("CHG-3", models.ActionAddRule, "FW-DC1-01"))
	require.NoError(t, err)

	assert.Equal(t, StrategyRuleScope, snap.TraversalStrategy)
	assert.Empty(t, snap.DirectlyImpacted)
	assert.Subset(t, ids(snap.AffectedApplications), []string{"APP-PAYMENTS", "APP-TRADING", "APP-CRM"})
}

func TestRuleScopeReverse(t *testing.T) {
	s := seededStore(t)
	a := newAnalyzer(t)

	snap, err := a.Analyze(context.Background(), s.Snapshot(), change("CHG-4", models.ActionRemoveRule, "RULE-100"))
	require.NoError(t, err)

	assert.Equal(t, StrategyRuleScopeReverse, snap.TraversalStrategy)
	assert.Equal(t, []string{"RULE-100"}, ids(snap.DirectlyImpacted))
	assert.Equal(t, []string{"APP-PAYMENTS"}, ids(snap.AffectedApplications))
	assert.Equal(t, []string{"SVC-PAY-API"}, ids(snap.AffectedServices))
}

func TestAnyAnyRuleDetected(t *testing.T) {
	s := seededStore(t)
	a := newAnalyzer(t)

	snap, err := a.Analyze(context.Background(), s.Snapshot(), change("CHG-5", models.ActionModifyRule, "RULE-ANY-01"))
	require.NoError(t, err)
	assert.True(t, snap.InvolvesAnyAny())
}

func TestDepthBoundHonored(t *testing.T) {
	// A CONNECTS_TO chain longer than the blast depth: nodes beyond the
	// bound must not be reported.
	s := graph.NewStore()
	muts := []models.GraphMutation{}
	chain := []string{"D0", "D1", "D2", "D3", "D4", "D5"}
	for _, id := range chain {
		node := models.GraphNode{ID: id, Kind: models.NodeDevice, Properties: map[string]any{}}
		muts = append(muts, models.GraphMutation{Kind: models.MutationUpsertNode, Node: &node})
	}
	for i := 0; i+1 < len(chain); i++ {
		edge := models.GraphEdge{Kind: models.EdgeConnectsTo, Source: chain[i], Target: chain[i+1]}
		muts = append(muts, models.GraphMutation{Kind: models.MutationUpsertEdge, Edge: &edge})
	}
	_, err := s.ApplyMutations("test", muts)
	require.NoError(t, err)

	a := newAnalyzer(t)
	snap, err := a.Analyze(context.Background(), s.Snapshot(), change("CHG-6", models.ActionRebootDevice, "D0"))
	require.NoError(t, err)

	got := append(ids(snap.DirectlyImpacted), ids(snap.IndirectlyImpacted)...)
	assert.ElementsMatch(t, []string{"D0", "D1", "D2", "D3"}, got)
}

func TestUnknownTargetsBecomeWarnings(t *testing.T) {
	s := seededStore(t)
	a := newAnalyzer(t)

	snap, err := a.Analyze(context.Background(), s.Snapshot(), change("CHG-7", models.ActionDecommission, "FW-DC1-01", "GHOST-99"))
	require.NoError(t, err)
	assert.Equal(t, []string{"GHOST-99"}, snap.Warnings)
	assert.Equal(t, []string{"FW-DC1-01"}, ids(snap.DirectlyImpacted))
}

func TestEmptyTargets(t *testing.T) {
	s := seededStore(t)
	a := newAnalyzer(t)

	var empty *models.EmptyTargetError
	_, err := a.Analyze(context.Background(), s.Snapshot(), change("CHG-8", models.ActionDecommission))
	require.ErrorAs(t, err, &empty)

	// All targets unresolvable counts as empty too.
	_, err = a.Analyze(context.Background(), s.Snapshot(), change("CHG-9", models.ActionDecommission, "GHOST-1", "GHOST-2"))
	require.ErrorAs(t, err, &empty)
}

func TestCacheAndInvalidate(t *testing.T) {
	s := seededStore(t)
	a := newAnalyzer(t)
	c := change("CHG-10", models.ActionDecommission, "FW-DC1-01")

	first, err := a.Analyze(context.Background(), s.Snapshot(), c)
	require.NoError(t, err)
	second, err := a.Analyze(context.Background(), s.Snapshot(), c)
	require.NoError(t, err)
	assert.Same(t, first, second)

	a.Invalidate(c.ID)
	third, err := a.Analyze(context.Background(), s.Snapshot(), c)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestRedundancyAvailable(t *testing.T) {
	s := seededStore(t)
	// Give every critical service a second ingress path that avoids the firewall.
	muts := []models.GraphMutation{
		{Kind: models.MutationUpsertNode, Node: &models.GraphNode{
			ID: "FW-DC1-02", Kind: models.NodeDevice,
			Properties: map[string]any{"device_type": "firewall", "environment": "Prod", "criticality": "high"},
		}},
		{Kind: models.MutationUpsertEdge, Edge: &models.GraphEdge{Kind: models.EdgeDependsOn, Source: "SVC-PAY-API", Target: "FW-DC1-02"}},
		{Kind: models.MutationUpsertEdge, Edge: &models.GraphEdge{Kind: models.EdgeDependsOn, Source: "SVC-TRADE-CORE", Target: "FW-DC1-02"}},
		{Kind: models.MutationUpsertEdge, Edge: &models.GraphEdge{Kind: models.EdgeDependsOn, Source: "SVC-CRM-DB", Target: "FW-DC1-02"}},
	}
	_, err := s.ApplyMutations("seed", muts)
	require.NoError(t, err)

	a := newAnalyzer(t)
	snap, err := a.Analyze(context.Background(), s.Snapshot(), change("CHG-11", models.ActionDecommission, "FW-DC1-01"))
	require.NoError(t, err)
	assert.True(t, snap.RedundancyAvailable)
}

func TestAnalysisCancellation(t *testing.T) {
	s := seededStore(t)
	a := newAnalyzer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Analyze(ctx, s.Snapshot(), change("CHG-12", models.ActionDecommission, "FW-DC1-01"))
	assert.ErrorIs(t, err, context.Canceled)
}
