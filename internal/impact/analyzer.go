// Package impact computes the blast radius of a proposed change against a
// frozen graph snapshot. Each action maps to a traversal strategy; traversal
// is BFS with a visited set and per-strategy depth bounds, plus an unbounded
// dependency roll-up over reverse DEPENDS_ON edges for device-centric
// strategies.
package impact

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"log/slog"

	"github.com/remaestro/deplyx/internal/graph"
	"github.com/remaestro/deplyx/internal/models"
	"github.com/remaestro/deplyx/internal/pkg/metrics"
)

// Traversal strategy names, surfaced on the snapshot.
const (
	StrategyRuleScope        = "rule_scope"
	StrategyRuleScopeReverse = "rule_scope_reverse"
	StrategyVLANFanout       = "vlan_fanout"
	StrategyInterfaceFanout  = "interface_fanout"
	StrategyDeviceBlast      = "device_blast"
	StrategyCloudSGScope     = "cloud_sg_scope"
)

// StrategyFor maps a change action to its traversal strategy.
func StrategyFor(action models.Action) string {
	switch action {
	case models.ActionAddRule:
		return StrategyRuleScope
	case models.ActionRemoveRule, models.ActionDisableRule, models.ActionModifyRule:
		return StrategyRuleScopeReverse
	case models.ActionDeleteVLAN, models.ActionModifyVLAN, models.ActionChangeVLAN:
		return StrategyVLANFanout
	case models.ActionDisablePort, models.ActionEnablePort, models.ActionShutdownInterface:
		return StrategyInterfaceFanout
	case models.ActionDecommission, models.ActionRebootDevice, models.ActionFirmwareUpgrade:
		return StrategyDeviceBlast
	case models.ActionModifySG, models.ActionDeleteSG:
		return StrategyCloudSGScope
	}
	return StrategyDeviceBlast
}

// Analyzer runs impact analysis with an in-process LRU of finished snapshots.
type Analyzer struct {
	log          *slog.Logger
	cache        *lru.Cache[string, *models.ImpactSnapshot]
	depthBlast   int
	depthDefault int
}

// New builds an analyzer. Depth bounds come from configuration.
func New(log *slog.Logger, cacheSize, depthBlast, depthDefault int) (*Analyzer, error) {
	cache, err := lru.New[string, *models.ImpactSnapshot](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating impact cache: %w", err)
	}
	return &Analyzer{log: log, cache: cache, depthBlast: depthBlast, depthDefault: depthDefault}, nil
}

// Invalidate drops every cached snapshot for the change. Called by the
// workflow controller on re-analyze and on edits to targets or action.
func (a *Analyzer) Invalidate(changeID string) {
	for _, key := range a.cache.Keys() {
		if strings.HasPrefix(key, changeID+"|") {
			a.cache.Remove(key)
		}
	}
}

func (a *Analyzer) cacheKey(change *models.Change, rev uint64) string {
	return change.ID + "|" + strconv.FormatUint(rev, 10) + "|" + string(change.Action) + "|" + strings.Join(change.TargetComponents, ",")
}

// Analyze computes the impact snapshot for the change against the given graph
// snapshot. Targets that do not resolve to graph nodes are excluded and
// reported as warnings; an empty (or fully unresolved) target set is an error.
func (a *Analyzer) Analyze(ctx context.Context, snap *graph.Snapshot, change *models.Change) (*models.ImpactSnapshot, error) {
	if len(change.TargetComponents) == 0 {
		return nil, &models.EmptyTargetError{ChangeID: change.ID}
	}
	key := a.cacheKey(change, snap.Revision())
	if cached, ok := a.cache.Get(key); ok {
		metrics.ImpactCacheHitsTotal.Inc()
		return cached, nil
	}
	metrics.ImpactCacheMissesTotal.Inc()

	strategy := StrategyFor(change.Action)
	start := time.Now()

	var roots []string
	var warnings []string
	for _, id := range change.TargetComponents {
		if _, ok := snap.Node(id); ok {
			roots = append(roots, id)
		} else {
			warnings = append(warnings, id)
		}
	}
	if len(roots) == 0 {
		return nil, &models.EmptyTargetError{ChangeID: change.ID}
	}

	w := &walker{
		snap:     snap,
		strategy: strategy,
		maxDepth: a.depthDefault,
		visited:  make(map[string]visit),
	}
	if strategy == StrategyDeviceBlast {
		w.maxDepth = a.depthBlast
	}
	if err := w.run(ctx, roots); err != nil {
		return nil, err
	}

	result := a.assemble(snap, change, strategy, roots, warnings, w)
	result.AnalyzedAt = time.Now().UTC()
	result.GraphRevision = snap.Revision()

	metrics.ImpactAnalysisDurationSeconds.WithLabelValues(strategy).Observe(time.Since(start).Seconds())
	a.log.Debug("impact analysis finished",
		"change_id", change.ID,
		"strategy", strategy,
		"direct", len(result.DirectlyImpacted),
		"indirect", len(result.IndirectlyImpacted),
		"graph_revision", snap.Revision(),
	)
	a.cache.Add(key, result)
	return result, nil
}

type visit struct {
	parent string
	edge   models.EdgeKind
	depth  int
	root   string
}

type step struct {
	next string
	edge models.EdgeKind
}

type walker struct {
	snap     *graph.Snapshot
	strategy string
	maxDepth int
	visited  map[string]visit
	order    []string
	roots    map[string]struct{}
}

func (w *walker) run(ctx context.Context, roots []string) error {
	w.roots = make(map[string]struct{}, len(roots))
	queue := make([]string, 0, len(roots))
	for _, id := range roots {
		w.roots[id] = struct{}{}
		w.visited[id] = visit{depth: 0, root: id}
		w.order = append(w.order, id)
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		id := queue[0]
		queue = queue[1:]
		cur := w.visited[id]
		if cur.depth >= w.maxDepth {
			continue
		}
		for _, st := range w.expand(id) {
			if _, seen := w.visited[st.next]; seen {
				continue
			}
			w.visited[st.next] = visit{parent: id, edge: st.edge, depth: cur.depth + 1, root: cur.root}
			w.order = append(w.order, st.next)
			queue = append(queue, st.next)
		}
	}

	// Device-centric strategies roll up every application and service whose
	// dependency path traverses a reached device. The roll-up follows reverse
	// DEPENDS_ON edges without a depth bound (cycle-safe via the visited set).
	switch w.strategy {
	case StrategyVLANFanout, StrategyInterfaceFanout, StrategyDeviceBlast:
		w.rollupDependents(ctx)
	}
	return nil
}

// expand lists the neighbors a strategy explores from a node, sorted so that
// ties between equal-length paths resolve by edge precedence
// DEPENDS_ON, PROTECTS, CONNECTS_TO, HAS_*, then the rest.
func (w *walker) expand(id string) []step {
	n, ok := w.snap.Node(id)
	if !ok {
		return nil
	}
	var steps []step
	outSteps := func(kinds ...models.EdgeKind) {
		for _, e := range w.snap.OutKind(id, kinds...) {
			steps = append(steps, step{next: e.Target, edge: e.Kind})
		}
	}
	inSteps := func(kinds ...models.EdgeKind) {
		for _, e := range w.snap.InKind(id, kinds...) {
			steps = append(steps, step{next: e.Source, edge: e.Kind})
		}
	}

	switch w.strategy {
	case StrategyRuleScope:
		switch n.Kind {
		case models.NodeDevice:
			outSteps(models.EdgeHasRule)
		case models.NodeRule:
			outSteps(models.EdgeProtects)
		case models.NodeApplication:
			outSteps(models.EdgeDependsOn)
		}
	case StrategyRuleScopeReverse:
		switch n.Kind {
		case models.NodeDevice:
			outSteps(models.EdgeHasRule)
		case models.NodeRule:
			outSteps(models.EdgeProtects)
		case models.NodeApplication, models.NodeService:
			outSteps(models.EdgeDependsOn)
		}
	case StrategyVLANFanout:
		switch n.Kind {
		case models.NodeVLAN:
			inSteps(models.EdgeMemberOf)
		case models.NodeInterface, models.NodePort:
			inSteps(models.EdgeHasInterface)
		}
	case StrategyInterfaceFanout:
		switch n.Kind {
		case models.NodeInterface, models.NodePort:
			inSteps(models.EdgeHasInterface)
			outSteps(models.EdgePartOf)
		case models.NodeDevice:
			outSteps(models.EdgeConnectsTo)
			inSteps(models.EdgeConnectsTo)
		}
	case StrategyDeviceBlast:
		switch n.Kind {
		case models.NodeDevice:
			outSteps(models.EdgeHasInterface, models.EdgeHasRule, models.EdgeHasVLAN)
			outSteps(models.EdgeConnectsTo, models.EdgeRoutesTo)
			inSteps(models.EdgeConnectsTo, models.EdgeRoutesTo)
		case models.NodeRule:
			outSteps(models.EdgeProtects)
		}
	case StrategyCloudSGScope:
		switch n.Kind {
		case models.NodeDevice:
			outSteps(models.EdgeHasRule)
		case models.NodeRule:
			outSteps(models.EdgeProtects)
		case models.NodeApplication, models.NodeService:
			outSteps(models.EdgeDependsOn)
		}
	}

	sort.SliceStable(steps, func(i, j int) bool {
		pi, pj := edgePriority(steps[i].edge), edgePriority(steps[j].edge)
		if pi != pj {
			return pi < pj
		}
		return steps[i].next < steps[j].next
	})
	return steps
}

func edgePriority(k models.EdgeKind) int {
	switch {
	case k == models.EdgeDependsOn:
		return 0
	case k == models.EdgeProtects:
		return 1
	case k == models.EdgeConnectsTo:
		return 2
	case strings.HasPrefix(string(k), "HAS_"):
		return 3
	}
	return 4
}

// rollupDependents walks reverse DEPENDS_ON chains from every reached device,
// pulling in the services and applications whose dependency path traverses it.
func (w *walker) rollupDependents(ctx context.Context) {
	devices := make([]string, 0)
	for _, id := range w.order {
		if n, ok := w.snap.Node(id); ok && n.Kind == models.NodeDevice {
			devices = append(devices, id)
		}
	}
	queue := devices
	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return
		default:
		}
		id := queue[0]
		queue = queue[1:]
		cur := w.visited[id]
		deps := w.snap.InKind(id, models.EdgeDependsOn)
		sort.Slice(deps, func(i, j int) bool { return deps[i].Source < deps[j].Source })
		for _, e := range deps {
			if _, seen := w.visited[e.Source]; seen {
				continue
			}
			w.visited[e.Source] = visit{parent: id, edge: models.EdgeDependsOn, depth: cur.depth + 1, root: cur.root}
			w.order = append(w.order, e.Source)
			queue = append(queue, e.Source)
		}
	}
}

func (a *Analyzer) assemble(snap *graph.Snapshot, change *models.Change, strategy string, roots, warnings []string, w *walker) *models.ImpactSnapshot {
	result := &models.ImpactSnapshot{
		TraversalStrategy: strategy,
		MaxCriticality:    models.CriticalityLow,
		Warnings:          warnings,
	}

	// add_rule is additive: nothing breaks outright, so the direct set stays
	// empty and everything reached counts as indirect.
	additive := strategy == StrategyRuleScope

	impacted := func(id string) models.ImpactedNode {
		n, _ := snap.Node(id)
		return models.ImpactedNode{ID: n.ID, Kind: n.Kind, Properties: n.Properties}
	}

	directSet := make(map[string]struct{})
	if !additive {
		for _, id := range roots {
			directSet[id] = struct{}{}
			result.DirectlyImpacted = append(result.DirectlyImpacted, impacted(id))
		}
	}

	for _, id := range w.order {
		n, ok := snap.Node(id)
		if !ok {
			continue
		}
		if _, direct := directSet[id]; !direct {
			result.IndirectlyImpacted = append(result.IndirectlyImpacted, impacted(id))
		}
		switch n.Kind {
		case models.NodeApplication:
			result.AffectedApplications = append(result.AffectedApplications, impacted(id))
		case models.NodeService:
			result.AffectedServices = append(result.AffectedServices, impacted(id))
		case models.NodeVLAN:
			result.AffectedVLANs = append(result.AffectedVLANs, impacted(id))
		}
		result.MaxCriticality = models.MaxCriticality(result.MaxCriticality, n.Criticality())

		if (n.Kind == models.NodeApplication || n.Kind == models.NodeService) &&
			n.Criticality().Rank() >= models.CriticalityHigh.Rank() {
			if _, isRoot := w.roots[id]; !isRoot {
				result.CriticalPaths = append(result.CriticalPaths, w.pathTo(id))
			}
		}
	}

	result.TotalDependencyCount = len(result.DirectlyImpacted) + len(result.IndirectlyImpacted)
	result.RedundancyAvailable = a.redundancyForAll(snap, result, directSet)
	return result
}

// pathTo reconstructs the BFS parent chain from the root target to the node.
func (w *walker) pathTo(id string) models.CriticalPath {
	var ids []string
	for cur := id; cur != ""; cur = w.visited[cur].parent {
		ids = append(ids, cur)
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}

	path := models.CriticalPath{
		SourceID:   w.visited[id].root,
		EndpointID: id,
		Hops:       len(ids) - 1,
	}
	maxCrit := models.CriticalityLow
	for i, nid := range ids {
		n, _ := w.snap.Node(nid)
		path.Nodes = append(path.Nodes, models.PathNode{ID: nid, Kind: n.Kind})
		maxCrit = models.MaxCriticality(maxCrit, n.Criticality())
		if i > 0 {
			path.Edges = append(path.Edges, w.visited[nid].edge)
		}
	}
	end, _ := w.snap.Node(id)
	path.EndpointKind = end.Kind
	path.Criticality = maxCrit
	return path
}

// redundancyForAll reports whether every affected critical application and
// service keeps a dependency path to some device that avoids the direct set.
func (a *Analyzer) redundancyForAll(snap *graph.Snapshot, result *models.ImpactSnapshot, directSet map[string]struct{}) bool {
	var critical []models.ImpactedNode
	for _, n := range append(append([]models.ImpactedNode{}, result.AffectedApplications...), result.AffectedServices...) {
		if (models.GraphNode{ID: n.ID, Kind: n.Kind, Properties: n.Properties}).Criticality() == models.CriticalityCritical {
			critical = append(critical, n)
		}
	}
	if len(critical) == 0 {
		return false
	}
	for _, n := range critical {
		if !hasIndependentPath(snap, n.ID, directSet) {
			return false
		}
	}
	return true
}

// hasIndependentPath walks DEPENDS_ON chains from the node, skipping direct
// targets, and reports whether any device remains reachable.
func hasIndependentPath(snap *graph.Snapshot, id string, directSet map[string]struct{}) bool {
	visited := map[string]struct{}{id: {}}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range snap.OutKind(cur, models.EdgeDependsOn) {
			if _, blocked := directSet[e.Target]; blocked {
				continue
			}
			if _, seen := visited[e.Target]; seen {
				continue
			}
			visited[e.Target] = struct{}{}
			if n, ok := snap.Node(e.Target); ok && n.Kind == models.NodeDevice {
				return true
			}
			queue = append(queue, e.Target)
		}
	}
	return false
}
