// Package graph holds the in-memory topology store. Nodes refer to each other
// by id only; the representation is an adjacency map keyed by id plus a
// property map keyed by id. All mutations go through ApplyMutations (sync
// coordinator or administrative seed); change-request processing reads the
// graph exclusively through immutable snapshots.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/remaestro/deplyx/internal/models"
	"github.com/remaestro/deplyx/internal/pkg/metrics"
)

// Store is the process-wide topology graph. Readers never block writers:
// Snapshot returns a frozen view sharing immutable slices with the store, and
// every write replaces slices instead of mutating them in place.
type Store struct {
	mu    sync.RWMutex
	rev   uint64
	nodes map[string]models.GraphNode
	out   map[string][]models.GraphEdge
	in    map[string][]models.GraphEdge
	edges map[string]struct{} // (kind,source,target) identity
	// assertions tracks which connector last asserted each node and when,
	// for last-writer-wins conflict resolution and tombstone gating.
	assertions map[string]map[string]time.Time
}

// NewStore creates an empty graph store at revision 0.
func NewStore() *Store {
	return &Store{
		nodes:      make(map[string]models.GraphNode),
		out:        make(map[string][]models.GraphEdge),
		in:         make(map[string][]models.GraphEdge),
		edges:      make(map[string]struct{}),
		assertions: make(map[string]map[string]time.Time),
	}
}

// Revision returns the current graph revision.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rev
}

// Counts returns the current node and edge counts.
func (s *Store) Counts() (nodes, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.edges)
}

// ApplyMutations applies one connector's sync batch atomically: the whole
// batch is validated against the staged result first, and an invariant
// violation rejects the batch leaving the graph untouched. Returns the number
// of mutations applied (last-writer-wins may skip stale upserts and gated
// tombstones without failing the batch).
func (s *Store) ApplyMutations(connectorID string, muts []models.GraphMutation) (int, error) {
	for i := range muts {
		if err := muts[i].Validate(); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stage: decide which mutations win, then validate the combined result.
	type staged struct {
		addNodes map[string]models.GraphNode
		delNodes map[string]struct{}
		addEdges []models.GraphEdge
	}
	st := staged{
		addNodes: make(map[string]models.GraphNode),
		delNodes: make(map[string]struct{}),
	}
	applied := 0

	for _, m := range muts {
		switch m.Kind {
		case models.MutationUpsertNode:
			if s.lostWriteRace(connectorID, m.Node.ID, m.ObservedAt) {
				continue
			}
			st.addNodes[m.Node.ID] = cloneNode(*m.Node)
			delete(st.delNodes, m.Node.ID)
			applied++
		case models.MutationUpsertEdge:
			st.addEdges = append(st.addEdges, cloneEdge(*m.Edge))
			applied++
		case models.MutationTombstone:
			// Tombstones only apply to nodes no other connector asserts.
			if s.assertedByOther(connectorID, m.TombstoneID) {
				continue
			}
			st.delNodes[m.TombstoneID] = struct{}{}
			delete(st.addNodes, m.TombstoneID)
			applied++
		}
	}

	exists := func(id string) (models.GraphNode, bool) {
		if _, dead := st.delNodes[id]; dead {
			return models.GraphNode{}, false
		}
		if n, ok := st.addNodes[id]; ok {
			return n, true
		}
		n, ok := s.nodes[id]
		return n, ok
	}

	// Invariant: node ids are globally unique across kinds.
	for id, n := range st.addNodes {
		if cur, ok := s.nodes[id]; ok && cur.Kind != n.Kind {
			return 0, &models.GraphInvariantError{
				Invariant: "unique-id",
				Detail:    fmt.Sprintf("node %s already exists with kind %s (got %s)", id, cur.Kind, n.Kind),
			}
		}
	}

	// Invariant: VLAN id unique within an environment.
	if err := s.checkVLANUniqueness(st.addNodes, st.delNodes); err != nil {
		return 0, err
	}

	for _, e := range st.addEdges {
		// Invariant: every edge endpoint resolves to an existing node.
		if _, ok := exists(e.Source); !ok {
			return 0, &models.GraphInvariantError{
				Invariant: "dangling-edge",
				Detail:    fmt.Sprintf("edge %s references missing source %s", e.Kind, e.Source),
			}
		}
		if _, ok := exists(e.Target); !ok {
			return 0, &models.GraphInvariantError{
				Invariant: "dangling-edge",
				Detail:    fmt.Sprintf("edge %s references missing target %s", e.Kind, e.Target),
			}
		}
		// Invariant: a Rule belongs to exactly one Device, an Interface too.
		if e.Kind == models.EdgeHasRule || e.Kind == models.EdgeHasInterface {
			if owner, ok := s.ownerOf(e.Kind, e.Target); ok && owner != e.Source {
				if _, gone := st.delNodes[owner]; !gone {
					return 0, &models.GraphInvariantError{
						Invariant: "single-owner",
						Detail:    fmt.Sprintf("%s %s already belongs to device %s", e.Kind, e.Target, owner),
					}
				}
			}
		}
	}

	// Commit.
	for id := range st.delNodes {
		s.removeNodeLocked(id)
	}
	for id, n := range st.addNodes {
		s.nodes[id] = n
		s.assert(connectorID, id, observedOrNow(muts, id))
	}
	for _, e := range st.addEdges {
		s.addEdgeLocked(e)
	}
	if applied > 0 {
		s.rev++
		metrics.GraphRevision.Set(float64(s.rev))
		metrics.GraphNodes.Set(float64(len(s.nodes)))
	}
	return applied, nil
}

func observedOrNow(muts []models.GraphMutation, nodeID string) time.Time {
	for i := len(muts) - 1; i >= 0; i-- {
		if muts[i].Kind == models.MutationUpsertNode && muts[i].Node.ID == nodeID && !muts[i].ObservedAt.IsZero() {
			return muts[i].ObservedAt
		}
	}
	return time.Now().UTC()
}

func (s *Store) lostWriteRace(connectorID, nodeID string, observedAt time.Time) bool {
	if observedAt.IsZero() {
		return false
	}
	for other, at := range s.assertions[nodeID] {
		if other != connectorID && at.After(observedAt) {
			return true
		}
	}
	return false
}

func (s *Store) assertedByOther(connectorID, nodeID string) bool {
	for other := range s.assertions[nodeID] {
		if other != connectorID {
			return true
		}
	}
	return false
}

func (s *Store) assert(connectorID, nodeID string, at time.Time) {
	m := s.assertions[nodeID]
	if m == nil {
		m = make(map[string]time.Time)
		s.assertions[nodeID] = m
	}
	m[connectorID] = at
}

// ownerOf returns the current owning device for a HAS_RULE / HAS_INTERFACE target.
func (s *Store) ownerOf(kind models.EdgeKind, target string) (string, bool) {
	for _, e := range s.in[target] {
		if e.Kind == kind {
			return e.Source, true
		}
	}
	return "", false
}

func (s *Store) checkVLANUniqueness(add map[string]models.GraphNode, del map[string]struct{}) error {
	seen := make(map[string]string) // env|vlan_id -> node id
	record := func(n models.GraphNode) error {
		if n.Kind != models.NodeVLAN {
			return nil
		}
		key := n.Prop("environment") + "|" + fmt.Sprint(n.Properties["vlan_id"])
		if prev, ok := seen[key]; ok && prev != n.ID {
			return &models.GraphInvariantError{
				Invariant: "vlan-unique",
				Detail:    fmt.Sprintf("vlan id %v duplicated in environment %s (%s, %s)", n.Properties["vlan_id"], n.Prop("environment"), prev, n.ID),
			}
		}
		seen[key] = n.ID
		return nil
	}
	for id, n := range s.nodes {
		if _, gone := del[id]; gone {
			continue
		}
		if repl, ok := add[id]; ok {
			n = repl
		}
		if err := record(n); err != nil {
			return err
		}
	}
	for id, n := range add {
		if _, existing := s.nodes[id]; existing {
			continue
		}
		if err := record(n); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) addEdgeLocked(e models.GraphEdge) {
	key := e.Key()
	if _, ok := s.edges[key]; ok {
		return
	}
	s.edges[key] = struct{}{}
	// Replace, never append in place: snapshots share the old slices.
	s.out[e.Source] = appendCopy(s.out[e.Source], e)
	s.in[e.Target] = appendCopy(s.in[e.Target], e)
}

func (s *Store) removeNodeLocked(id string) {
	if _, ok := s.nodes[id]; !ok {
		return
	}
	delete(s.nodes, id)
	delete(s.assertions, id)
	for _, e := range s.out[id] {
		delete(s.edges, e.Key())
		s.in[e.Target] = dropEdges(s.in[e.Target], id, "")
	}
	for _, e := range s.in[id] {
		delete(s.edges, e.Key())
		s.out[e.Source] = dropEdges(s.out[e.Source], "", id)
	}
	delete(s.out, id)
	delete(s.in, id)
}

func appendCopy(edges []models.GraphEdge, e models.GraphEdge) []models.GraphEdge {
	out := make([]models.GraphEdge, 0, len(edges)+1)
	out = append(out, edges...)
	return append(out, e)
}

// dropEdges returns a fresh slice without edges matching the given source or
// target (empty string matches nothing on that side).
func dropEdges(edges []models.GraphEdge, source, target string) []models.GraphEdge {
	out := make([]models.GraphEdge, 0, len(edges))
	for _, e := range edges {
		if (source != "" && e.Source == source) || (target != "" && e.Target == target) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func cloneNode(n models.GraphNode) models.GraphNode {
	props := make(map[string]any, len(n.Properties))
	for k, v := range n.Properties {
		props[k] = v
	}
	n.Properties = props
	return n
}

func cloneEdge(e models.GraphEdge) models.GraphEdge {
	if e.Properties != nil {
		props := make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			props[k] = v
		}
		e.Properties = props
	}
	return e
}

// Checkpoint serializes the full graph for persistence after a sync cycle.
func (s *Store) Checkpoint() ([]byte, error) {
	snap := s.Snapshot()
	doc := struct {
		Revision uint64             `json:"revision"`
		Nodes    []models.GraphNode `json:"nodes"`
		Edges    []models.GraphEdge `json:"edges"`
	}{Revision: snap.Revision(), Nodes: snap.Nodes(), Edges: snap.Edges()}
	return json.Marshal(doc)
}

// Restore loads a checkpoint into an empty store via the administrative path.
func (s *Store) Restore(data []byte) error {
	var doc struct {
		Revision uint64             `json:"revision"`
		Nodes    []models.GraphNode `json:"nodes"`
		Edges    []models.GraphEdge `json:"edges"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decoding graph checkpoint: %w", err)
	}
	muts := make([]models.GraphMutation, 0, len(doc.Nodes)+len(doc.Edges))
	for i := range doc.Nodes {
		n := doc.Nodes[i]
		muts = append(muts, models.GraphMutation{Kind: models.MutationUpsertNode, Node: &n})
	}
	for i := range doc.Edges {
		e := doc.Edges[i]
		muts = append(muts, models.GraphMutation{Kind: models.MutationUpsertEdge, Edge: &e})
	}
	_, err := s.ApplyMutations("checkpoint", muts)
	return err
}

// Snapshot returns an immutable view of the graph at its current revision.
// In-flight analyses keep reading the snapshot they started from; later syncs
// advance the store without touching it.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make(map[string]models.GraphNode, len(s.nodes))
	for id, n := range s.nodes {
		nodes[id] = n
	}
	out := make(map[string][]models.GraphEdge, len(s.out))
	for id, es := range s.out {
		out[id] = es
	}
	in := make(map[string][]models.GraphEdge, len(s.in))
	for id, es := range s.in {
		in[id] = es
	}
	return &Snapshot{rev: s.rev, nodes: nodes, out: out, in: in, edgeCount: len(s.edges)}
}

// Snapshot is a frozen, read-only view of the graph.
type Snapshot struct {
	rev       uint64
	nodes     map[string]models.GraphNode
	out       map[string][]models.GraphEdge
	in        map[string][]models.GraphEdge
	edgeCount int
}

// Revision returns the revision this snapshot was taken at.
func (g *Snapshot) Revision() uint64 { return g.rev }

// Node returns a node by id.
func (g *Snapshot) Node(id string) (models.GraphNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Out returns the edges originating at the node.
func (g *Snapshot) Out(id string) []models.GraphEdge { return g.out[id] }

// In returns the edges targeting the node.
func (g *Snapshot) In(id string) []models.GraphEdge { return g.in[id] }

// OutKind filters outgoing edges by kind.
func (g *Snapshot) OutKind(id string, kinds ...models.EdgeKind) []models.GraphEdge {
	return filterEdges(g.out[id], kinds)
}

// InKind filters incoming edges by kind.
func (g *Snapshot) InKind(id string, kinds ...models.EdgeKind) []models.GraphEdge {
	return filterEdges(g.in[id], kinds)
}

func filterEdges(edges []models.GraphEdge, kinds []models.EdgeKind) []models.GraphEdge {
	var out []models.GraphEdge
	for _, e := range edges {
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Nodes returns all nodes sorted by id for deterministic iteration.
func (g *Snapshot) Nodes() []models.GraphNode {
	out := make([]models.GraphNode, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NodesByKind returns all nodes of a kind sorted by id.
func (g *Snapshot) NodesByKind(kind models.NodeKind) []models.GraphNode {
	var out []models.GraphNode
	for _, n := range g.nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns all edges sorted by identity triple.
func (g *Snapshot) Edges() []models.GraphEdge {
	var out []models.GraphEdge
	for _, es := range g.out {
		out = append(out, es...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// NodeCount returns the number of nodes in the snapshot.
func (g *Snapshot) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of edges in the snapshot.
func (g *Snapshot) EdgeCount() int { return g.edgeCount }
