package graph

import (
	"sort"

	"github.com/remaestro/deplyx/internal/models"
)

// RecomputeCore derives the is_core flag for every Device after a sync cycle.
// A device is core when it lies on at least k distinct shortest paths between
// critical Applications and their serving devices. Returns the ids flagged core.
func (s *Store) RecomputeCore(k int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	// pairs counts distinct (application, serving device) shortest paths
	// passing through each device.
	pairs := make(map[string]map[string]struct{})

	for appID, app := range s.nodes {
		if app.Kind != models.NodeApplication || app.Criticality() != models.CriticalityCritical {
			continue
		}
		for _, devID := range s.servingDevicesLocked(appID) {
			path := s.shortestPathLocked(appID, devID)
			for _, id := range path {
				n, ok := s.nodes[id]
				if !ok || n.Kind != models.NodeDevice {
					continue
				}
				if pairs[id] == nil {
					pairs[id] = make(map[string]struct{})
				}
				pairs[id][appID+"|"+devID] = struct{}{}
			}
		}
	}

	var core []string
	changed := false
	for id, n := range s.nodes {
		if n.Kind != models.NodeDevice {
			continue
		}
		isCore := len(pairs[id]) >= k
		if isCore {
			core = append(core, id)
		}
		if n.IsCore() != isCore {
			nn := cloneNode(n)
			nn.Properties["is_core"] = isCore
			s.nodes[id] = nn
			changed = true
		}
	}
	if changed {
		s.rev++
	}
	sort.Strings(core)
	return core
}

// servingDevicesLocked returns the devices an application transitively depends
// on through DEPENDS_ON edges, sorted for determinism.
func (s *Store) servingDevicesLocked(appID string) []string {
	visited := map[string]struct{}{appID: {}}
	queue := []string{appID}
	var devices []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range s.out[id] {
			if e.Kind != models.EdgeDependsOn {
				continue
			}
			if _, seen := visited[e.Target]; seen {
				continue
			}
			visited[e.Target] = struct{}{}
			if n, ok := s.nodes[e.Target]; ok && n.Kind == models.NodeDevice {
				devices = append(devices, e.Target)
			}
			queue = append(queue, e.Target)
		}
	}
	sort.Strings(devices)
	return devices
}

// shortestPathLocked runs an undirected BFS from src to dst and returns the
// node ids on one shortest path, src and dst included. Neighbor expansion is
// sorted so ties resolve the same way on every run. Returns nil when dst is
// unreachable.
func (s *Store) shortestPathLocked(src, dst string) []string {
	if src == dst {
		return []string{src}
	}
	parent := map[string]string{src: ""}
	queue := []string{src}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		neighbors := make([]string, 0, len(s.out[id])+len(s.in[id]))
		for _, e := range s.out[id] {
			neighbors = append(neighbors, e.Target)
		}
		for _, e := range s.in[id] {
			neighbors = append(neighbors, e.Source)
		}
		sort.Strings(neighbors)
		for _, nb := range neighbors {
			if _, seen := parent[nb]; seen {
				continue
			}
			parent[nb] = id
			if nb == dst {
				var path []string
				for cur := dst; cur != ""; cur = parent[cur] {
					path = append(path, cur)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
			queue = append(queue, nb)
		}
	}
	return nil
}
