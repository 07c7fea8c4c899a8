package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/remaestro/deplyx/internal/graph"
	"github.com/remaestro/deplyx/internal/models"
)

// GraphInfo handles GET /graph.
func (h *Handler) GraphInfo(w http.ResponseWriter, r *http.Request) {
	nodes, edges := h.graph.Counts()
	respondJSON(w, http.StatusOK, map[string]any{
		"revision": h.graph.Revision(),
		"nodes":    nodes,
		"edges":    edges,
	})
}

// ListGraphNodes handles GET /graph/nodes?kind=Device.
func (h *Handler) ListGraphNodes(w http.ResponseWriter, r *http.Request) {
	snap := h.graph.Snapshot()
	var nodes []models.GraphNode
	if kind := r.URL.Query().Get("kind"); kind != "" {
		nodes = snap.NodesByKind(models.NodeKind(kind))
	} else {
		nodes = snap.Nodes()
	}
	if nodes == nil {
		nodes = []models.GraphNode{}
	}
	respondJSON(w, http.StatusOK, nodes)
}

// GetGraphNode handles GET /graph/nodes/{id}: the node plus its edges.
func (h *Handler) GetGraphNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap := h.graph.Snapshot()
	node, ok := snap.Node(id)
	if !ok {
		respondError(w, &models.NotFoundError{Resource: "graph node", ID: id})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"node":     node,
		"outgoing": snap.Out(id),
		"incoming": snap.In(id),
	})
}

// SeedGraph handles POST /graph/seed: loads the demo topology. Intended for
// fresh installs and lab environments.
func (h *Handler) SeedGraph(w http.ResponseWriter, r *http.Request) {
	if err := graph.Seed(h.graph); err != nil {
		respondError(w, err)
		return
	}
	nodes, edges := h.graph.Counts()
	respondJSON(w, http.StatusOK, map[string]any{
		"revision": h.graph.Revision(),
		"nodes":    nodes,
		"edges":    edges,
	})
}
