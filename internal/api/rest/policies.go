package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/remaestro/deplyx/internal/models"
	"github.com/remaestro/deplyx/internal/policy"
)

// CreatePolicy handles POST /policies.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p models.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, err)
		return
	}
	if err := h.repo.CreatePolicy(r.Context(), &p); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

// ListPolicies handles GET /policies?enabled=true.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	policies, err := h.repo.ListPolicies(r.Context(), enabledOnly)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, policies)
}

// GetPolicy handles GET /policies/{id}.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.repo.GetPolicy(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// UpdatePolicy handles PUT /policies/{id}.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var p models.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, err)
		return
	}
	p.ID = mux.Vars(r)["id"]
	if err := h.repo.UpdatePolicy(r.Context(), &p); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// DeletePolicy handles DELETE /policies/{id}.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeletePolicy(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// PolicyConflicts handles GET /policies/conflicts: pairs of enabled policies
// whose scopes overlap but whose actions disagree.
func (h *Handler) PolicyConflicts(w http.ResponseWriter, r *http.Request) {
	policies, err := h.repo.ListPolicies(r.Context(), false)
	if err != nil {
		respondError(w, err)
		return
	}
	conflicts := h.policies.Conflicts(policies)
	if conflicts == nil {
		conflicts = []policy.Conflict{}
	}
	respondJSON(w, http.StatusOK, conflicts)
}
