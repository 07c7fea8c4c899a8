package rest

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/remaestro/deplyx/internal/connector"
	"github.com/remaestro/deplyx/internal/models"
)

// CreateChange handles POST /changes.
func (h *Handler) CreateChange(w http.ResponseWriter, r *http.Request) {
	var change models.Change
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	created, err := h.changes.Create(r.Context(), &change, userID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// ListChanges handles GET /changes?status=&limit=&offset=.
func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	changes, err := h.changes.List(r.Context(), models.ChangeStatus(q.Get("status")), limit, offset)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, changes)
}

// GetChange handles GET /changes/{id}.
func (h *Handler) GetChange(w http.ResponseWriter, r *http.Request) {
	change, err := h.changes.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, change)
}

// UpdateChange handles PUT /changes/{id}.
func (h *Handler) UpdateChange(w http.ResponseWriter, r *http.Request) {
	var edit models.Change
	if err := json.NewDecoder(r.Body).Decode(&edit); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	updated, err := h.changes.Update(r.Context(), mux.Vars(r)["id"], &edit, userID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// SubmitChange handles POST /changes/{id}/submit.
func (h *Handler) SubmitChange(w http.ResponseWriter, r *http.Request) {
	change, err := h.controller.Submit(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, change)
}

// ReanalyzeChange handles POST /changes/{id}/reanalyze.
func (h *Handler) ReanalyzeChange(w http.ResponseWriter, r *http.Request) {
	snap, err := h.controller.Reanalyze(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// GetImpact handles GET /changes/{id}/impact.
func (h *Handler) GetImpact(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	change, err := h.changes.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	snap, err := change.Impact()
	if err != nil {
		respondError(w, err)
		return
	}
	if snap == nil {
		respondError(w, &models.NotFoundError{Resource: "impact snapshot", ID: id})
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// GetRisk handles GET /changes/{id}/risk: the latest scoring result with its
// per-factor breakdown, reconstructed from the risk_calculated audit entry.
func (h *Handler) GetRisk(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	change, err := h.changes.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if change.RiskScore == nil {
		respondError(w, &models.NotFoundError{Resource: "risk result", ID: id})
		return
	}
	entries, err := h.repo.ListAuditForChange(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	var result models.RiskResult
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Action == models.AuditRiskCalculated {
			if err := json.Unmarshal([]byte(entries[i].Details), &result); err != nil {
				respondError(w, err)
				return
			}
			break
		}
	}
	respondJSON(w, http.StatusOK, result)
}

// ExecuteChange handles POST /changes/{id}/execute. When a connector_id is
// supplied the change is also pushed to that connector for enforcement.
func (h *Handler) ExecuteChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Override    bool   `json:"override"`
		ConnectorID string `json:"connector_id"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	id := mux.Vars(r)["id"]
	if err := h.controller.Execute(r.Context(), id, userID(r), req.Override); err != nil {
		respondError(w, err)
		return
	}

	resp := map[string]any{"status": string(models.StatusExecuting)}
	if req.ConnectorID != "" {
		receipt, err := h.applyViaConnector(r, id, req.ConnectorID)
		if err != nil {
			respondError(w, err)
			return
		}
		resp["receipt"] = receipt
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) applyViaConnector(r *http.Request, changeID, connectorID string) (*connector.ExecutionReceipt, error) {
	change, err := h.changes.Get(r.Context(), changeID)
	if err != nil {
		return nil, err
	}
	cfg, err := h.repo.GetConnector(r.Context(), connectorID)
	if err != nil {
		return nil, err
	}
	conn, err := connector.New(cfg)
	if err != nil {
		return nil, err
	}
	return conn.ApplyChange(r.Context(), change)
}

// CompleteChange handles POST /changes/{id}/complete.
func (h *Handler) CompleteChange(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.Complete(r.Context(), mux.Vars(r)["id"], userID(r)); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusCompleted)})
}

// RollbackChange handles POST /changes/{id}/rollback.
func (h *Handler) RollbackChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := h.controller.Rollback(r.Context(), mux.Vars(r)["id"], userID(r), req.Reason); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusRolledBack)})
}

// ListApprovals handles GET /changes/{id}/approvals.
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := h.repo.ListApprovals(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, approvals)
}

// ApproveChange handles POST /approvals/{id}/approve.
func (h *Handler) ApproveChange(w http.ResponseWriter, r *http.Request) {
	h.decideApproval(w, r, true)
}

// RejectChange handles POST /approvals/{id}/reject.
func (h *Handler) RejectChange(w http.ResponseWriter, r *http.Request) {
	h.decideApproval(w, r, false)
}

func (h *Handler) decideApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	approvalID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondBadRequest(w, "approval id must be an integer")
		return
	}
	var req struct {
		Role    models.Role `json:"role"`
		Comment string      `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}

	if approve {
		err = h.controller.Approve(r.Context(), approvalID, userID(r), req.Role, req.Comment)
	} else {
		err = h.controller.Reject(r.Context(), approvalID, userID(r), req.Role, req.Comment)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"approval_id": approvalID, "approved": approve})
}

// GetAuditTrail handles GET /changes/{id}/audit.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.repo.ListAuditForChange(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// ReportIncident handles POST /changes/{id}/incidents.
func (h *Handler) ReportIncident(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Targets     []string `json:"targets"`
		Description string   `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	if err := h.controller.ReportIncident(r.Context(), mux.Vars(r)["id"], userID(r), req.Targets, req.Description); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}
