package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/remaestro/deplyx/internal/connector"
	"github.com/remaestro/deplyx/internal/models"
)

// CreateConnector handles POST /connectors.
func (h *Handler) CreateConnector(w http.ResponseWriter, r *http.Request) {
	// Config carries credentials; it is accepted on create but never echoed
	// back in responses.
	var req struct {
		models.ConnectorConfig
		RawConfig json.RawMessage `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	cfg := req.ConnectorConfig
	cfg.Config = string(req.RawConfig)
	if cfg.Name == "" {
		respondError(w, &models.ValidationError{Field: "name", Reason: "must not be empty"})
		return
	}
	if !knownConnectorType(cfg.ConnectorType) {
		respondError(w, &models.ValidationError{Field: "connector_type", Reason: "unknown connector type " + cfg.ConnectorType})
		return
	}
	if err := h.repo.CreateConnector(r.Context(), &cfg); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, cfg)
}

func knownConnectorType(t string) bool {
	for _, known := range connector.Types() {
		if known == t {
			return true
		}
	}
	return false
}

// ListConnectors handles GET /connectors.
func (h *Handler) ListConnectors(w http.ResponseWriter, r *http.Request) {
	connectors, err := h.repo.ListConnectors(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, connectors)
}

// GetConnector handles GET /connectors/{id}.
func (h *Handler) GetConnector(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.repo.GetConnector(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// DeleteConnector handles DELETE /connectors/{id}.
func (h *Handler) DeleteConnector(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteConnector(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ConnectorTypes handles GET /connectors/types.
func (h *Handler) ConnectorTypes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, connector.Types())
}

// SyncConnector handles POST /connectors/{id}/sync: an immediate sync that
// coalesces with any in-flight run.
func (h *Handler) SyncConnector(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.repo.GetConnector(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	h.coord.SyncNow(id)
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// connectorFor resolves the connector named in the request body and the
// change addressed by the route.
func (h *Handler) connectorFor(w http.ResponseWriter, r *http.Request) (connector.Connector, *models.Change, bool) {
	var req struct {
		ConnectorID string `json:"connector_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectorID == "" {
		respondBadRequest(w, "connector_id is required")
		return nil, nil, false
	}
	change, err := h.changes.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return nil, nil, false
	}
	cfg, err := h.repo.GetConnector(r.Context(), req.ConnectorID)
	if err != nil {
		respondError(w, err)
		return nil, nil, false
	}
	conn, err := connector.New(cfg)
	if err != nil {
		respondError(w, err)
		return nil, nil, false
	}
	return conn, change, true
}

// SimulateChange handles POST /changes/{id}/simulate: a dry-run passthrough
// to the connector named in the request.
func (h *Handler) SimulateChange(w http.ResponseWriter, r *http.Request) {
	conn, change, ok := h.connectorFor(w, r)
	if !ok {
		return
	}
	report, err := conn.SimulateChange(r.Context(), change)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ValidateChange handles POST /changes/{id}/validate: asks the connector
// whether the change is applicable to the live estate.
func (h *Handler) ValidateChange(w http.ResponseWriter, r *http.Request) {
	conn, change, ok := h.connectorFor(w, r)
	if !ok {
		return
	}
	reasons, err := conn.ValidateChange(r.Context(), change)
	if err != nil {
		respondError(w, err)
		return
	}
	if reasons == nil {
		reasons = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"valid": len(reasons) == 0, "reasons": reasons})
}
