// Package rest exposes the change intelligence engine over HTTP: change CRUD
// and lifecycle, policies, connectors, graph queries, audit, and dashboard
// KPIs.
package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/remaestro/deplyx/internal/graph"
	"github.com/remaestro/deplyx/internal/policy"
	"github.com/remaestro/deplyx/internal/repository"
	"github.com/remaestro/deplyx/internal/service"
	"github.com/remaestro/deplyx/internal/syncer"
	"github.com/remaestro/deplyx/internal/workflow"
)

// Handler manages HTTP request handlers.
type Handler struct {
	changes    *service.ChangeService
	kpis       *service.KPIService
	controller *workflow.Controller
	coord      *syncer.Coordinator
	policies   *policy.Engine
	repo       repository.Repository
	graph      *graph.Store
	log        *slog.Logger
}

// NewHandler creates a new HTTP handler.
func NewHandler(
	changes *service.ChangeService,
	kpis *service.KPIService,
	controller *workflow.Controller,
	coord *syncer.Coordinator,
	policies *policy.Engine,
	repo repository.Repository,
	g *graph.Store,
	log *slog.Logger,
) *Handler {
	return &Handler{
		changes:    changes,
		kpis:       kpis,
		controller: controller,
		coord:      coord,
		policies:   policies,
		repo:       repo,
		graph:      g,
		log:        log,
	}
}

// SetupRoutes configures API routes.
func SetupRoutes(router *mux.Router, h *Handler) {
	// Change routes
	router.HandleFunc("/changes", h.ListChanges).Methods("GET")
	router.HandleFunc("/changes", h.CreateChange).Methods("POST")
	router.HandleFunc("/changes/{id}", h.GetChange).Methods("GET")
	router.HandleFunc("/changes/{id}", h.UpdateChange).Methods("PUT")
	router.HandleFunc("/changes/{id}/submit", h.SubmitChange).Methods("POST")
	router.HandleFunc("/changes/{id}/reanalyze", h.ReanalyzeChange).Methods("POST")
	router.HandleFunc("/changes/{id}/execute", h.ExecuteChange).Methods("POST")
	router.HandleFunc("/changes/{id}/complete", h.CompleteChange).Methods("POST")
	router.HandleFunc("/changes/{id}/rollback", h.RollbackChange).Methods("POST")
	router.HandleFunc("/changes/{id}/impact", h.GetImpact).Methods("GET")
	router.HandleFunc("/changes/{id}/risk", h.GetRisk).Methods("GET")
	router.HandleFunc("/changes/{id}/approvals", h.ListApprovals).Methods("GET")
	router.HandleFunc("/changes/{id}/audit", h.GetAuditTrail).Methods("GET")
	router.HandleFunc("/changes/{id}/incidents", h.ReportIncident).Methods("POST")
	router.HandleFunc("/changes/{id}/simulate", h.SimulateChange).Methods("POST")
	router.HandleFunc("/changes/{id}/validate", h.ValidateChange).Methods("POST")

	// Approval routes
	router.HandleFunc("/approvals/{id}/approve", h.ApproveChange).Methods("POST")
	router.HandleFunc("/approvals/{id}/reject", h.RejectChange).Methods("POST")

	// Policy routes
	router.HandleFunc("/policies", h.ListPolicies).Methods("GET")
	router.HandleFunc("/policies", h.CreatePolicy).Methods("POST")
	router.HandleFunc("/policies/conflicts", h.PolicyConflicts).Methods("GET")
	router.HandleFunc("/policies/{id}", h.GetPolicy).Methods("GET")
	router.HandleFunc("/policies/{id}", h.UpdatePolicy).Methods("PUT")
	router.HandleFunc("/policies/{id}", h.DeletePolicy).Methods("DELETE")

	// Connector routes
	router.HandleFunc("/connectors", h.ListConnectors).Methods("GET")
	router.HandleFunc("/connectors", h.CreateConnector).Methods("POST")
	router.HandleFunc("/connectors/types", h.ConnectorTypes).Methods("GET")
	router.HandleFunc("/connectors/{id}", h.GetConnector).Methods("GET")
	router.HandleFunc("/connectors/{id}", h.DeleteConnector).Methods("DELETE")
	router.HandleFunc("/connectors/{id}/sync", h.SyncConnector).Methods("POST")

	// Graph routes
	router.HandleFunc("/graph", h.GraphInfo).Methods("GET")
	router.HandleFunc("/graph/nodes", h.ListGraphNodes).Methods("GET")
	router.HandleFunc("/graph/nodes/{id}", h.GetGraphNode).Methods("GET")
	router.HandleFunc("/graph/seed", h.SeedGraph).Methods("POST")

	// Dashboard
	router.HandleFunc("/dashboard/kpis", h.DashboardKPIs).Methods("GET")

	// Health check
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "deplyx"})
	}).Methods("GET")
}

// userID pulls the acting user from the request header; the surface trusts an
// upstream identity proxy.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
