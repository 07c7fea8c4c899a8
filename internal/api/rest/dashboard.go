package rest

import "net/http"

// DashboardKPIs handles GET /dashboard/kpis.
func (h *Handler) DashboardKPIs(w http.ResponseWriter, r *http.Request) {
	kpis, err := h.kpis.Dashboard(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, kpis)
}
