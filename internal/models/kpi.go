package models

// DashboardKPIs aggregates rollup counts and rates over change history.
type DashboardKPIs struct {
	TotalChanges           int     `json:"total_changes"`
	AutoApprovedPct        float64 `json:"auto_approved_pct"`
	AvgValidationMinutes   float64 `json:"avg_validation_minutes"`
	IncidentsPostChangePct float64 `json:"incidents_post_change_pct"`
	ScoringPrecisionPct    float64 `json:"scoring_precision_pct"`
	CoreChangesDetectedPct float64 `json:"core_changes_detected_pct"`
}
