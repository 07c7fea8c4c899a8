// Package risk scores a change from its frozen impact snapshot. The engine is
// a pure function of (change, impact, prior incidents, clock); the clock value
// used for the maintenance window check is captured on the result so the
// risk_calculated audit entry can reproduce the score.
package risk

import (
	"fmt"
	"time"

	"github.com/remaestro/deplyx/internal/models"
)

// IncidentLookback is how far back a prior incident on a target device still
// raises the score.
const IncidentLookback = 90 * 24 * time.Hour

// Engine composes additive risk factors and clips to the configured range.
type Engine struct {
	clipMin float64
	clipMax float64
}

// NewEngine builds an engine with the configured clip bounds.
func NewEngine(clipMin, clipMax float64) *Engine {
	return &Engine{clipMin: clipMin, clipMax: clipMax}
}

// LevelFor maps a clipped score to its qualitative band.
func LevelFor(score float64) models.RiskLevel {
	switch {
	case score <= 30:
		return models.RiskLow
	case score <= 55:
		return models.RiskMedium
	case score <= 75:
		return models.RiskHigh
	}
	return models.RiskCritical
}

// Evaluate scores the change. priorIncidents holds the node ids with an
// incident_reported audit entry inside the lookback window; now is the clock
// used for the maintenance window factor.
func (e *Engine) Evaluate(change *models.Change, impact *models.ImpactSnapshot, priorIncidents []string, now time.Time) *models.RiskResult {
	var factors []models.RiskFactor
	add := func(name string, score float64, reason string) {
		factors = append(factors, models.RiskFactor{Name: name, Score: score, Reason: reason})
	}

	if change.Environment == models.EnvProd {
		add("prod_environment", 30, "change targets the production environment")
	}
	if impact.TouchesCore() {
		add("core_device", 40, "a directly impacted node is a core device")
	}
	if impact.TotalDependencyCount > 10 {
		add("dependency_fanout", 20,
			fmt.Sprintf("%d dependencies exceed the fanout threshold", impact.TotalDependencyCount))
	}
	if change.RollbackPlan == "" {
		add("no_rollback_plan", 25, "no rollback plan provided")
	}
	if !change.InWindow(now, 0) {
		add("outside_window", 30, "submitted outside the maintenance window")
	}
	if hitsPriorIncident(change.TargetComponents, priorIncidents) {
		add("prior_incident", 15, "an incident was reported on a target device within 90 days")
	}
	if n := len(impact.CriticalApplications()); n > 0 {
		score := float64(20 * n)
		if score > 40 {
			score = 40
		}
		add("critical_applications", score,
			fmt.Sprintf("%d distinct critical applications on the impact path", n))
	}
	if impact.InvolvesAnyAny() {
		add("any_any_rule", 25, "an unrestricted ANY-ANY firewall rule is involved")
	}

	// Reductions apply after the additions, before the clip.
	if impact.RedundancyAvailable {
		add("redundancy_available", -10, "every affected critical service keeps an independent path")
	}
	if change.Action == models.ActionAddRule && impact.MaxCriticality == models.CriticalityLow {
		add("additive_low_criticality", -5, "additive rule touching only low-criticality targets")
	}

	total := 0.0
	for _, f := range factors {
		total += f.Score
	}
	if total < e.clipMin {
		total = e.clipMin
	}
	if total > e.clipMax {
		total = e.clipMax
	}

	level := LevelFor(total)
	return &models.RiskResult{
		Score:       total,
		Level:       level,
		AutoApprove: level == models.RiskLow,
		Factors:     factors,
		ClockUsed:   now.UTC(),
	}
}

func hitsPriorIncident(targets []string, priorIncidents []string) bool {
	for _, t := range targets {
		for _, p := range priorIncidents {
			if t == p {
				return true
			}
		}
	}
	return false
}
