package models

import "time"

// RiskLevel is the qualitative band of a risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskFactor is one contribution to the composed score, kept for the audit
// trail and the UI breakdown.
type RiskFactor struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// RiskResult is the outcome of one risk evaluation. Deterministic for a given
// (change, impact, policies, clock) tuple; ClockUsed is recorded in the
// risk_calculated audit entry for reproducibility.
type RiskResult struct {
	Score       float64      `json:"risk_score"`
	Level       RiskLevel    `json:"risk_level"`
	AutoApprove bool         `json:"auto_approve"`
	Factors     []RiskFactor `json:"factors"`
	ClockUsed   time.Time    `json:"clock_used"`
}
