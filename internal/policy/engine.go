// Package policy evaluates guardrail policies against a submitted change.
// Policies scope by environment and change type, optionally constrain by
// blocked hours/days, ANY-ANY involvement, or hard block sets. The change
// level verdict is the most severe action among all triggered policies.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/remaestro/deplyx/internal/models"
)

// TriggeredPolicy is one policy that fired during evaluation.
type TriggeredPolicy struct {
	PolicyID string              `json:"policy_id"`
	Name     string              `json:"name"`
	Action   models.PolicyAction `json:"action"`
	Reason   string              `json:"reason"`
}

// Result is the change-level outcome of evaluating every enabled policy.
type Result struct {
	// Verdict is "ignore" when nothing fired, otherwise the most severe
	// triggered action in order block > require_double_approval > warn.
	Verdict   string            `json:"verdict"`
	Triggered []TriggeredPolicy `json:"triggered,omitempty"`
	// RequiredApprovals is the highest required_approvals among triggered
	// double-validation policies (0 when unset).
	RequiredApprovals int `json:"required_approvals,omitempty"`
}

// VerdictIgnore is the Result verdict when no policy fires.
const VerdictIgnore = "ignore"

// Blocked returns the PolicyBlockedError for a block verdict, nil otherwise.
func (r *Result) Blocked() *models.PolicyBlockedError {
	if r.Verdict != string(models.PolicyBlock) {
		return nil
	}
	err := &models.PolicyBlockedError{}
	for _, t := range r.Triggered {
		if t.Action == models.PolicyBlock {
			err.Policies = append(err.Policies, t.Name)
			err.Reasons = append(err.Reasons, t.Reason)
		}
	}
	return err
}

// Engine evaluates policies. Stateless; the policy set is passed per call so
// evaluation stays a pure function of its inputs.
type Engine struct{}

// NewEngine returns a policy engine.
func NewEngine() *Engine { return &Engine{} }

// Evaluate runs every enabled policy against the change and its impact
// snapshot. now is the submit clock used for time restrictions.
func (e *Engine) Evaluate(policies []models.Policy, change *models.Change, impact *models.ImpactSnapshot, now time.Time) *Result {
	result := &Result{Verdict: VerdictIgnore}
	for i := range policies {
		p := &policies[i]
		if !p.Enabled {
			continue
		}
		action, reason, fired := e.evaluateOne(p, change, impact, now)
		if !fired {
			continue
		}
		result.Triggered = append(result.Triggered, TriggeredPolicy{
			PolicyID: p.ID, Name: p.Name, Action: action, Reason: reason,
		})
		if severity(string(action)) > severity(result.Verdict) {
			result.Verdict = string(action)
		}
		if action == models.PolicyDoubleApproval && p.Condition.RequiredApprovals > result.RequiredApprovals {
			result.RequiredApprovals = p.Condition.RequiredApprovals
		}
	}
	return result
}

// evaluateOne returns the effective action and a human-readable reason when
// the policy fires. Hard block sets escalate the action to block regardless of
// the policy's configured action.
func (e *Engine) evaluateOne(p *models.Policy, change *models.Change, impact *models.ImpactSnapshot, now time.Time) (models.PolicyAction, string, bool) {
	cond := p.Condition
	if len(cond.Environments) > 0 && !contains(cond.Environments, string(change.Environment)) {
		return "", "", false
	}
	if len(cond.ChangeTypes) > 0 && !contains(cond.ChangeTypes, string(change.ChangeType)) {
		return "", "", false
	}

	if len(cond.BlockEnvironments) > 0 && contains(cond.BlockEnvironments, string(change.Environment)) {
		return models.PolicyBlock, fmt.Sprintf("changes in environment %s are blocked", change.Environment), true
	}
	if len(cond.BlockChangeTypes) > 0 && contains(cond.BlockChangeTypes, string(change.ChangeType)) {
		return models.PolicyBlock, fmt.Sprintf("%s changes are blocked", change.ChangeType), true
	}

	constrained := false
	if cond.BlockedHoursStart != nil || len(cond.BlockedDays) > 0 {
		constrained = true
		if inBlockedTime(cond, now) {
			return p.Action, blockedTimeReason(cond, now), true
		}
	}
	if cond.BlockAnyAnyRules {
		constrained = true
		if impact != nil && impact.InvolvesAnyAny() {
			return p.Action, "an unrestricted ANY-ANY rule is involved", true
		}
	}

	// A policy with only scope conditions fires on scope match alone.
	if !constrained {
		return p.Action, scopeReason(cond, change), true
	}
	return "", "", false
}

// inBlockedTime checks hours and days together: when both are set the policy
// fires only inside the blocked hours on a blocked day.
func inBlockedTime(cond models.Condition, now time.Time) bool {
	if cond.BlockedHoursStart != nil && cond.BlockedHoursEnd != nil {
		h := now.Hour()
		if h < *cond.BlockedHoursStart || h >= *cond.BlockedHoursEnd {
			return false
		}
	}
	if len(cond.BlockedDays) > 0 {
		day := now.Weekday().String()[:3]
		if !contains(cond.BlockedDays, day) {
			return false
		}
	}
	return true
}

func blockedTimeReason(cond models.Condition, now time.Time) string {
	var parts []string
	if cond.BlockedHoursStart != nil && cond.BlockedHoursEnd != nil {
		parts = append(parts, fmt.Sprintf("hour %d is within blocked hours %d-%d",
			now.Hour(), *cond.BlockedHoursStart, *cond.BlockedHoursEnd))
	}
	if len(cond.BlockedDays) > 0 {
		parts = append(parts, fmt.Sprintf("%s is a blocked day", now.Weekday().String()[:3]))
	}
	return strings.Join(parts, ", ")
}

func scopeReason(cond models.Condition, change *models.Change) string {
	var parts []string
	if len(cond.Environments) > 0 {
		parts = append(parts, "environment "+string(change.Environment))
	}
	if len(cond.ChangeTypes) > 0 {
		parts = append(parts, "change type "+string(change.ChangeType))
	}
	if len(parts) == 0 {
		return "policy applies to all changes"
	}
	return "policy matches " + strings.Join(parts, " and ")
}

func severity(verdict string) int {
	switch verdict {
	case string(models.PolicyBlock):
		return 3
	case string(models.PolicyDoubleApproval):
		return 2
	case string(models.PolicyWarn):
		return 1
	}
	return 0
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// ConflictType classifies a detected policy conflict.
type ConflictType string

const (
	// ConflictOverlap marks two scope-overlapping policies where one blocks
	// and the other permits the same (environment, change type) tuple.
	ConflictOverlap ConflictType = "overlap"
	// ConflictPrecedence marks a double-approval requirement overlapping a
	// policy that would pass the change at a single approval.
	ConflictPrecedence ConflictType = "precedence"
)

// Conflict is one detected pair.
type Conflict struct {
	PolicyA      string       `json:"policy_a"`
	PolicyB      string       `json:"policy_b"`
	ConflictType ConflictType `json:"conflict_type"`
}

// Conflicts reports pairs of enabled policies whose scopes overlap but whose
// actions disagree.
func (e *Engine) Conflicts(policies []models.Policy) []Conflict {
	var out []Conflict
	for i := 0; i < len(policies); i++ {
		for j := i + 1; j < len(policies); j++ {
			a, b := &policies[i], &policies[j]
			if !a.Enabled || !b.Enabled {
				continue
			}
			if !scopesOverlap(a.Condition, b.Condition) {
				continue
			}
			switch {
			case disagree(a.Action, b.Action, models.PolicyBlock, models.PolicyWarn):
				out = append(out, Conflict{PolicyA: a.Name, PolicyB: b.Name, ConflictType: ConflictOverlap})
			case disagree(a.Action, b.Action, models.PolicyDoubleApproval, models.PolicyWarn):
				out = append(out, Conflict{PolicyA: a.Name, PolicyB: b.Name, ConflictType: ConflictPrecedence})
			}
		}
	}
	return out
}

func disagree(a, b, x, y models.PolicyAction) bool {
	return (a == x && b == y) || (a == y && b == x)
}

// scopesOverlap reports whether two conditions can match the same
// (environment, change type) tuple. An empty axis matches everything.
func scopesOverlap(a, b models.Condition) bool {
	return setsIntersect(a.Environments, b.Environments) &&
		setsIntersect(a.ChangeTypes, b.ChangeTypes)
}

func setsIntersect(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	for _, v := range a {
		if contains(b, v) {
			return true
		}
	}
	return false
}
