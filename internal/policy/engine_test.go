package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remaestro/deplyx/internal/models"
)

func intp(v int) *int { return &v }

func prodChange() *models.Change {
	return &models.Change{
		ID:          "CHG-1",
		ChangeType:  models.ChangeFirewall,
		Action:      models.ActionModifyRule,
		Environment: models.EnvProd,
	}
}

func TestBusinessHoursBlock(t *testing.T) {
	e := NewEngine()
	policies := []models.Policy{{
		ID:       "POL-1",
		Name:     "No prod changes in biz hours",
		RuleType: models.RuleTimeRestriction,
		Action:   models.PolicyBlock,
		Enabled:  true,
		Condition: models.Condition{
			Environments:      []string{"Prod"},
			BlockedHoursStart: intp(9),
			BlockedHoursEnd:   intp(17),
		},
	}}

	// Tuesday 10:00 inside blocked hours.
	at := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	result := e.Evaluate(policies, prodChange(), nil, at)
	assert.Equal(t, string(models.PolicyBlock), result.Verdict)
	require.Len(t, result.Triggered, 1)
	assert.Equal(t, "No prod changes in biz hours", result.Triggered[0].Name)

	blocked := result.Blocked()
	require.NotNil(t, blocked)
	assert.Equal(t, []string{"No prod changes in biz hours"}, blocked.Policies)

	// 18:00 is outside the blocked hours.
	evening := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	result = e.Evaluate(policies, prodChange(), nil, evening)
	assert.Equal(t, VerdictIgnore, result.Verdict)
	assert.Nil(t, result.Blocked())

	// Non-matching environment is out of scope even inside the hours.
	staging := prodChange()
	staging.Environment = models.EnvPreprod
	result = e.Evaluate(policies, staging, nil, at)
	assert.Equal(t, VerdictIgnore, result.Verdict)
}

func TestBlockedDays(t *testing.T) {
	e := NewEngine()
	policies := []models.Policy{{
		ID: "POL-2", Name: "No Friday changes", RuleType: models.RuleTimeRestriction,
		Action: models.PolicyBlock, Enabled: true,
		Condition: models.Condition{BlockedDays: []string{"Fri", "Sat"}},
	}}

	friday := time.Date(2026, 3, 13, 11, 0, 0, 0, time.UTC)
	assert.Equal(t, string(models.PolicyBlock), e.Evaluate(policies, prodChange(), nil, friday).Verdict)

	monday := time.Date(2026, 3, 9, 11, 0, 0, 0, time.UTC)
	assert.Equal(t, VerdictIgnore, e.Evaluate(policies, prodChange(), nil, monday).Verdict)
}

func TestAnyAnyBlock(t *testing.T) {
	e := NewEngine()
	policies := []models.Policy{{
		ID: "POL-3", Name: "Block ANY-ANY rules", RuleType: models.RuleAutoBlock,
		Action: models.PolicyBlock, Enabled: true,
		Condition: models.Condition{BlockAnyAnyRules: true},
	}}

	anyAny := &models.ImpactSnapshot{DirectlyImpacted: []models.ImpactedNode{{
		ID: "RULE-ANY-01", Kind: models.NodeRule, Properties: map[string]any{"is_any_any": true},
	}}}
	clean := &models.ImpactSnapshot{}
	now := time.Now().UTC()

	assert.Equal(t, string(models.PolicyBlock), e.Evaluate(policies, prodChange(), anyAny, now).Verdict)
	assert.Equal(t, VerdictIgnore, e.Evaluate(policies, prodChange(), clean, now).Verdict)
}

func TestScopeOnlyDoubleApproval(t *testing.T) {
	e := NewEngine()
	policies := []models.Policy{{
		ID: "POL-4", Name: "Prod firewall double validation", RuleType: models.RuleDoubleValidation,
		Action: models.PolicyDoubleApproval, Enabled: true,
		Condition: models.Condition{
			Environments:      []string{"Prod"},
			ChangeTypes:       []string{"Firewall"},
			RequiredApprovals: 2,
		},
	}}

	result := e.Evaluate(policies, prodChange(), nil, time.Now().UTC())
	assert.Equal(t, string(models.PolicyDoubleApproval), result.Verdict)
	assert.Equal(t, 2, result.RequiredApprovals)
}

func TestVerdictSeverityOrdering(t *testing.T) {
	e := NewEngine()
	policies := []models.Policy{
		{ID: "POL-W", Name: "warn-all", RuleType: models.RuleAutoBlock, Action: models.PolicyWarn, Enabled: true},
		{ID: "POL-D", Name: "double-all", RuleType: models.RuleDoubleValidation, Action: models.PolicyDoubleApproval, Enabled: true},
		{ID: "POL-B", Name: "block-all", RuleType: models.RuleAutoBlock, Action: models.PolicyBlock, Enabled: true},
	}

	result := e.Evaluate(policies, prodChange(), nil, time.Now().UTC())
	assert.Equal(t, string(models.PolicyBlock), result.Verdict)
	assert.Len(t, result.Triggered, 3)
}

func TestDisabledPoliciesSkipped(t *testing.T) {
	e := NewEngine()
	policies := []models.Policy{{
		ID: "POL-5", Name: "disabled block", RuleType: models.RuleAutoBlock,
		Action: models.PolicyBlock, Enabled: false,
	}}
	assert.Equal(t, VerdictIgnore, e.Evaluate(policies, prodChange(), nil, time.Now().UTC()).Verdict)
}

func TestHardBlockSets(t *testing.T) {
	e := NewEngine()
	policies := []models.Policy{{
		// Configured as warn, but a matching block set escalates to block.
		ID: "POL-6", Name: "freeze prod", RuleType: models.RuleAutoBlock,
		Action: models.PolicyWarn, Enabled: true,
		Condition: models.Condition{BlockEnvironments: []string{"Prod"}},
	}}
	result := e.Evaluate(policies, prodChange(), nil, time.Now().UTC())
	assert.Equal(t, string(models.PolicyBlock), result.Verdict)
}

func TestConflicts(t *testing.T) {
	e := NewEngine()
	policies := []models.Policy{
		{
			ID: "POL-A", Name: "block prod firewall", Action: models.PolicyBlock,
			RuleType: models.RuleAutoBlock, Enabled: true,
			Condition: models.Condition{Environments: []string{"Prod"}, ChangeTypes: []string{"Firewall"}},
		},
		{
			ID: "POL-B", Name: "warn prod", Action: models.PolicyWarn,
			RuleType: models.RuleAutoBlock, Enabled: true,
			Condition: models.Condition{Environments: []string{"Prod"}},
		},
		{
			ID: "POL-C", Name: "double prod", Action: models.PolicyDoubleApproval,
			RuleType: models.RuleDoubleValidation, Enabled: true,
			Condition: models.Condition{Environments: []string{"Prod"}},
		},
		{
			ID: "POL-D", Name: "warn staging only", Action: models.PolicyWarn,
			RuleType: models.RuleAutoBlock, Enabled: true,
			Condition: models.Condition{Environments: []string{"Preprod"}},
		},
	}

	conflicts := e.Conflicts(policies)

	types := map[string]ConflictType{}
	for _, c := range conflicts {
		types[c.PolicyA+"|"+c.PolicyB] = c.ConflictType
	}
	assert.Equal(t, ConflictOverlap, types["block prod firewall|warn prod"])
	assert.Equal(t, ConflictPrecedence, types["warn prod|double prod"])
	// Disjoint environments never conflict.
	for key := range types {
		assert.NotContains(t, key, "warn staging only")
	}
}
