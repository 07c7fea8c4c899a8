package workflow

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remaestro/deplyx/internal/audit"
	"github.com/remaestro/deplyx/internal/config"
	"github.com/remaestro/deplyx/internal/graph"
	"github.com/remaestro/deplyx/internal/impact"
	"github.com/remaestro/deplyx/internal/models"
	"github.com/remaestro/deplyx/internal/pkg/logger"
	"github.com/remaestro/deplyx/internal/policy"
	"github.com/remaestro/deplyx/internal/repository"
	"github.com/remaestro/deplyx/internal/risk"
)

type fixture struct {
	repo       *repository.SQLiteRepository
	store      *graph.Store
	controller *Controller
	clock      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New("error")
	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "workflow.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	store := graph.NewStore()
	require.NoError(t, graph.Seed(store))

	cfg := config.Default()
	analyzer, err := impact.New(log, cfg.ImpactCacheSize, cfg.ImpactMaxDepthBlast, cfg.ImpactMaxDepth)
	require.NoError(t, err)
	journal := audit.NewJournal(repo, log)

	f := &fixture{
		repo:  repo,
		store: store,
		// Tuesday 12:00 UTC.
		clock: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.controller = NewController(repo, store,
		analyzer,
		risk.NewEngine(cfg.RiskClipMin, cfg.RiskClipMax),
		policy.NewEngine(),
		journal, log, cfg)
	f.controller.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) createChange(t *testing.T, change *models.Change) *models.Change {
	t.Helper()
	require.NoError(t, f.repo.CreateChange(context.Background(), change))
	return change
}

func (f *fixture) decommissionFirewall(t *testing.T) *models.Change {
	return f.createChange(t, &models.Change{
		Title:            "Decommission primary DC1 firewall",
		ChangeType:       models.ChangeFirewall,
		Action:           models.ActionDecommission,
		Environment:      models.EnvProd,
		TargetComponents: models.StringList{"FW-DC1-01"},
		CreatedBy:        "alex",
	})
}

func (f *fixture) lowRiskAddRule(t *testing.T) *models.Change {
	start := f.clock.Add(-time.Hour)
	end := f.clock.Add(time.Hour)
	return f.createChange(t, &models.Change{
		Title:                  "Open monitoring port",
		ChangeType:             models.ChangeFirewall,
		Action:                 models.ActionAddRule,
		Environment:            models.EnvProd,
		TargetComponents:       models.StringList{"LB-DC1-01"},
		RollbackPlan:           "remove the rule",
		MaintenanceWindowStart: &start,
		MaintenanceWindowEnd:   &end,
		CreatedBy:              "alex",
	})
}

func approvalRoles(approvals []models.Approval) []models.Role {
	out := make([]models.Role, 0, len(approvals))
	for _, a := range approvals {
		out = append(out, a.RoleRequired)
	}
	return out
}

func TestSubmitCriticalFirewallDecommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	change := f.decommissionFirewall(t)

	submitted, err := f.controller.Submit(ctx, change.ID, "alex")
	require.NoError(t, err)

	assert.Equal(t, models.StatusAnalyzing, submitted.Status)
	require.NotNil(t, submitted.RiskScore)
	assert.Equal(t, 100.0, *submitted.RiskScore)
	require.NotNil(t, submitted.RiskLevel)
	assert.Equal(t, "critical", *submitted.RiskLevel)

	snap, err := submitted.Impact()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "device_blast", snap.TraversalStrategy)
	assert.Len(t, snap.DirectlyImpacted, 1)
	assert.GreaterOrEqual(t, len(snap.AffectedApplications), 3)
	assert.Equal(t, models.CriticalityCritical, snap.MaxCriticality)

	approvals, err := f.repo.ListApprovals(ctx, change.ID)
	require.NoError(t, err)
	roles := approvalRoles(approvals)
	assert.Contains(t, roles, models.RoleAdmin)
	assert.Contains(t, roles, models.RoleSecurityLead)
	assert.Contains(t, roles, models.RoleDCManager)

	entries, err := f.repo.ListAuditForChange(ctx, change.ID)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, models.AuditSubmitted)
	assert.Contains(t, actions, models.AuditRiskCalculated)
}

func TestSubmitTwiceForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	change := f.decommissionFirewall(t)

	_, err := f.controller.Submit(ctx, change.ID, "alex")
	require.NoError(t, err)

	var forbidden *models.TransitionForbiddenError
	_, err = f.controller.Submit(ctx, change.ID, "alex")
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, models.StatusAnalyzing, forbidden.From)
}

func TestSubmitLowRiskAutoApproves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	change := f.lowRiskAddRule(t)

	submitted, err := f.controller.Submit(ctx, change.ID, "alex")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, submitted.Status)
	require.NotNil(t, submitted.RiskLevel)
	assert.Equal(t, "low", *submitted.RiskLevel)

	approvals, err := f.repo.ListApprovals(ctx, change.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, models.RoleApprover, approvals[0].RoleRequired)
	assert.Equal(t, models.ApprovalApproved, approvals[0].Status)
	require.NotNil(t, approvals[0].DecidedBy)
	assert.Equal(t, "system", *approvals[0].DecidedBy)

	entries, err := f.repo.ListAuditForChange(ctx, change.ID)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Action == models.AuditAutoApproved {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSubmitBlockedByPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start, end := 9, 17
	require.NoError(t, f.repo.CreatePolicy(ctx, &models.Policy{
		Name:     "No prod changes in biz hours",
		RuleType: models.RuleTimeRestriction,
		Action:   models.PolicyBlock,
		Enabled:  true,
		Condition: models.Condition{
			Environments:      []string{"Prod"},
			BlockedHoursStart: &start,
			BlockedHoursEnd:   &end,
		},
	}))

	change := f.decommissionFirewall(t)
	f.clock = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	var blocked *models.PolicyBlockedError
	_, err := f.controller.Submit(ctx, change.ID, "alex")
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, []string{"No prod changes in biz hours"}, blocked.Policies)

	// The change stays in Draft and no approvals are materialized.
	got, err := f.repo.GetChange(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, got.Status)
	approvals, err := f.repo.ListApprovals(ctx, change.ID)
	require.NoError(t, err)
	assert.Empty(t, approvals)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var invalid *models.ValidationError
	noTargets := f.createChange(t, &models.Change{
		Title: "no targets", ChangeType: models.ChangeFirewall, Action: models.ActionAddRule,
		Environment: models.EnvProd,
	})
	_, err := f.controller.Submit(ctx, noTargets.ID, "alex")
	require.ErrorAs(t, err, &invalid)

	badAction := f.createChange(t, &models.Change{
		Title: "bad action", ChangeType: models.ChangeVLAN, Action: models.ActionAddRule,
		Environment: models.EnvProd, TargetComponents: models.StringList{"VLAN-20"},
	})
	_, err = f.controller.Submit(ctx, badAction.ID, "alex")
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "action", invalid.Field)
}

func TestApprovalQuorumAndTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	change := f.decommissionFirewall(t)
	_, err := f.controller.Submit(ctx, change.ID, "alex")
	require.NoError(t, err)

	approvals, err := f.repo.ListApprovals(ctx, change.ID)
	require.NoError(t, err)
	require.NotEmpty(t, approvals)

	// Role mismatch is refused.
	var invalid *models.ValidationError
	err = f.controller.Approve(ctx, approvals[0].ID, "bob", models.RoleApprover, "")
	require.ErrorAs(t, err, &invalid)

	// Approve all but the last: still Analyzing.
	for _, a := range approvals[:len(approvals)-1] {
		require.NoError(t, f.controller.Approve(ctx, a.ID, "lead", a.RoleRequired, "ok"))
	}
	got, err := f.repo.GetChange(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAnalyzing, got.Status)

	// Final approval completes the quorum.
	last := approvals[len(approvals)-1]
	require.NoError(t, f.controller.Approve(ctx, last.ID, "lead", last.RoleRequired, "ok"))
	got, err = f.repo.GetChange(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.Status)
}

func TestConcurrentApprovalRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	change := f.decommissionFirewall(t)
	_, err := f.controller.Submit(ctx, change.ID, "alex")
	require.NoError(t, err)

	approvals, err := f.repo.ListApprovals(ctx, change.ID)
	require.NoError(t, err)
	target := approvals[0]

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.controller.Approve(ctx, target.ID, "approver", target.RoleRequired, "")
		}(i)
	}
	wg.Wait()

	var already *models.ApprovalAlreadyDecidedError
	wins, losses := 0, 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if assert.ErrorAs(t, err, &already) {
			losses++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)

	// Exactly one approved audit entry for that row.
	entries, err := f.repo.ListAuditForChange(ctx, change.ID)
	require.NoError(t, err)
	approved := 0
	for _, e := range entries {
		if e.Action == models.AuditApproved {
			approved++
		}
	}
	assert.Equal(t, 1, approved)
}

func TestRejectionRejectsChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	change := f.decommissionFirewall(t)
	_, err := f.controller.Submit(ctx, change.ID, "alex")
	require.NoError(t, err)

	approvals, err := f.repo.ListApprovals(ctx, change.ID)
	require.NoError(t, err)

	require.NoError(t, f.controller.Reject(ctx, approvals[0].ID, "sec", approvals[0].RoleRequired, "too risky"))

	got, err := f.repo.GetChange(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, got.Status)
	require.NotNil(t, got.RejectReason)
	assert.Equal(t, "too risky", *got.RejectReason)

	// Remaining approvals can no longer be decided through the workflow.
	var forbidden *models.TransitionForbiddenError
	err = f.controller.Approve(ctx, approvals[1].ID, "lead", approvals[1].RoleRequired, "")
	assert.ErrorAs(t, err, &forbidden)
}

func approveAll(t *testing.T, f *fixture, changeID string) {
	t.Helper()
	approvals, err := f.repo.ListApprovals(context.Background(), changeID)
	require.NoError(t, err)
	for _, a := range approvals {
		require.NoError(t, f.controller.Approve(context.Background(), a.ID, "lead", a.RoleRequired, "ok"))
	}
}

func TestExecuteWindowEnforcement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	change := f.decommissionFirewall(t)
	_, err := f.controller.Submit(ctx, change.ID, "alex")
	require.NoError(t, err)
	approveAll(t, f, change.ID)

	// No maintenance window on the change: execute without override fails.
	var violation *models.MaintenanceWindowViolationError
	err = f.controller.Execute(ctx, change.ID, "alex", false)
	require.ErrorAs(t, err, &violation)

	// The audited admin override proceeds.
	require.NoError(t, f.controller.Execute(ctx, change.ID, "root", true))
	got, err := f.repo.GetChange(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuting, got.Status)

	entries, err := f.repo.ListAuditForChange(ctx, change.ID)
	require.NoError(t, err)
	overrides := 0
	for _, e := range entries {
		if e.Action == models.AuditExecuteOverride {
			overrides++
		}
	}
	assert.Equal(t, 1, overrides)
}

func TestExecuteInsideGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.clock.Add(-2 * time.Hour)
	end := f.clock.Add(-2 * time.Minute) // window closed 2 min ago, inside 5 min grace
	change := f.createChange(t, &models.Change{
		Title: "Reboot DC1 router", ChangeType: models.ChangeSwitch, Action: models.ActionRebootDevice,
		Environment: models.EnvProd, TargetComponents: models.StringList{"RTR-DC1-01"},
		RollbackPlan:           "none needed",
		MaintenanceWindowStart: &start, MaintenanceWindowEnd: &end,
	})
	_, err := f.controller.Submit(ctx, change.ID, "alex")
	require.NoError(t, err)
	approveAll(t, f, change.ID)

	require.NoError(t, f.controller.Execute(ctx, change.ID, "alex", false))
}

func TestCompleteAndRollbackTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	change := f.decommissionFirewall(t)
	_, err := f.controller.Submit(ctx, change.ID, "alex")
	require.NoError(t, err)
	approveAll(t, f, change.ID)

	// Rollback before Executing is forbidden.
	var forbidden *models.TransitionForbiddenError
	err = f.controller.Rollback(ctx, change.ID, "alex", "abort")
	require.ErrorAs(t, err, &forbidden)

	require.NoError(t, f.controller.Execute(ctx, change.ID, "root", true))
	require.NoError(t, f.controller.Rollback(ctx, change.ID, "alex", "packet loss spike"))

	got, err := f.repo.GetChange(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, got.Status)

	// Terminal: no further transitions.
	err = f.controller.Complete(ctx, change.ID, "alex")
	assert.ErrorAs(t, err, &forbidden)
}

func TestApprovalExpiryRejectsChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	change := f.decommissionFirewall(t)
	_, err := f.controller.Submit(ctx, change.ID, "alex")
	require.NoError(t, err)

	// Advance past the approval deadline.
	f.clock = f.clock.Add(config.Default().ApprovalTimeout() + time.Second)
	require.NoError(t, f.controller.ExpireApprovals(ctx))

	got, err := f.repo.GetChange(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, got.Status)

	approvals, err := f.repo.ListApprovals(ctx, change.ID)
	require.NoError(t, err)
	for _, a := range approvals {
		assert.Equal(t, models.ApprovalExpired, a.Status)
	}

	entries, err := f.repo.ListAuditForChange(ctx, change.ID)
	require.NoError(t, err)
	expired := 0
	for _, e := range entries {
		if e.Action == models.AuditApprovalExpired {
			expired++
		}
	}
	assert.Equal(t, len(approvals), expired)
}

func TestReanalyzeRefreshesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	change := f.decommissionFirewall(t)
	_, err := f.controller.Submit(ctx, change.ID, "alex")
	require.NoError(t, err)

	first, err := f.repo.GetChange(ctx, change.ID)
	require.NoError(t, err)
	firstSnap, err := first.Impact()
	require.NoError(t, err)

	snap, err := f.controller.Reanalyze(ctx, change.ID, "alex")
	require.NoError(t, err)
	assert.Equal(t, firstSnap.TraversalStrategy, snap.TraversalStrategy)
	assert.Equal(t, firstSnap.GraphRevision, snap.GraphRevision)
}

func TestDeriveApprovalRoles(t *testing.T) {
	decommission := &models.Change{Action: models.ActionDecommission}
	plain := &models.Change{Action: models.ActionRebootDevice}

	critical := &models.ImpactSnapshot{
		IndirectlyImpacted: []models.ImpactedNode{{ID: "RULE-1", Kind: models.NodeRule}},
	}
	roles := deriveApprovalRoles(decommission, critical, models.RiskCritical, false)
	assert.Equal(t, []models.Role{models.RoleAdmin, models.RoleSecurityLead, models.RoleDCManager}, roles)

	// Double-approval verdict duplicates the highest role present.
	doubled := deriveApprovalRoles(decommission, critical, models.RiskCritical, true)
	assert.Equal(t, models.RoleAdmin, doubled[len(doubled)-1])
	assert.Len(t, doubled, 4)

	// Switch target adds NetworkLead.
	switchImpact := &models.ImpactSnapshot{
		DirectlyImpacted: []models.ImpactedNode{{
			ID: "SW-1", Kind: models.NodeDevice, Properties: map[string]any{"device_type": "switch"},
		}},
	}
	roles = deriveApprovalRoles(plain, switchImpact, models.RiskMedium, false)
	assert.Equal(t, []models.Role{models.RoleNetworkLead, models.RoleApprover}, roles)

	// High risk base is NetworkLead plus Approver, deduplicated.
	roles = deriveApprovalRoles(plain, switchImpact, models.RiskHigh, false)
	assert.Equal(t, []models.Role{models.RoleNetworkLead, models.RoleApprover}, roles)
}
