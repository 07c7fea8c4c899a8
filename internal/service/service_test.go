package service

import (
	"context"
	"path/filepath"
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
	"github.com/remaestro/deplyx/internal/workflow"
)

type fixture struct {
	repo    *repository.SQLiteRepository
	journal *audit.Journal
	changes *ChangeService
	kpis    *KPIService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New("error")
	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "service.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	store := graph.NewStore()
	require.NoError(t, graph.Seed(store))
	cfg := config.Default()
	analyzer, err := impact.New(log, cfg.ImpactCacheSize, cfg.ImpactMaxDepthBlast, cfg.ImpactMaxDepth)
	require.NoError(t, err)
	journal := audit.NewJournal(repo, log)
	controller := workflow.NewController(repo, store, analyzer,
		risk.NewEngine(cfg.RiskClipMin, cfg.RiskClipMax),
		policy.NewEngine(), journal, log, cfg)

	return &fixture{
		repo:    repo,
		journal: journal,
		changes: NewChangeService(repo, controller, journal, log),
		kpis:    NewKPIService(repo, log),
	}
}

func TestCreateChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.changes.Create(ctx, &models.Change{
		Title:       "Disable stale port",
		ChangeType:  models.ChangePort,
		Action:      models.ActionDisablePort,
		Environment: models.EnvProd,
		// A caller cannot smuggle in a status.
		Status: models.StatusApproved,
	}, "alex")
	require.NoError(t, err)
	assert.Len(t, created.ID, 26)
	assert.Equal(t, models.StatusDraft, created.Status)
	assert.Equal(t, "alex", created.CreatedBy)

	entries, err := f.repo.ListAuditForChange(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditCreated, entries[0].Action)

	var invalid *models.ValidationError
	_, err = f.changes.Create(ctx, &models.Change{ChangeType: models.ChangePort}, "alex")
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "title", invalid.Field)
}

func TestUpdateChangeInvalidatesAnalysis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.changes.Create(ctx, &models.Change{
		Title:            "Tune rule set",
		ChangeType:       models.ChangeFirewall,
		Action:           models.ActionModifyRule,
		Environment:      models.EnvProd,
		TargetComponents: models.StringList{"RULE-100"},
	}, "alex")
	require.NoError(t, err)

	// Simulate an attached analysis.
	require.NoError(t, created.SetImpact(&models.ImpactSnapshot{TraversalStrategy: "rule_scope"}))
	score, level := 42.0, "medium"
	created.RiskScore = &score
	created.RiskLevel = &level
	require.NoError(t, f.repo.UpdateChange(ctx, created))

	// A title-only edit keeps the analysis.
	edit := *created
	edit.Title = "Tune rule set carefully"
	got, err := f.changes.Update(ctx, created.ID, &edit, "alex")
	require.NoError(t, err)
	assert.NotNil(t, got.RiskScore)
	snap, err := got.Impact()
	require.NoError(t, err)
	assert.NotNil(t, snap)

	// Retargeting drops it.
	edit.TargetComponents = models.StringList{"RULE-101"}
	got, err = f.changes.Update(ctx, created.ID, &edit, "alex")
	require.NoError(t, err)
	assert.Nil(t, got.RiskScore)
	assert.Nil(t, got.RiskLevel)
	snap, err = got.Impact()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestUpdateRefusedAfterTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	change := &models.Change{
		Title:       "Historic change",
		ChangeType:  models.ChangeFirewall,
		Action:      models.ActionAddRule,
		Environment: models.EnvProd,
		Status:      models.StatusCompleted,
	}
	require.NoError(t, f.repo.CreateChange(ctx, change))

	var forbidden *models.TransitionForbiddenError
	_, err := f.changes.Update(ctx, change.ID, change, "alex")
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, models.StatusCompleted, forbidden.From)
}

// completedChange persists a Completed change with its submit/complete audit
// trail and one decided approval slot.
func completedChange(t *testing.T, f *fixture, title, decidedBy string, validation time.Duration, submittedAt time.Time, coreImpact bool) *models.Change {
	t.Helper()
	ctx := context.Background()

	change := &models.Change{
		Title:       title,
		ChangeType:  models.ChangeFirewall,
		Action:      models.ActionAddRule,
		Environment: models.EnvProd,
		Status:      models.StatusCompleted,
	}
	snap := &models.ImpactSnapshot{TraversalStrategy: "rule_scope"}
	if coreImpact {
		snap.DirectlyImpacted = []models.ImpactedNode{{
			ID: "FW-DC1-01", Kind: models.NodeDevice,
			Properties: map[string]any{"is_core": true},
		}}
	}
	require.NoError(t, change.SetImpact(snap))
	require.NoError(t, f.repo.CreateChange(ctx, change))

	approvals, err := f.repo.CreateApprovals(ctx, []models.Approval{{
		ChangeID:     change.ID,
		RoleRequired: models.RoleApprover,
		ExpiresAt:    submittedAt.Add(24 * time.Hour),
	}})
	require.NoError(t, err)
	won, err := f.repo.DecideApproval(ctx, approvals[0].ID, models.ApprovalApproved, decidedBy, "", submittedAt.Add(validation))
	require.NoError(t, err)
	require.True(t, won)

	appendAt := func(action string, at time.Time) {
		require.NoError(t, f.repo.AppendAudit(ctx, &models.AuditEntry{
			ChangeID: &change.ID, Action: action, Details: "{}", Timestamp: at,
		}))
	}
	appendAt(models.AuditSubmitted, submittedAt)
	appendAt(models.AuditCompleted, submittedAt.Add(time.Hour))
	return change
}

func TestDashboardKPIs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)

	// Auto-approved, core-touching, no incident.
	completedChange(t, f, "auto approved", "system", 5*time.Minute, base, true)

	// Human approved, incident one day after completion.
	incident := completedChange(t, f, "human approved", "alex", 20*time.Minute, base, false)
	require.NoError(t, f.repo.AppendAudit(ctx, &models.AuditEntry{
		ChangeID: &incident.ID, Action: models.AuditIncidentReported,
		Details: `{"targets":["FW-DC1-01"]}`, Timestamp: base.Add(25 * time.Hour),
	}))

	// A draft only counts toward the total.
	_, err := f.changes.Create(ctx, &models.Change{
		Title: "still drafting", ChangeType: models.ChangePort, Action: models.ActionDisablePort,
		Environment: models.EnvProd,
	}, "alex")
	require.NoError(t, err)

	kpis, err := f.kpis.Dashboard(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, kpis.TotalChanges)
	assert.InDelta(t, 100.0/3, kpis.AutoApprovedPct, 0.01)
	assert.InDelta(t, 12.5, kpis.AvgValidationMinutes, 0.01)
	assert.InDelta(t, 50.0, kpis.IncidentsPostChangePct, 0.01)
	assert.InDelta(t, 50.0, kpis.ScoringPrecisionPct, 0.01)
	assert.InDelta(t, 50.0, kpis.CoreChangesDetectedPct, 0.01)
}

func TestDashboardKPIsEmpty(t *testing.T) {
	f := newFixture(t)
	kpis, err := f.kpis.Dashboard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, kpis.TotalChanges)
	assert.Zero(t, kpis.AutoApprovedPct)
	assert.Zero(t, kpis.AvgValidationMinutes)
}

func TestIncidentOutsideWindowIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)

	change := completedChange(t, f, "late incident", "alex", 10*time.Minute, base, false)
	// Eight days after completion: outside the seven-day window.
	require.NoError(t, f.repo.AppendAudit(ctx, &models.AuditEntry{
		ChangeID: &change.ID, Action: models.AuditIncidentReported,
		Details: `{"targets":[]}`, Timestamp: base.Add(time.Hour).Add(8 * 24 * time.Hour),
	}))

	kpis, err := f.kpis.Dashboard(ctx)
	require.NoError(t, err)
	assert.Zero(t, kpis.IncidentsPostChangePct)
	assert.InDelta(t, 100.0, kpis.ScoringPrecisionPct, 0.01)
}

func TestReaperSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	log := logger.New("error")
	cfg := config.Default()
	cfg.ReaperIntervalSec = 1

	store := graph.NewStore()
	require.NoError(t, graph.Seed(store))
	analyzer, err := impact.New(log, cfg.ImpactCacheSize, cfg.ImpactMaxDepthBlast, cfg.ImpactMaxDepth)
	require.NoError(t, err)
	controller := workflow.NewController(f.repo, store, analyzer,
		risk.NewEngine(cfg.RiskClipMin, cfg.RiskClipMax),
		policy.NewEngine(), f.journal, log, cfg)

	change := &models.Change{
		Title: "stuck in review", ChangeType: models.ChangeFirewall, Action: models.ActionAddRule,
		Environment: models.EnvProd, Status: models.StatusAnalyzing,
	}
	require.NoError(t, f.repo.CreateChange(ctx, change))
	_, err = f.repo.CreateApprovals(ctx, []models.Approval{{
		ChangeID:     change.ID,
		RoleRequired: models.RoleApprover,
		ExpiresAt:    time.Now().UTC().Add(-time.Minute),
	}})
	require.NoError(t, err)

	reaper := NewReaper(controller, log, cfg)
	reaper.Start(ctx)
	defer reaper.Stop()

	// The immediate sweep on start expires the overdue slot.
	require.Eventually(t, func() bool {
		got, err := f.repo.GetChange(ctx, change.ID)
		return err == nil && got.Status == models.StatusRejected
	}, 3*time.Second, 50*time.Millisecond)
}
