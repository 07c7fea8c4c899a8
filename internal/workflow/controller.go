// Package workflow drives a change through its lifecycle: submit runs the
// analyze/policy/risk pipeline against one graph snapshot, materializes
// approvals, and moves the change through the state machine. Mutations to a
// single change are serialized by a per-change lock.
package workflow

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/remaestro/deplyx/internal/audit"
	"github.com/remaestro/deplyx/internal/config"
	"github.com/remaestro/deplyx/internal/graph"
	"github.com/remaestro/deplyx/internal/impact"
	"github.com/remaestro/deplyx/internal/models"
	"github.com/remaestro/deplyx/internal/pkg/metrics"
	"github.com/remaestro/deplyx/internal/policy"
	"github.com/remaestro/deplyx/internal/repository"
	"github.com/remaestro/deplyx/internal/risk"
)

// transitions is the legal state machine. Pending is the pre-analysis label;
// submit normally lands straight in Analyzing.
var transitions = map[models.ChangeStatus][]models.ChangeStatus{
	models.StatusDraft:     {models.StatusPending, models.StatusAnalyzing},
	models.StatusPending:   {models.StatusAnalyzing, models.StatusRejected},
	models.StatusAnalyzing: {models.StatusApproved, models.StatusRejected},
	models.StatusApproved:  {models.StatusExecuting},
	models.StatusExecuting: {models.StatusCompleted, models.StatusRolledBack},
}

func canTransition(from, to models.ChangeStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Controller orchestrates the change lifecycle.
type Controller struct {
	repo     repository.Repository
	graph    *graph.Store
	analyzer *impact.Analyzer
	risk     *risk.Engine
	policy   *policy.Engine
	journal  *audit.Journal
	log      *slog.Logger
	cfg      *config.Config

	locks    sync.Map // change id -> *sync.Mutex
	analyses sync.Map // change id -> context.CancelFunc for in-flight analysis

	now func() time.Time
}

// NewController wires the controller.
func NewController(repo repository.Repository, g *graph.Store, analyzer *impact.Analyzer, riskEngine *risk.Engine, policyEngine *policy.Engine, journal *audit.Journal, log *slog.Logger, cfg *config.Config) *Controller {
	return &Controller{
		repo:     repo,
		graph:    g,
		analyzer: analyzer,
		risk:     riskEngine,
		policy:   policyEngine,
		journal:  journal,
		log:      log,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// lock returns the per-change mutex, creating it on first use.
func (c *Controller) lock(changeID string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(changeID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (c *Controller) transition(ctx context.Context, change *models.Change, to models.ChangeStatus) error {
	if !canTransition(change.Status, to) {
		return &models.TransitionForbiddenError{From: change.Status, To: to}
	}
	change.Status = to
	if err := c.repo.UpdateChange(ctx, change); err != nil {
		return err
	}
	metrics.ChangeTransitionsTotal.WithLabelValues(string(to)).Inc()
	return nil
}

// Submit runs the full pipeline: validate, analyze against one graph
// snapshot, evaluate policies, score risk, derive approvals, persist, audit,
// and land in Analyzing (or Approved when auto-approval applies).
func (c *Controller) Submit(ctx context.Context, changeID, userID string) (*models.Change, error) {
	mu := c.lock(changeID)
	mu.Lock()
	defer mu.Unlock()

	change, err := c.repo.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if change.Status != models.StatusDraft {
		metrics.ChangesSubmittedTotal.WithLabelValues("invalid").Inc()
		return nil, &models.TransitionForbiddenError{From: change.Status, To: models.StatusAnalyzing}
	}
	if err := change.ValidateDraft(); err != nil {
		metrics.ChangesSubmittedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if change.Action == "" {
		metrics.ChangesSubmittedTotal.WithLabelValues("invalid").Inc()
		return nil, &models.ValidationError{Field: "action", Reason: "must be set before submit"}
	}
	if len(change.TargetComponents) == 0 {
		metrics.ChangesSubmittedTotal.WithLabelValues("invalid").Inc()
		return nil, &models.ValidationError{Field: "target_components", Reason: "must not be empty"}
	}

	now := c.now()
	snapshot := c.graph.Snapshot()

	// The analysis carries a cancellation handle so a superseding edit can
	// abort it mid-flight.
	analysisCtx, cancel := context.WithCancel(ctx)
	c.analyses.Store(changeID, cancel)
	defer func() {
		cancel()
		c.analyses.Delete(changeID)
	}()

	snap, err := c.analyzer.Analyze(analysisCtx, snapshot, change)
	if err != nil {
		metrics.ChangesSubmittedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	policies, err := c.repo.ListPolicies(ctx, true)
	if err != nil {
		return nil, err
	}
	verdict := c.policy.Evaluate(policies, change, snap, now)
	for _, triggered := range verdict.Triggered {
		if err := c.repo.TouchPolicyTriggered(ctx, triggered.PolicyID, now); err != nil {
			c.log.Warn("touching policy", "policy_id", triggered.PolicyID, "error", err)
		}
		_ = c.journal.RecordChange(ctx, changeID, userID, models.AuditPolicyTriggered, triggered)
	}
	if blocked := verdict.Blocked(); blocked != nil {
		metrics.PolicyBlocksTotal.Inc()
		metrics.ChangesSubmittedTotal.WithLabelValues("blocked").Inc()
		return nil, blocked
	}

	incidents, err := c.repo.IncidentTargets(ctx, now.Add(-risk.IncidentLookback))
	if err != nil {
		return nil, err
	}
	scored := c.risk.Evaluate(change, snap, incidents, now)

	if err := change.SetImpact(snap); err != nil {
		return nil, err
	}
	change.RiskScore = &scored.Score
	level := string(scored.Level)
	change.RiskLevel = &level

	autoApprove := scored.AutoApprove && verdict.Verdict == policy.VerdictIgnore
	roles := deriveApprovalRoles(change, snap, scored.Level, verdict.Verdict == string(models.PolicyDoubleApproval))
	if autoApprove {
		// Low risk with a clean policy verdict: one Approver slot, decided
		// by the system below.
		roles = []models.Role{models.RoleApprover}
	}

	if err := c.transition(ctx, change, models.StatusAnalyzing); err != nil {
		return nil, err
	}

	approvals := make([]models.Approval, 0, len(roles))
	expires := now.Add(c.cfg.ApprovalTimeout())
	for _, role := range roles {
		approvals = append(approvals, models.Approval{
			ChangeID:     changeID,
			RoleRequired: role,
			ExpiresAt:    expires,
		})
	}
	created, err := c.repo.CreateApprovals(ctx, approvals)
	if err != nil {
		return nil, err
	}

	_ = c.journal.RecordChange(ctx, changeID, userID, models.AuditSubmitted, map[string]any{
		"traversal_strategy": snap.TraversalStrategy,
		"graph_revision":     snap.GraphRevision,
		"policy_verdict":     verdict.Verdict,
	})
	_ = c.journal.RecordChange(ctx, changeID, userID, models.AuditRiskCalculated, scored)

	metrics.ChangesSubmittedTotal.WithLabelValues("accepted").Inc()
	c.log.Info("change submitted",
		"change_id", changeID,
		"risk_score", scored.Score,
		"risk_level", scored.Level,
		"approvals", len(created),
	)

	if autoApprove {
		if err := c.autoApprove(ctx, change, created); err != nil {
			return nil, err
		}
	}
	return change, nil
}

// autoApprove system-decides the single materialized slot and lands the
// change in Approved.
func (c *Controller) autoApprove(ctx context.Context, change *models.Change, approvals []models.Approval) error {
	now := c.now()
	for _, a := range approvals {
		won, err := c.repo.DecideApproval(ctx, a.ID, models.ApprovalApproved, "system", "auto-approved: low risk", now)
		if err != nil {
			return err
		}
		if !won {
			return &models.ApprovalAlreadyDecidedError{ApprovalID: a.ID}
		}
	}
	if err := c.transition(ctx, change, models.StatusApproved); err != nil {
		return err
	}
	return c.journal.RecordChange(ctx, change.ID, "system", models.AuditAutoApproved, map[string]any{
		"risk_score": change.RiskScore,
	})
}

// deriveApprovalRoles builds the approval set: base roles from the risk
// level, plus role additions from what the change touches, deduplicated, with
// the highest role doubled on a double-approval verdict.
func deriveApprovalRoles(change *models.Change, snap *models.ImpactSnapshot, level models.RiskLevel, double bool) []models.Role {
	var roles []models.Role
	switch level {
	case models.RiskLow, models.RiskMedium:
		roles = []models.Role{models.RoleApprover}
	case models.RiskHigh:
		roles = []models.Role{models.RoleNetworkLead, models.RoleApprover}
	case models.RiskCritical:
		roles = []models.Role{models.RoleAdmin, models.RoleSecurityLead}
	}

	for _, n := range snap.DirectlyImpacted {
		node := models.GraphNode{ID: n.ID, Kind: n.Kind, Properties: n.Properties}
		if t := node.Prop("device_type"); t == "switch" || t == "router" {
			roles = append(roles, models.RoleNetworkLead)
		}
	}
	if touchesFirewallRule(snap) {
		roles = append(roles, models.RoleSecurityLead)
	}
	if change.Action == models.ActionDecommission {
		roles = append(roles, models.RoleDCManager)
	}

	seen := make(map[models.Role]struct{}, len(roles))
	deduped := roles[:0]
	for _, r := range roles {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		deduped = append(deduped, r)
	}
	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].Seniority() > deduped[j].Seniority()
	})

	if double && len(deduped) > 0 {
		deduped = append(deduped, deduped[0])
	}
	return deduped
}

func touchesFirewallRule(snap *models.ImpactSnapshot) bool {
	if snap.InvolvesAnyAny() {
		return true
	}
	for _, set := range [][]models.ImpactedNode{snap.DirectlyImpacted, snap.IndirectlyImpacted} {
		for _, n := range set {
			if n.Kind == models.NodeRule {
				return true
			}
		}
	}
	return false
}

// Approve decides one approval slot. The approver's role must match the slot;
// a concurrent duplicate decision loses with ApprovalAlreadyDecided. When the
// quorum completes the change moves to Approved.
func (c *Controller) Approve(ctx context.Context, approvalID int64, userID string, role models.Role, comment string) error {
	approval, err := c.repo.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if approval.RoleRequired != role {
		return &models.ValidationError{Field: "role", Reason: "approver role does not match the required role"}
	}

	mu := c.lock(approval.ChangeID)
	mu.Lock()
	defer mu.Unlock()

	change, err := c.repo.GetChange(ctx, approval.ChangeID)
	if err != nil {
		return err
	}
	if change.Status != models.StatusAnalyzing && change.Status != models.StatusPending {
		return &models.TransitionForbiddenError{From: change.Status, To: models.StatusApproved}
	}

	won, err := c.repo.DecideApproval(ctx, approvalID, models.ApprovalApproved, userID, comment, c.now())
	if err != nil {
		return err
	}
	if !won {
		return &models.ApprovalAlreadyDecidedError{ApprovalID: approvalID}
	}
	_ = c.journal.RecordChange(ctx, change.ID, userID, models.AuditApproved, map[string]any{
		"approval_id": approvalID,
		"role":        role,
	})

	approvals, err := c.repo.ListApprovals(ctx, change.ID)
	if err != nil {
		return err
	}
	for _, a := range approvals {
		if a.Status != models.ApprovalApproved {
			return nil // quorum not complete yet
		}
	}
	return c.transition(ctx, change, models.StatusApproved)
}

// Reject decides one approval slot negatively; any rejection rejects the change.
func (c *Controller) Reject(ctx context.Context, approvalID int64, userID string, role models.Role, reason string) error {
	approval, err := c.repo.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if approval.RoleRequired != role {
		return &models.ValidationError{Field: "role", Reason: "approver role does not match the required role"}
	}

	mu := c.lock(approval.ChangeID)
	mu.Lock()
	defer mu.Unlock()

	change, err := c.repo.GetChange(ctx, approval.ChangeID)
	if err != nil {
		return err
	}
	if change.Status != models.StatusAnalyzing && change.Status != models.StatusPending {
		return &models.TransitionForbiddenError{From: change.Status, To: models.StatusRejected}
	}

	won, err := c.repo.DecideApproval(ctx, approvalID, models.ApprovalRejected, userID, reason, c.now())
	if err != nil {
		return err
	}
	if !won {
		return &models.ApprovalAlreadyDecidedError{ApprovalID: approvalID}
	}

	change.RejectReason = &reason
	if err := c.transition(ctx, change, models.StatusRejected); err != nil {
		return err
	}
	return c.journal.RecordChange(ctx, change.ID, userID, models.AuditRejected, map[string]any{
		"approval_id": approvalID,
		"role":        role,
		"reason":      reason,
	})
}

// Execute moves an Approved change into Executing. Outside the maintenance
// window (plus grace) it fails unless the caller sets the audited admin
// override.
func (c *Controller) Execute(ctx context.Context, changeID, userID string, override bool) error {
	mu := c.lock(changeID)
	mu.Lock()
	defer mu.Unlock()

	change, err := c.repo.GetChange(ctx, changeID)
	if err != nil {
		return err
	}
	if change.Status != models.StatusApproved {
		return &models.TransitionForbiddenError{From: change.Status, To: models.StatusExecuting}
	}

	now := c.now()
	if !change.InWindow(now, c.cfg.MaintenanceGrace()) {
		if !override {
			return &models.MaintenanceWindowViolationError{ChangeID: changeID}
		}
		_ = c.journal.RecordChange(ctx, changeID, userID, models.AuditExecuteOverride, map[string]any{
			"executed_at": now,
		})
	}

	if err := c.transition(ctx, change, models.StatusExecuting); err != nil {
		return err
	}
	return c.journal.RecordChange(ctx, changeID, userID, models.AuditExecuted, nil)
}

// Complete finishes execution.
func (c *Controller) Complete(ctx context.Context, changeID, userID string) error {
	mu := c.lock(changeID)
	mu.Lock()
	defer mu.Unlock()

	change, err := c.repo.GetChange(ctx, changeID)
	if err != nil {
		return err
	}
	if err := c.transition(ctx, change, models.StatusCompleted); err != nil {
		return err
	}
	return c.journal.RecordChange(ctx, changeID, userID, models.AuditCompleted, nil)
}

// Rollback reverts an Executing change.
func (c *Controller) Rollback(ctx context.Context, changeID, userID, reason string) error {
	mu := c.lock(changeID)
	mu.Lock()
	defer mu.Unlock()

	change, err := c.repo.GetChange(ctx, changeID)
	if err != nil {
		return err
	}
	if err := c.transition(ctx, change, models.StatusRolledBack); err != nil {
		return err
	}
	return c.journal.RecordChange(ctx, changeID, userID, models.AuditRolledBack, map[string]any{
		"reason": reason,
	})
}

// SupersedeAnalysis cancels an in-flight analysis for the change and records
// analysis_superseded. Called when an edit invalidates targets or action.
func (c *Controller) SupersedeAnalysis(ctx context.Context, changeID, userID string) {
	if cancel, ok := c.analyses.Load(changeID); ok {
		cancel.(context.CancelFunc)()
		_ = c.journal.RecordChange(ctx, changeID, userID, models.AuditAnalysisSuperseded, nil)
	}
	c.analyzer.Invalidate(changeID)
}

// Reanalyze re-runs impact and risk for a change still awaiting approval,
// against the current graph.
func (c *Controller) Reanalyze(ctx context.Context, changeID, userID string) (*models.ImpactSnapshot, error) {
	mu := c.lock(changeID)
	mu.Lock()
	defer mu.Unlock()

	change, err := c.repo.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	switch change.Status {
	case models.StatusDraft, models.StatusPending, models.StatusAnalyzing:
	default:
		return nil, &models.TransitionForbiddenError{From: change.Status, To: models.StatusAnalyzing}
	}

	c.analyzer.Invalidate(changeID)
	now := c.now()
	snap, err := c.analyzer.Analyze(ctx, c.graph.Snapshot(), change)
	if err != nil {
		return nil, err
	}
	incidents, err := c.repo.IncidentTargets(ctx, now.Add(-risk.IncidentLookback))
	if err != nil {
		return nil, err
	}
	scored := c.risk.Evaluate(change, snap, incidents, now)

	if err := change.SetImpact(snap); err != nil {
		return nil, err
	}
	change.RiskScore = &scored.Score
	level := string(scored.Level)
	change.RiskLevel = &level
	if err := c.repo.UpdateChange(ctx, change); err != nil {
		return nil, err
	}
	_ = c.journal.RecordChange(ctx, changeID, userID, models.AuditRiskCalculated, scored)
	return snap, nil
}

// ExpireApprovals marks overdue Pending slots Expired; an expired slot counts
// as Rejected, so its change moves to Rejected.
func (c *Controller) ExpireApprovals(ctx context.Context) error {
	expired, err := c.repo.ExpirePendingApprovals(ctx, c.now())
	if err != nil {
		return err
	}
	for _, a := range expired {
		metrics.ApprovalsExpiredTotal.Inc()
		_ = c.journal.RecordChange(ctx, a.ChangeID, "system", models.AuditApprovalExpired, map[string]any{
			"approval_id": a.ID,
			"role":        a.RoleRequired,
		})

		mu := c.lock(a.ChangeID)
		mu.Lock()
		change, err := c.repo.GetChange(ctx, a.ChangeID)
		if err == nil && (change.Status == models.StatusAnalyzing || change.Status == models.StatusPending) {
			reason := "approval window elapsed"
			change.RejectReason = &reason
			if terr := c.transition(ctx, change, models.StatusRejected); terr != nil {
				c.log.Warn("rejecting change after approval expiry", "change_id", a.ChangeID, "error", terr)
			}
		}
		mu.Unlock()
	}
	return nil
}

// ReportIncident links a production incident back to a change; feeds the
// prior-incident risk factor and the post-change KPIs.
func (c *Controller) ReportIncident(ctx context.Context, changeID, userID string, targets []string, description string) error {
	if _, err := c.repo.GetChange(ctx, changeID); err != nil {
		return err
	}
	return c.journal.RecordChange(ctx, changeID, userID, models.AuditIncidentReported, map[string]any{
		"targets":     targets,
		"description": description,
	})
}
