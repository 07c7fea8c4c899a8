// Package repository persists changes, approvals, policies, connectors, the
// audit journal, and graph checkpoints in a relational store.
package repository

import (
	"context"
	"time"

	"github.com/remaestro/deplyx/internal/models"
)

// ChangeRepository owns change records and their frozen impact snapshots.
type ChangeRepository interface {
	CreateChange(ctx context.Context, change *models.Change) error
	GetChange(ctx context.Context, id string) (*models.Change, error)
	// ListChanges filters by status when status is non-empty.
	ListChanges(ctx context.Context, status models.ChangeStatus, limit, offset int) ([]models.Change, error)
	UpdateChange(ctx context.Context, change *models.Change) error
	CountChanges(ctx context.Context) (int, error)
}

// ApprovalRepository owns approval slots. Decisions are conditional writes so
// a concurrent loser fails instead of silently double-deciding.
type ApprovalRepository interface {
	CreateApprovals(ctx context.Context, approvals []models.Approval) ([]models.Approval, error)
	GetApproval(ctx context.Context, id int64) (*models.Approval, error)
	ListApprovals(ctx context.Context, changeID string) ([]models.Approval, error)
	// DecideApproval flips a Pending row to the given status. Returns false
	// when the row was already decided.
	DecideApproval(ctx context.Context, id int64, status models.ApprovalStatus, decidedBy, comment string, at time.Time) (bool, error)
	// ExpirePendingApprovals marks Pending rows past their deadline as
	// Expired and returns them.
	ExpirePendingApprovals(ctx context.Context, now time.Time) ([]models.Approval, error)
}

// AuditRepository is the append-only journal. No update or delete exists.
type AuditRepository interface {
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	ListAuditForChange(ctx context.Context, changeID string) ([]models.AuditEntry, error)
	ListAudit(ctx context.Context, action string, limit int) ([]models.AuditEntry, error)
	// IncidentTargets returns node ids named in incident_reported entries
	// at or after since.
	IncidentTargets(ctx context.Context, since time.Time) ([]string, error)
	// HasIncidentAfter reports whether the change has an incident_reported
	// entry inside (from, to].
	HasIncidentAfter(ctx context.Context, changeID string, from, to time.Time) (bool, error)
}

// PolicyRepository owns guardrail policies.
type PolicyRepository interface {
	CreatePolicy(ctx context.Context, policy *models.Policy) error
	GetPolicy(ctx context.Context, id string) (*models.Policy, error)
	ListPolicies(ctx context.Context, enabledOnly bool) ([]models.Policy, error)
	UpdatePolicy(ctx context.Context, policy *models.Policy) error
	DeletePolicy(ctx context.Context, id string) error
	TouchPolicyTriggered(ctx context.Context, id string, at time.Time) error
}

// ConnectorRepository owns connector configs and graph checkpoints.
type ConnectorRepository interface {
	CreateConnector(ctx context.Context, cfg *models.ConnectorConfig) error
	GetConnector(ctx context.Context, id string) (*models.ConnectorConfig, error)
	ListConnectors(ctx context.Context) ([]models.ConnectorConfig, error)
	UpdateConnectorSync(ctx context.Context, id string, status models.ConnectorStatus, lastError *string, lastSyncAt time.Time) error
	DeleteConnector(ctx context.Context, id string) error
	SaveGraphCheckpoint(ctx context.Context, revision uint64, data []byte) error
	// LoadGraphCheckpoint returns the latest checkpoint, nil when none exists.
	LoadGraphCheckpoint(ctx context.Context) ([]byte, error)
}

// Repository aggregates all persistence concerns behind one handle.
type Repository interface {
	ChangeRepository
	ApprovalRepository
	AuditRepository
	PolicyRepository
	ConnectorRepository
	Close() error
}
