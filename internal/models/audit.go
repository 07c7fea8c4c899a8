package models

import "time"

// Audit action verbs. The journal is append-only; no past entry is ever
// mutated or deleted.
const (
	AuditCreated            = "created"
	AuditUpdated            = "updated"
	AuditSubmitted          = "submitted"
	AuditApproved           = "approved"
	AuditRejected           = "rejected"
	AuditAutoApproved       = "auto_approved"
	AuditExecuted           = "executed"
	AuditExecuteOverride    = "execute_override"
	AuditCompleted          = "completed"
	AuditRolledBack         = "rolled_back"
	AuditPolicyTriggered    = "policy_triggered"
	AuditRiskCalculated     = "risk_calculated"
	AuditApprovalExpired    = "approval_expired"
	AuditAnalysisSuperseded = "analysis_superseded"
	AuditSyncCompleted      = "sync_completed"
	AuditSyncFailed         = "sync_failed"
	AuditIncidentReported   = "incident_reported"
)

// AuditEntry is one append-only record of a semantic event.
type AuditEntry struct {
	ID        int64     `json:"id" db:"id"`
	ChangeID  *string   `json:"change_id,omitempty" db:"change_id"`
	UserID    *string   `json:"user_id,omitempty" db:"user_id"`
	Action    string    `json:"action" db:"action"`
	Details   string    `json:"details,omitempty" db:"details"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}
