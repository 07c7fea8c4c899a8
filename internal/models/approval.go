package models

import "time"

// Role identifies who must sign off on an approval slot.
type Role string

const (
	RoleAdmin        Role = "Admin"
	RoleNetworkLead  Role = "NetworkLead"
	RoleSecurityLead Role = "SecurityLead"
	RoleDCManager    Role = "DCManager"
	RoleApprover     Role = "Approver"
)

// Seniority orders roles so "the highest role present" is well-defined when a
// policy verdict doubles an approval slot.
func (r Role) Seniority() int {
	switch r {
	case RoleAdmin:
		return 5
	case RoleSecurityLead:
		return 4
	case RoleNetworkLead:
		return 3
	case RoleDCManager:
		return 2
	case RoleApprover:
		return 1
	}
	return 0
}

// ApprovalStatus is the decision state of one approval row.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
	// ApprovalExpired marks an unresolved approval past expires_at.
	// Counts as Rejected for quorum purposes.
	ApprovalExpired ApprovalStatus = "Expired"
)

// Approval is one role-targeted sign-off slot for a change.
type Approval struct {
	ID           int64          `json:"id" db:"id"`
	ChangeID     string         `json:"change_id" db:"change_id"`
	RoleRequired Role           `json:"role_required" db:"role_required"`
	Status       ApprovalStatus `json:"status" db:"status"`
	DecidedBy    *string        `json:"decided_by,omitempty" db:"decided_by"`
	DecidedAt    *time.Time     `json:"decided_at,omitempty" db:"decided_at"`
	Comment      string         `json:"comment" db:"comment"`
	ExpiresAt    time.Time      `json:"expires_at" db:"expires_at"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}
