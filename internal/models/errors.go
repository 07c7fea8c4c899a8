package models

import (
	"fmt"
	"strings"
)

// ValidationError marks malformed or semantically invalid input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NotFoundError marks an unknown change, approval, node, policy, or connector.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// EmptyTargetError is returned when impact analysis has no resolvable targets.
type EmptyTargetError struct {
	ChangeID string
}

func (e *EmptyTargetError) Error() string {
	return "impact analysis requires at least one resolvable target (change " + e.ChangeID + ")"
}

// PolicyBlockedError refuses a submit on behalf of one or more guardrail policies.
type PolicyBlockedError struct {
	Policies []string
	Reasons  []string
}

func (e *PolicyBlockedError) Error() string {
	return fmt.Sprintf("submit blocked by policies [%s]: %s",
		strings.Join(e.Policies, ", "), strings.Join(e.Reasons, "; "))
}

// TransitionForbiddenError marks a workflow state machine violation.
type TransitionForbiddenError struct {
	From ChangeStatus
	To   ChangeStatus
}

func (e *TransitionForbiddenError) Error() string {
	return fmt.Sprintf("transition forbidden: %s -> %s", e.From, e.To)
}

// ApprovalAlreadyDecidedError is returned to the loser of a concurrent decision.
type ApprovalAlreadyDecidedError struct {
	ApprovalID int64
}

func (e *ApprovalAlreadyDecidedError) Error() string {
	return fmt.Sprintf("approval %d already decided", e.ApprovalID)
}

// MaintenanceWindowViolationError refuses an execute outside the window
// without an admin override.
type MaintenanceWindowViolationError struct {
	ChangeID string
}

func (e *MaintenanceWindowViolationError) Error() string {
	return "execution outside maintenance window for change " + e.ChangeID
}

// ConnectorSyncError surfaces after the retry budget is exhausted.
type ConnectorSyncError struct {
	ConnectorID string
	Attempt     int
	Cause       error
}

func (e *ConnectorSyncError) Error() string {
	return fmt.Sprintf("connector %s sync failed after %d attempts: %v", e.ConnectorID, e.Attempt, e.Cause)
}

func (e *ConnectorSyncError) Unwrap() error { return e.Cause }

// GraphInvariantError rejects a mutation batch that would corrupt the graph.
// The graph is left untouched.
type GraphInvariantError struct {
	Invariant string
	Detail    string
}

func (e *GraphInvariantError) Error() string {
	return fmt.Sprintf("graph invariant violated (%s): %s", e.Invariant, e.Detail)
}
