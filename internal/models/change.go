package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ChangeType classifies what part of the infrastructure a change touches.
type ChangeType string

const (
	ChangeFirewall ChangeType = "Firewall"
	ChangeSwitch   ChangeType = "Switch"
	ChangeVLAN     ChangeType = "VLAN"
	ChangePort     ChangeType = "Port"
	ChangeRack     ChangeType = "Rack"
	ChangeCloudSG  ChangeType = "CloudSG"
)

// Action is the concrete operation a change performs.
type Action string

const (
	ActionAddRule           Action = "add_rule"
	ActionRemoveRule        Action = "remove_rule"
	ActionModifyRule        Action = "modify_rule"
	ActionDisableRule       Action = "disable_rule"
	ActionConfigChange      Action = "config_change"
	ActionRebootDevice      Action = "reboot_device"
	ActionFirmwareUpgrade   Action = "firmware_upgrade"
	ActionDecommission      Action = "decommission"
	ActionDisablePort       Action = "disable_port"
	ActionEnablePort        Action = "enable_port"
	ActionShutdownInterface Action = "shutdown_interface"
	ActionChangeVLAN        Action = "change_vlan"
	ActionDeleteVLAN        Action = "delete_vlan"
	ActionModifyVLAN        Action = "modify_vlan"
	ActionModifySG          Action = "modify_sg"
	ActionDeleteSG          Action = "delete_sg"
)

// actionsByType is the closed action enum per change type.
var actionsByType = map[ChangeType][]Action{
	ChangeFirewall: {ActionAddRule, ActionRemoveRule, ActionModifyRule, ActionDisableRule,
		ActionConfigChange, ActionRebootDevice, ActionFirmwareUpgrade, ActionDecommission},
	ChangeSwitch: {ActionDisablePort, ActionEnablePort, ActionShutdownInterface, ActionChangeVLAN,
		ActionConfigChange, ActionRebootDevice, ActionFirmwareUpgrade, ActionDecommission},
	ChangeVLAN:    {ActionChangeVLAN, ActionDeleteVLAN, ActionModifyVLAN},
	ChangePort:    {ActionDisablePort, ActionEnablePort, ActionShutdownInterface},
	ChangeRack:    {ActionDecommission, ActionConfigChange},
	ChangeCloudSG: {ActionModifySG, ActionDeleteSG},
}

// Allows reports whether the action is valid for this change type.
func (t ChangeType) Allows(a Action) bool {
	for _, allowed := range actionsByType[t] {
		if allowed == a {
			return true
		}
	}
	return false
}

// Valid reports whether the change type itself is known.
func (t ChangeType) Valid() bool {
	_, ok := actionsByType[t]
	return ok
}

// Environment tags where the change applies.
type Environment string

const (
	EnvProd    Environment = "Prod"
	EnvPreprod Environment = "Preprod"
	EnvDC1     Environment = "DC1"
	EnvDC2     Environment = "DC2"
)

// ChangeStatus is the workflow state of a change.
type ChangeStatus string

const (
	StatusDraft      ChangeStatus = "Draft"
	StatusPending    ChangeStatus = "Pending"
	StatusAnalyzing  ChangeStatus = "Analyzing"
	StatusApproved   ChangeStatus = "Approved"
	StatusRejected   ChangeStatus = "Rejected"
	StatusExecuting  ChangeStatus = "Executing"
	StatusCompleted  ChangeStatus = "Completed"
	StatusRolledBack ChangeStatus = "RolledBack"
)

// Terminal reports whether the change record is immutable (audit linkage only).
func (s ChangeStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRolledBack
}

// StringList stores a JSON string array in a single TEXT column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	}
	return fmt.Errorf("cannot scan %T into StringList", src)
}

// Change is a proposed infrastructure change driven through the workflow.
type Change struct {
	ID                     string       `json:"id" db:"id"`
	Title                  string       `json:"title" db:"title"`
	ChangeType             ChangeType   `json:"change_type" db:"change_type"`
	Action                 Action       `json:"action" db:"action"`
	Environment            Environment  `json:"environment" db:"environment"`
	Description            string       `json:"description" db:"description"`
	ExecutionPlan          string       `json:"execution_plan" db:"execution_plan"`
	RollbackPlan           string       `json:"rollback_plan" db:"rollback_plan"`
	MaintenanceWindowStart *time.Time   `json:"maintenance_window_start,omitempty" db:"maintenance_window_start"`
	MaintenanceWindowEnd   *time.Time   `json:"maintenance_window_end,omitempty" db:"maintenance_window_end"`
	TargetComponents       StringList   `json:"target_components" db:"target_components"`
	Status                 ChangeStatus `json:"status" db:"status"`
	RiskScore              *float64     `json:"risk_score,omitempty" db:"risk_score"`
	RiskLevel              *string      `json:"risk_level,omitempty" db:"risk_level"`
	RejectReason           *string      `json:"reject_reason,omitempty" db:"reject_reason"`
	CreatedBy              string       `json:"created_by" db:"created_by"`
	CreatedAt              time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at" db:"updated_at"`
	// ImpactJSON is the frozen snapshot of the last impact analysis,
	// JSON serialized alongside the change.
	ImpactJSON *string `json:"-" db:"impact_json"`
}

// Impact decodes the cached impact snapshot, nil when never analyzed.
func (c *Change) Impact() (*ImpactSnapshot, error) {
	if c.ImpactJSON == nil || *c.ImpactJSON == "" {
		return nil, nil
	}
	var snap ImpactSnapshot
	if err := json.Unmarshal([]byte(*c.ImpactJSON), &snap); err != nil {
		return nil, fmt.Errorf("decoding impact snapshot for change %s: %w", c.ID, err)
	}
	return &snap, nil
}

// SetImpact freezes an impact snapshot onto the change record.
func (c *Change) SetImpact(snap *ImpactSnapshot) error {
	if snap == nil {
		c.ImpactJSON = nil
		return nil
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s := string(b)
	c.ImpactJSON = &s
	return nil
}

// ValidateDraft checks the fields an author controls. Status and analysis
// fields are owned by the workflow controller and checked there.
func (c *Change) ValidateDraft() error {
	if c.Title == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if !c.ChangeType.Valid() {
		return &ValidationError{Field: "change_type", Reason: fmt.Sprintf("unknown change type %q", c.ChangeType)}
	}
	if c.Action != "" && !c.ChangeType.Allows(c.Action) {
		return &ValidationError{
			Field:  "action",
			Reason: fmt.Sprintf("action %q is not allowed for change type %q", c.Action, c.ChangeType),
		}
	}
	if c.MaintenanceWindowStart != nil && c.MaintenanceWindowEnd != nil &&
		!c.MaintenanceWindowStart.Before(*c.MaintenanceWindowEnd) {
		return &ValidationError{Field: "maintenance_window", Reason: "window start must precede end"}
	}
	return nil
}

// InWindow reports whether t falls inside the maintenance window, with a
// tolerance applied on both sides. A change without a window is never inside.
func (c *Change) InWindow(t time.Time, grace time.Duration) bool {
	if c.MaintenanceWindowStart == nil || c.MaintenanceWindowEnd == nil {
		return false
	}
	start := c.MaintenanceWindowStart.Add(-grace)
	end := c.MaintenanceWindowEnd.Add(grace)
	return !t.Before(start) && !t.After(end)
}
