package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// PolicyRuleType is the closed set of guardrail categories.
type PolicyRuleType string

const (
	RuleTimeRestriction  PolicyRuleType = "time_restriction"
	RuleDoubleValidation PolicyRuleType = "double_validation"
	RuleAutoBlock        PolicyRuleType = "auto_block"
)

// PolicyAction is what a triggered policy does to the change.
type PolicyAction string

const (
	PolicyBlock          PolicyAction = "block"
	PolicyWarn           PolicyAction = "warn"
	PolicyDoubleApproval PolicyAction = "require_double_approval"
)

// Condition is the structured predicate a policy evaluates. Empty or missing
// fields place no constraint on that axis. The key set is closed: unknown keys
// are rejected at decode time.
type Condition struct {
	Environments      []string `json:"environments,omitempty"`
	ChangeTypes       []string `json:"change_types,omitempty"`
	BlockedHoursStart *int     `json:"blocked_hours_start,omitempty"`
	BlockedHoursEnd   *int     `json:"blocked_hours_end,omitempty"`
	BlockedDays       []string `json:"blocked_days,omitempty"`
	RequiredApprovals int      `json:"required_approvals,omitempty"`
	BlockAnyAnyRules  bool     `json:"block_any_any_rules,omitempty"`
	BlockEnvironments []string `json:"block_environments,omitempty"`
	BlockChangeTypes  []string `json:"block_change_types,omitempty"`
}

var conditionKeys = map[string]struct{}{
	"environments": {}, "change_types": {}, "blocked_hours_start": {},
	"blocked_hours_end": {}, "blocked_days": {}, "required_approvals": {},
	"block_any_any_rules": {}, "block_environments": {}, "block_change_types": {},
}

// UnmarshalJSON enforces the closed key set.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if _, ok := conditionKeys[key]; !ok {
			return &ValidationError{Field: "condition", Reason: fmt.Sprintf("unknown condition key %q", key)}
		}
	}
	type alias Condition
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = Condition(a)
	return nil
}

func (c Condition) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	return string(b), err
}

func (c *Condition) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*c = Condition{}
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	}
	return fmt.Errorf("cannot scan %T into Condition", src)
}

// Policy is a configured guardrail evaluated on every submit.
type Policy struct {
	ID              string         `json:"id" db:"id"`
	Name            string         `json:"name" db:"name"`
	RuleType        PolicyRuleType `json:"rule_type" db:"rule_type"`
	Condition       Condition      `json:"condition" db:"condition"`
	Action          PolicyAction   `json:"action" db:"action"`
	Enabled         bool           `json:"enabled" db:"enabled"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
}

// Validate checks the closed enums.
func (p *Policy) Validate() error {
	switch p.RuleType {
	case RuleTimeRestriction, RuleDoubleValidation, RuleAutoBlock:
	default:
		return &ValidationError{Field: "rule_type", Reason: fmt.Sprintf("unknown rule type %q", p.RuleType)}
	}
	switch p.Action {
	case PolicyBlock, PolicyWarn, PolicyDoubleApproval:
	default:
		return &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown policy action %q", p.Action)}
	}
	if p.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if s, e := p.Condition.BlockedHoursStart, p.Condition.BlockedHoursEnd; s != nil || e != nil {
		if s == nil || e == nil {
			return &ValidationError{Field: "condition", Reason: "blocked hours require both start and end"}
		}
		if *s < 0 || *s > 24 || *e < 0 || *e > 24 {
			return &ValidationError{Field: "condition", Reason: "blocked hours must be within 0..24"}
		}
	}
	return nil
}
