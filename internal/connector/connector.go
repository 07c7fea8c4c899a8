// Package connector defines the contract between the engine and external
// inventory or enforcement systems, plus the built-in connector types. Every
// connector yields graph mutations on sync and can validate, simulate, and
// apply a change against its backend.
package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/remaestro/deplyx/internal/models"
)

// SimulationReport is the dry-run result of a change against one backend.
type SimulationReport struct {
	ConnectorID  string   `json:"connector_id"`
	ChangeID     string   `json:"change_id"`
	WouldSucceed bool     `json:"would_succeed"`
	Steps        []string `json:"steps,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// ExecutionReceipt proves a change was applied on one backend.
type ExecutionReceipt struct {
	ConnectorID string    `json:"connector_id"`
	ChangeID    string    `json:"change_id"`
	ReceiptID   string    `json:"receipt_id"`
	AppliedAt   time.Time `json:"applied_at"`
	Detail      string    `json:"detail,omitempty"`
}

// Connector is one configured external system.
type Connector interface {
	ID() string
	// Sync yields the connector's current view as graph mutations. An empty
	// result is a valid no-op.
	Sync(ctx context.Context) ([]models.GraphMutation, error)
	// ValidateChange returns reasons the backend would refuse the change;
	// empty means ok.
	ValidateChange(ctx context.Context, change *models.Change) ([]string, error)
	SimulateChange(ctx context.Context, change *models.Change) (*SimulationReport, error)
	ApplyChange(ctx context.Context, change *models.Change) (*ExecutionReceipt, error)
}

// Factory builds a connector from its stored config.
type Factory func(cfg *models.ConnectorConfig) (Connector, error)

var factories = map[string]Factory{}

// Register binds a connector type name to its factory. Called from init.
func Register(connectorType string, f Factory) {
	factories[connectorType] = f
}

// New instantiates the connector for a stored config.
func New(cfg *models.ConnectorConfig) (Connector, error) {
	f, ok := factories[cfg.ConnectorType]
	if !ok {
		return nil, &models.ValidationError{
			Field:  "connector_type",
			Reason: fmt.Sprintf("unknown connector type %q", cfg.ConnectorType),
		}
	}
	return f(cfg)
}

// Types lists the registered connector type names.
func Types() []string {
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	return out
}
