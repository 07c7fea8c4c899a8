package connector

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/remaestro/deplyx/internal/models"
)

func init() {
	Register("static", newStatic)
}

// static serves a fixed mutation set from the connector config. Used for demo
// topologies and as a test double for the sync pipeline.
type static struct {
	id        string
	mutations []models.GraphMutation
}

func newStatic(cfg *models.ConnectorConfig) (Connector, error) {
	var payload struct {
		Mutations []models.GraphMutation `json:"mutations"`
	}
	if cfg.Config != "" {
		if err := json.Unmarshal([]byte(cfg.Config), &payload); err != nil {
			return nil, &models.ValidationError{Field: "config", Reason: "static connector config must hold a mutations array"}
		}
	}
	return &static{id: cfg.ID, mutations: payload.Mutations}, nil
}

func (s *static) ID() string { return s.id }

func (s *static) Sync(ctx context.Context) ([]models.GraphMutation, error) {
	return s.mutations, nil
}

func (s *static) ValidateChange(ctx context.Context, change *models.Change) ([]string, error) {
	return nil, nil
}

func (s *static) SimulateChange(ctx context.Context, change *models.Change) (*SimulationReport, error) {
	return &SimulationReport{
		ConnectorID:  s.id,
		ChangeID:     change.ID,
		WouldSucceed: true,
		Steps:        []string{"no-op: static connector has no enforcement backend"},
	}, nil
}

func (s *static) ApplyChange(ctx context.Context, change *models.Change) (*ExecutionReceipt, error) {
	return &ExecutionReceipt{
		ConnectorID: s.id,
		ChangeID:    change.ID,
		ReceiptID:   uuid.NewString(),
		AppliedAt:   time.Now().UTC(),
		Detail:      "static connector acknowledged without enforcement",
	}, nil
}
