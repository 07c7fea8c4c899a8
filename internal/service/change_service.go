// Package service carries the request-scoped application logic that sits
// between the REST surface and the workflow controller: change CRUD, KPI
// rollups, and the approval expiry reaper.
package service

import (
	"context"
	"log/slog"

	"github.com/remaestro/deplyx/internal/audit"
	"github.com/remaestro/deplyx/internal/models"
	"github.com/remaestro/deplyx/internal/repository"
	"github.com/remaestro/deplyx/internal/workflow"
)

// ChangeService owns change record CRUD. Lifecycle transitions live on the
// workflow controller; this service only edits author-owned fields.
type ChangeService struct {
	repo       repository.Repository
	controller *workflow.Controller
	journal    *audit.Journal
	log        *slog.Logger
}

func NewChangeService(repo repository.Repository, controller *workflow.Controller, journal *audit.Journal, log *slog.Logger) *ChangeService {
	return &ChangeService{repo: repo, controller: controller, journal: journal, log: log}
}

// Create validates and persists a new Draft change.
func (s *ChangeService) Create(ctx context.Context, change *models.Change, userID string) (*models.Change, error) {
	change.Status = models.StatusDraft
	change.CreatedBy = userID
	if err := change.ValidateDraft(); err != nil {
		return nil, err
	}
	if err := s.repo.CreateChange(ctx, change); err != nil {
		return nil, err
	}
	_ = s.journal.RecordChange(ctx, change.ID, userID, models.AuditCreated, map[string]any{
		"title":       change.Title,
		"change_type": change.ChangeType,
	})
	return change, nil
}

func (s *ChangeService) Get(ctx context.Context, id string) (*models.Change, error) {
	return s.repo.GetChange(ctx, id)
}

func (s *ChangeService) List(ctx context.Context, status models.ChangeStatus, limit, offset int) ([]models.Change, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListChanges(ctx, status, limit, offset)
}

// Update applies author edits. Only Draft and Pending changes are editable;
// editing the targets or action invalidates any analysis already attached.
func (s *ChangeService) Update(ctx context.Context, id string, edit *models.Change, userID string) (*models.Change, error) {
	change, err := s.repo.GetChange(ctx, id)
	if err != nil {
		return nil, err
	}
	if change.Status != models.StatusDraft && change.Status != models.StatusPending {
		return nil, &models.TransitionForbiddenError{From: change.Status, To: change.Status}
	}

	invalidates := edit.Action != change.Action || !sameTargets(edit.TargetComponents, change.TargetComponents)

	change.Title = edit.Title
	change.ChangeType = edit.ChangeType
	change.Action = edit.Action
	change.Environment = edit.Environment
	change.Description = edit.Description
	change.ExecutionPlan = edit.ExecutionPlan
	change.RollbackPlan = edit.RollbackPlan
	change.MaintenanceWindowStart = edit.MaintenanceWindowStart
	change.MaintenanceWindowEnd = edit.MaintenanceWindowEnd
	change.TargetComponents = edit.TargetComponents
	if err := change.ValidateDraft(); err != nil {
		return nil, err
	}

	if invalidates {
		s.controller.SupersedeAnalysis(ctx, id, userID)
		if err := change.SetImpact(nil); err != nil {
			return nil, err
		}
		change.RiskScore = nil
		change.RiskLevel = nil
	}

	if err := s.repo.UpdateChange(ctx, change); err != nil {
		return nil, err
	}
	_ = s.journal.RecordChange(ctx, id, userID, models.AuditUpdated, map[string]any{
		"analysis_invalidated": invalidates,
	})
	return change, nil
}

func sameTargets(a, b models.StringList) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
