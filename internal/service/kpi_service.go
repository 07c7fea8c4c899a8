package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/remaestro/deplyx/internal/models"
	"github.com/remaestro/deplyx/internal/repository"
)

// incidentWindow is how long after completion an incident still counts
// against the change.
const incidentWindow = 7 * 24 * time.Hour

// KPIService rolls dashboard aggregates up from the change and audit stores.
type KPIService struct {
	repo repository.Repository
	log  *slog.Logger
}

func NewKPIService(repo repository.Repository, log *slog.Logger) *KPIService {
	return &KPIService{repo: repo, log: log}
}

// Dashboard computes the rollup. Rates over zero denominators report 0.
func (s *KPIService) Dashboard(ctx context.Context) (*models.DashboardKPIs, error) {
	kpis := &models.DashboardKPIs{}

	total, err := s.repo.CountChanges(ctx)
	if err != nil {
		return nil, err
	}
	kpis.TotalChanges = total
	if total == 0 {
		return kpis, nil
	}

	completed, err := s.repo.ListChanges(ctx, models.StatusCompleted, total, 0)
	if err != nil {
		return nil, err
	}

	var (
		autoApproved     int
		validationTotal  time.Duration
		validationCount  int
		withIncident     int
		touchedCore      int
		incidentsChecked int
	)
	for i := range completed {
		change := &completed[i]

		approvals, err := s.repo.ListApprovals(ctx, change.ID)
		if err != nil {
			return nil, err
		}
		if allSystemDecided(approvals) {
			autoApproved++
		}

		entries, err := s.repo.ListAuditForChange(ctx, change.ID)
		if err != nil {
			return nil, err
		}
		submittedAt := timestampOf(entries, models.AuditSubmitted)
		completedAt := timestampOf(entries, models.AuditCompleted)

		if firstApproved := firstDecidedAt(approvals); firstApproved != nil && submittedAt != nil {
			validationTotal += firstApproved.Sub(*submittedAt)
			validationCount++
		}

		if completedAt != nil {
			incidentsChecked++
			hit, err := s.repo.HasIncidentAfter(ctx, change.ID, *completedAt, completedAt.Add(incidentWindow))
			if err != nil {
				return nil, err
			}
			if hit {
				withIncident++
			}
		}

		snap, err := change.Impact()
		if err != nil {
			s.log.Warn("decoding impact snapshot for kpi rollup", "change_id", change.ID, "error", err)
			continue
		}
		if snap != nil && snap.TouchesCore() {
			touchedCore++
		}
	}

	kpis.AutoApprovedPct = pct(autoApproved, total)
	if validationCount > 0 {
		kpis.AvgValidationMinutes = validationTotal.Minutes() / float64(validationCount)
	}
	if n := len(completed); n > 0 {
		kpis.IncidentsPostChangePct = pct(withIncident, n)
		if incidentsChecked > 0 {
			kpis.ScoringPrecisionPct = pct(incidentsChecked-withIncident, incidentsChecked)
		}
		kpis.CoreChangesDetectedPct = pct(touchedCore, n)
	}
	return kpis, nil
}

// allSystemDecided reports whether the change was approved without a human:
// at least one slot, every one decided by the system actor.
func allSystemDecided(approvals []models.Approval) bool {
	if len(approvals) == 0 {
		return false
	}
	for _, a := range approvals {
		if a.Status != models.ApprovalApproved || a.DecidedBy == nil || *a.DecidedBy != "system" {
			return false
		}
	}
	return true
}

// firstDecidedAt returns the earliest approval decision time.
func firstDecidedAt(approvals []models.Approval) *time.Time {
	var first *time.Time
	for _, a := range approvals {
		if a.Status != models.ApprovalApproved || a.DecidedAt == nil {
			continue
		}
		if first == nil || a.DecidedAt.Before(*first) {
			t := *a.DecidedAt
			first = &t
		}
	}
	return first
}

// timestampOf returns the timestamp of the first journal entry with the verb.
func timestampOf(entries []models.AuditEntry, action string) *time.Time {
	for _, e := range entries {
		if e.Action == action {
			t := e.Timestamp
			return &t
		}
	}
	return nil
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(n) / float64(total)
}
