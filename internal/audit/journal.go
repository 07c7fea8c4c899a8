// Package audit appends semantic events to the journal. Entries for the same
// change are totally ordered by a monotonic timestamp assigned at commit;
// entries across changes carry no global order guarantee.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/remaestro/deplyx/internal/models"
	"github.com/remaestro/deplyx/internal/repository"
)

// Broadcaster pushes committed entries to live subscribers. Optional; a nil
// broadcaster disables streaming.
type Broadcaster interface {
	Broadcast(entry *models.AuditEntry)
}

// Journal is the append-only writer. Safe for concurrent appenders.
type Journal struct {
	repo repository.AuditRepository
	log  *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
	hub  Broadcaster
}

// NewJournal builds a journal on top of the audit repository.
func NewJournal(repo repository.AuditRepository, log *slog.Logger) *Journal {
	return &Journal{repo: repo, log: log, last: make(map[string]time.Time)}
}

// SetBroadcaster attaches a live-stream sink. Call before serving traffic.
func (j *Journal) SetBroadcaster(hub Broadcaster) { j.hub = hub }

// Record appends one entry. details is JSON-marshaled into the entry; pass nil
// for none. The timestamp is strictly increasing per change.
func (j *Journal) Record(ctx context.Context, changeID, userID *string, action string, details any) error {
	entry := &models.AuditEntry{
		ChangeID:  changeID,
		UserID:    userID,
		Action:    action,
		Timestamp: j.stamp(changeID),
	}
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return err
		}
		entry.Details = string(b)
	}
	if err := j.repo.AppendAudit(ctx, entry); err != nil {
		return err
	}
	j.log.Debug("audit entry committed", "action", action, "change_id", strOr(changeID))
	if j.hub != nil {
		j.hub.Broadcast(entry)
	}
	return nil
}

// RecordChange is Record with plain string arguments for the common case.
func (j *Journal) RecordChange(ctx context.Context, changeID, userID, action string, details any) error {
	var user *string
	if userID != "" {
		user = &userID
	}
	return j.Record(ctx, &changeID, user, action, details)
}

// ForChange lists the entries for one change in commit order.
func (j *Journal) ForChange(ctx context.Context, changeID string) ([]models.AuditEntry, error) {
	return j.repo.ListAuditForChange(ctx, changeID)
}

// stamp assigns a per-change monotonic UTC timestamp.
func (j *Journal) stamp(changeID *string) time.Time {
	now := time.Now().UTC()
	if changeID == nil {
		return now
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if last, ok := j.last[*changeID]; ok && !now.After(last) {
		now = last.Add(time.Microsecond)
	}
	j.last[*changeID] = now
	return now
}

func strOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
