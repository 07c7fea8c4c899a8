package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/remaestro/deplyx/internal/models"
)

// SQLiteRepository implements Repository on a single SQLite file.
type SQLiteRepository struct {
	db  *sqlx.DB
	log *slog.Logger
}

// NewSQLiteRepository opens (or creates) the database and applies the schema.
func NewSQLiteRepository(path string, log *slog.Logger) (*SQLiteRepository, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids busy errors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	log.Info("database ready", "path", path)
	return &SQLiteRepository{db: db, log: log}, nil
}

// Close releases the database handle.
func (r *SQLiteRepository) Close() error { return r.db.Close() }

// --- changes ---

func (r *SQLiteRepository) CreateChange(ctx context.Context, change *models.Change) error {
	if change.ID == "" {
		change.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	if change.CreatedAt.IsZero() {
		change.CreatedAt = now
	}
	change.UpdatedAt = now
	if change.Status == "" {
		change.Status = models.StatusDraft
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO changes (id, title, change_type, action, environment, description,
			execution_plan, rollback_plan, maintenance_window_start, maintenance_window_end,
			target_components, status, risk_score, risk_level, reject_reason,
			created_by, created_at, updated_at, impact_json)
		VALUES (:id, :title, :change_type, :action, :environment, :description,
			:execution_plan, :rollback_plan, :maintenance_window_start, :maintenance_window_end,
			:target_components, :status, :risk_score, :risk_level, :reject_reason,
			:created_by, :created_at, :updated_at, :impact_json)`, change)
	if err != nil {
		return fmt.Errorf("inserting change: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetChange(ctx context.Context, id string) (*models.Change, error) {
	var change models.Change
	err := r.db.GetContext(ctx, &change, `SELECT * FROM changes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "change", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading change %s: %w", id, err)
	}
	return &change, nil
}

func (r *SQLiteRepository) ListChanges(ctx context.Context, status models.ChangeStatus, limit, offset int) ([]models.Change, error) {
	if limit <= 0 {
		limit = 100
	}
	changes := []models.Change{}
	var err error
	if status == "" {
		err = r.db.SelectContext(ctx, &changes,
			`SELECT * FROM changes ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	} else {
		err = r.db.SelectContext(ctx, &changes,
			`SELECT * FROM changes WHERE status = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, status, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("listing changes: %w", err)
	}
	return changes, nil
}

func (r *SQLiteRepository) UpdateChange(ctx context.Context, change *models.Change) error {
	change.UpdatedAt = time.Now().UTC()
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE changes SET title = :title, change_type = :change_type, action = :action,
			environment = :environment, description = :description,
			execution_plan = :execution_plan, rollback_plan = :rollback_plan,
			maintenance_window_start = :maintenance_window_start,
			maintenance_window_end = :maintenance_window_end,
			target_components = :target_components, status = :status,
			risk_score = :risk_score, risk_level = :risk_level,
			reject_reason = :reject_reason, updated_at = :updated_at,
			impact_json = :impact_json
		WHERE id = :id`, change)
	if err != nil {
		return fmt.Errorf("updating change %s: %w", change.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &models.NotFoundError{Resource: "change", ID: change.ID}
	}
	return nil
}

func (r *SQLiteRepository) CountChanges(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM changes`); err != nil {
		return 0, fmt.Errorf("counting changes: %w", err)
	}
	return count, nil
}

// --- approvals ---

func (r *SQLiteRepository) CreateApprovals(ctx context.Context, approvals []models.Approval) ([]models.Approval, error) {
	out := make([]models.Approval, 0, len(approvals))
	for _, a := range approvals {
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}
		if a.Status == "" {
			a.Status = models.ApprovalPending
		}
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO approvals (change_id, role_required, status, decided_by, decided_at, comment, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ChangeID, a.RoleRequired, a.Status, a.DecidedBy, a.DecidedAt, a.Comment, a.ExpiresAt, a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("inserting approval for change %s: %w", a.ChangeID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		a.ID = id
		out = append(out, a)
	}
	return out, nil
}

func (r *SQLiteRepository) GetApproval(ctx context.Context, id int64) (*models.Approval, error) {
	var a models.Approval
	err := r.db.GetContext(ctx, &a, `SELECT * FROM approvals WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "approval", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("loading approval %d: %w", id, err)
	}
	return &a, nil
}

func (r *SQLiteRepository) ListApprovals(ctx context.Context, changeID string) ([]models.Approval, error) {
	approvals := []models.Approval{}
	err := r.db.SelectContext(ctx, &approvals,
		`SELECT * FROM approvals WHERE change_id = ? ORDER BY id`, changeID)
	if err != nil {
		return nil, fmt.Errorf("listing approvals for change %s: %w", changeID, err)
	}
	return approvals, nil
}

// DecideApproval is a conditional write: only a Pending row can be decided, so
// the loser of a concurrent decision sees zero rows affected.
func (r *SQLiteRepository) DecideApproval(ctx context.Context, id int64, status models.ApprovalStatus, decidedBy, comment string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, decided_by = ?, decided_at = ?, comment = ?
		WHERE id = ? AND status = 'Pending'`,
		status, decidedBy, at, comment, id)
	if err != nil {
		return false, fmt.Errorf("deciding approval %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SQLiteRepository) ExpirePendingApprovals(ctx context.Context, now time.Time) ([]models.Approval, error) {
	expired := []models.Approval{}
	err := r.db.SelectContext(ctx, &expired,
		`SELECT * FROM approvals WHERE status = 'Pending' AND expires_at < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("finding expired approvals: %w", err)
	}
	for i := range expired {
		ok, err := r.DecideApproval(ctx, expired[i].ID, models.ApprovalExpired, "system", "approval window elapsed", now)
		if err != nil {
			return nil, err
		}
		if ok {
			expired[i].Status = models.ApprovalExpired
		}
	}
	return expired, nil
}

// --- audit ---

func (r *SQLiteRepository) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_log (change_id, user_id, action, details, timestamp) VALUES (?, ?, ?, ?, ?)`,
		entry.ChangeID, entry.UserID, entry.Action, entry.Details, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	entry.ID = id
	return nil
}

func (r *SQLiteRepository) ListAuditForChange(ctx context.Context, changeID string) ([]models.AuditEntry, error) {
	entries := []models.AuditEntry{}
	err := r.db.SelectContext(ctx, &entries,
		`SELECT * FROM audit_log WHERE change_id = ? ORDER BY timestamp, id`, changeID)
	if err != nil {
		return nil, fmt.Errorf("listing audit for change %s: %w", changeID, err)
	}
	return entries, nil
}

func (r *SQLiteRepository) ListAudit(ctx context.Context, action string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	entries := []models.AuditEntry{}
	var err error
	if action == "" {
		err = r.db.SelectContext(ctx, &entries,
			`SELECT * FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	} else {
		err = r.db.SelectContext(ctx, &entries,
			`SELECT * FROM audit_log WHERE action = ? ORDER BY id DESC LIMIT ?`, action, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return entries, nil
}

// IncidentTargets collects the node ids named in incident_reported details
// since the given time. Details carry {"targets": [...]}.
func (r *SQLiteRepository) IncidentTargets(ctx context.Context, since time.Time) ([]string, error) {
	entries := []models.AuditEntry{}
	err := r.db.SelectContext(ctx, &entries,
		`SELECT * FROM audit_log WHERE action = ? AND timestamp >= ?`, models.AuditIncidentReported, since)
	if err != nil {
		return nil, fmt.Errorf("listing incident entries: %w", err)
	}
	seen := map[string]struct{}{}
	var out []string
	for _, e := range entries {
		var details struct {
			Targets []string `json:"targets"`
		}
		if err := json.Unmarshal([]byte(e.Details), &details); err != nil {
			continue
		}
		for _, t := range details.Targets {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *SQLiteRepository) HasIncidentAfter(ctx context.Context, changeID string, from, to time.Time) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM audit_log
		WHERE change_id = ? AND action = ? AND timestamp > ? AND timestamp <= ?`,
		changeID, models.AuditIncidentReported, from, to)
	if err != nil {
		return false, fmt.Errorf("checking incidents for change %s: %w", changeID, err)
	}
	return count > 0, nil
}

// --- policies ---

func (r *SQLiteRepository) CreatePolicy(ctx context.Context, policy *models.Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	if policy.ID == "" {
		policy.ID = ulid.Make().String()
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO policies (id, name, rule_type, condition, action, enabled, created_at, last_triggered_at)
		VALUES (:id, :name, :rule_type, :condition, :action, :enabled, :created_at, :last_triggered_at)`, policy)
	if err != nil {
		return fmt.Errorf("inserting policy: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetPolicy(ctx context.Context, id string) (*models.Policy, error) {
	var p models.Policy
	err := r.db.GetContext(ctx, &p, `SELECT * FROM policies WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "policy", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading policy %s: %w", id, err)
	}
	return &p, nil
}

func (r *SQLiteRepository) ListPolicies(ctx context.Context, enabledOnly bool) ([]models.Policy, error) {
	policies := []models.Policy{}
	query := `SELECT * FROM policies ORDER BY created_at`
	if enabledOnly {
		query = `SELECT * FROM policies WHERE enabled = 1 ORDER BY created_at`
	}
	if err := r.db.SelectContext(ctx, &policies, query); err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	return policies, nil
}

func (r *SQLiteRepository) UpdatePolicy(ctx context.Context, policy *models.Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE policies SET name = :name, rule_type = :rule_type, condition = :condition,
			action = :action, enabled = :enabled
		WHERE id = :id`, policy)
	if err != nil {
		return fmt.Errorf("updating policy %s: %w", policy.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &models.NotFoundError{Resource: "policy", ID: policy.ID}
	}
	return nil
}

func (r *SQLiteRepository) DeletePolicy(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting policy %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &models.NotFoundError{Resource: "policy", ID: id}
	}
	return nil
}

func (r *SQLiteRepository) TouchPolicyTriggered(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE policies SET last_triggered_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("touching policy %s: %w", id, err)
	}
	return nil
}

// --- connectors ---

func (r *SQLiteRepository) CreateConnector(ctx context.Context, cfg *models.ConnectorConfig) error {
	if cfg.ID == "" {
		cfg.ID = ulid.Make().String()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	if cfg.Status == "" {
		cfg.Status = models.ConnectorPending
	}
	if cfg.SyncIntervalMinutes <= 0 {
		cfg.SyncIntervalMinutes = 15
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO connectors (id, name, connector_type, endpoint, config, sync_interval_minutes,
			status, last_sync_at, last_error, created_at)
		VALUES (:id, :name, :connector_type, :endpoint, :config, :sync_interval_minutes,
			:status, :last_sync_at, :last_error, :created_at)`, cfg)
	if err != nil {
		return fmt.Errorf("inserting connector: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetConnector(ctx context.Context, id string) (*models.ConnectorConfig, error) {
	var cfg models.ConnectorConfig
	err := r.db.GetContext(ctx, &cfg, `SELECT * FROM connectors WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "connector", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading connector %s: %w", id, err)
	}
	return &cfg, nil
}

func (r *SQLiteRepository) ListConnectors(ctx context.Context) ([]models.ConnectorConfig, error) {
	connectors := []models.ConnectorConfig{}
	if err := r.db.SelectContext(ctx, &connectors, `SELECT * FROM connectors ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("listing connectors: %w", err)
	}
	return connectors, nil
}

func (r *SQLiteRepository) UpdateConnectorSync(ctx context.Context, id string, status models.ConnectorStatus, lastError *string, lastSyncAt time.Time) error {
	var syncedAt *time.Time
	if !lastSyncAt.IsZero() {
		syncedAt = &lastSyncAt
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE connectors SET status = ?, last_error = ?, last_sync_at = ? WHERE id = ?`,
		status, lastError, syncedAt, id)
	if err != nil {
		return fmt.Errorf("updating connector %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &models.NotFoundError{Resource: "connector", ID: id}
	}
	return nil
}

func (r *SQLiteRepository) DeleteConnector(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM connectors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting connector %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &models.NotFoundError{Resource: "connector", ID: id}
	}
	return nil
}

func (r *SQLiteRepository) SaveGraphCheckpoint(ctx context.Context, revision uint64, data []byte) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO graph_checkpoints (revision, data, created_at) VALUES (?, ?, ?)`,
		revision, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving graph checkpoint: %w", err)
	}
	// Keep only the most recent checkpoints.
	_, err = r.db.ExecContext(ctx, `
		DELETE FROM graph_checkpoints WHERE id NOT IN
			(SELECT id FROM graph_checkpoints ORDER BY id DESC LIMIT 5)`)
	return err
}

func (r *SQLiteRepository) LoadGraphCheckpoint(ctx context.Context) ([]byte, error) {
	var data []byte
	err := r.db.GetContext(ctx, &data,
		`SELECT data FROM graph_checkpoints ORDER BY id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading graph checkpoint: %w", err)
	}
	return data, nil
}
