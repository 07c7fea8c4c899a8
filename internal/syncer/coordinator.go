// Package syncer schedules connector syncs and applies their mutations to the
// graph store. Jobs run on a bounded worker pool; failures back off
// exponentially; repeated sync-now triggers on an in-flight connector coalesce
// into a single follow-up run.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/remaestro/deplyx/internal/audit"
	"github.com/remaestro/deplyx/internal/config"
	"github.com/remaestro/deplyx/internal/connector"
	"github.com/remaestro/deplyx/internal/graph"
	"github.com/remaestro/deplyx/internal/models"
	"github.com/remaestro/deplyx/internal/pkg/metrics"
	"github.com/remaestro/deplyx/internal/repository"
)

// Factory builds the connector for a stored config. Overridable in tests.
type Factory func(cfg *models.ConnectorConfig) (connector.Connector, error)

// Coordinator owns the sync schedule and worker pool.
type Coordinator struct {
	repo    repository.Repository
	graph   *graph.Store
	journal *audit.Journal
	log     *slog.Logger
	cfg     *config.Config
	factory Factory

	mu       sync.Mutex
	running  map[string]bool
	queued   map[string]bool
	pending  map[string]bool // coalesced follow-up requests
	attempts map[string]int
	nextDue  map[string]time.Time

	jobs   chan string
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewCoordinator wires the coordinator. factory may be nil to use the
// registered connector types.
func NewCoordinator(repo repository.Repository, g *graph.Store, journal *audit.Journal, log *slog.Logger, cfg *config.Config, factory Factory) *Coordinator {
	if factory == nil {
		factory = connector.New
	}
	return &Coordinator{
		repo:     repo,
		graph:    g,
		journal:  journal,
		log:      log,
		cfg:      cfg,
		factory:  factory,
		running:  make(map[string]bool),
		queued:   make(map[string]bool),
		pending:  make(map[string]bool),
		attempts: make(map[string]int),
		nextDue:  make(map[string]time.Time),
	}
}

// Backoff returns the wait before retry attempt n (1-based): base doubling per
// attempt, capped.
func (c *Coordinator) Backoff(attempt int) time.Duration {
	d := time.Duration(c.cfg.SyncRetryBaseSec) * time.Second
	limit := time.Duration(c.cfg.SyncRetryCapSec) * time.Second
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

// Start launches the scheduler and worker pool. Width is the number of
// configured connectors capped by sync_worker_cap.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	connectors, err := c.repo.ListConnectors(ctx)
	if err != nil {
		c.log.Error("listing connectors at startup", "error", err)
	}
	width := len(connectors)
	if width > c.cfg.SyncWorkerCap {
		width = c.cfg.SyncWorkerCap
	}
	if width < 1 {
		width = 1
	}
	c.jobs = make(chan string, 4*c.cfg.SyncWorkerCap)

	c.group, _ = errgroup.WithContext(ctx)
	for i := 0; i < width; i++ {
		c.group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-c.jobs:
					c.runJob(ctx, id)
				}
			}
		})
	}
	c.group.Go(func() error {
		ticker := time.NewTicker(time.Duration(c.cfg.SyncTickSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				c.dispatchDue(ctx)
			}
		}
	})
	c.log.Info("sync coordinator started", "workers", width)
}

// Stop shuts the scheduler down and waits for in-flight jobs.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		_ = c.group.Wait()
	}
}

// SyncNow triggers an immediate sync. Triggers on an in-flight connector are
// merged into one follow-up run.
func (c *Coordinator) SyncNow(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[id] {
		c.pending[id] = true
		return
	}
	if c.queued[id] {
		return
	}
	// Manual trigger resets the retry budget.
	c.attempts[id] = 0
	delete(c.nextDue, id)
	c.enqueueLocked(id)
}

func (c *Coordinator) enqueueLocked(id string) {
	c.queued[id] = true
	select {
	case c.jobs <- id:
	default:
		// Queue full; the next scheduler tick retries.
		delete(c.queued, id)
	}
}

// dispatchDue enqueues every connector whose interval or backoff has elapsed.
func (c *Coordinator) dispatchDue(ctx context.Context) {
	connectors, err := c.repo.ListConnectors(ctx)
	if err != nil {
		c.log.Error("listing connectors", "error", err)
		return
	}
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range connectors {
		cfg := &connectors[i]
		if c.running[cfg.ID] || c.queued[cfg.ID] {
			continue
		}
		attempts := c.attempts[cfg.ID]
		if attempts >= c.cfg.SyncRetryMax {
			continue // budget exhausted, wait for manual sync-now
		}
		if attempts > 0 {
			if now.Before(c.nextDue[cfg.ID]) {
				continue
			}
		} else {
			interval := time.Duration(cfg.SyncIntervalMinutes) * time.Minute
			if cfg.LastSyncAt != nil && now.Before(cfg.LastSyncAt.Add(interval)) {
				continue
			}
		}
		c.enqueueLocked(cfg.ID)
	}
}

func (c *Coordinator) runJob(ctx context.Context, id string) {
	c.mu.Lock()
	delete(c.queued, id)
	c.running[id] = true
	c.mu.Unlock()

	err := c.RunOnce(ctx, id)

	c.mu.Lock()
	delete(c.running, id)
	followUp := c.pending[id]
	delete(c.pending, id)
	if followUp {
		c.attempts[id] = 0
		delete(c.nextDue, id)
		c.enqueueLocked(id)
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("connector sync failed", "connector_id", id, "error", err)
	}
}

// RunOnce performs a single sync attempt for the connector: pull mutations,
// apply them atomically, recompute core devices, persist a checkpoint, and
// record the outcome. On failure the retry state advances.
func (c *Coordinator) RunOnce(ctx context.Context, id string) error {
	cfg, err := c.repo.GetConnector(ctx, id)
	if err != nil {
		return err
	}
	conn, err := c.factory(cfg)
	if err != nil {
		return c.fail(ctx, cfg, err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.SyncJobTimeoutSec)*time.Second)
	defer cancel()

	start := time.Now()
	muts, err := conn.Sync(jobCtx)
	if err != nil {
		return c.fail(ctx, cfg, err)
	}

	applied := 0
	if len(muts) > 0 {
		applied, err = c.graph.ApplyMutations(id, muts)
		if err != nil {
			return c.fail(ctx, cfg, err)
		}
		c.graph.RecomputeCore(c.cfg.CoreDeviceK)
		if data, cerr := c.graph.Checkpoint(); cerr == nil {
			if serr := c.repo.SaveGraphCheckpoint(ctx, c.graph.Revision(), data); serr != nil {
				c.log.Warn("saving graph checkpoint", "error", serr)
			}
		}
	}

	now := time.Now().UTC()
	if err := c.repo.UpdateConnectorSync(ctx, id, models.ConnectorActive, nil, now); err != nil {
		return err
	}
	c.mu.Lock()
	c.attempts[id] = 0
	delete(c.nextDue, id)
	c.mu.Unlock()

	metrics.SyncRunsTotal.WithLabelValues(id, "success").Inc()
	metrics.SyncDurationSeconds.WithLabelValues(id).Observe(time.Since(start).Seconds())
	_ = c.journal.Record(ctx, nil, nil, models.AuditSyncCompleted, map[string]any{
		"connector_id": id,
		"mutations":    len(muts),
		"applied":      applied,
		"revision":     c.graph.Revision(),
	})
	c.log.Info("connector sync completed", "connector_id", id, "applied", applied, "revision", c.graph.Revision())
	return nil
}

// fail records a sync failure and advances the backoff schedule. After the
// retry budget is exhausted the connector surfaces health status error.
func (c *Coordinator) fail(ctx context.Context, cfg *models.ConnectorConfig, cause error) error {
	c.mu.Lock()
	c.attempts[cfg.ID]++
	attempt := c.attempts[cfg.ID]
	c.nextDue[cfg.ID] = time.Now().UTC().Add(c.Backoff(attempt))
	c.mu.Unlock()

	status := cfg.Status
	if attempt >= c.cfg.SyncRetryMax {
		status = models.ConnectorError
	}
	msg := cause.Error()
	lastSync := time.Time{}
	if cfg.LastSyncAt != nil {
		lastSync = *cfg.LastSyncAt
	}
	if err := c.repo.UpdateConnectorSync(ctx, cfg.ID, status, &msg, lastSync); err != nil {
		c.log.Error("recording sync failure", "connector_id", cfg.ID, "error", err)
	}

	metrics.SyncRunsTotal.WithLabelValues(cfg.ID, "error").Inc()
	_ = c.journal.Record(ctx, nil, nil, models.AuditSyncFailed, map[string]any{
		"connector_id": cfg.ID,
		"attempt":      attempt,
		"error":        msg,
	})
	if attempt >= c.cfg.SyncRetryMax {
		return &models.ConnectorSyncError{ConnectorID: cfg.ID, Attempt: attempt, Cause: cause}
	}
	return fmt.Errorf("connector %s sync attempt %d: %w", cfg.ID, attempt, cause)
}

// Attempts returns the current retry attempt count for a connector.
func (c *Coordinator) Attempts(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[id]
}
