package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remaestro/deplyx/internal/audit"
	"github.com/remaestro/deplyx/internal/config"
	"github.com/remaestro/deplyx/internal/connector"
	"github.com/remaestro/deplyx/internal/graph"
	"github.com/remaestro/deplyx/internal/models"
	"github.com/remaestro/deplyx/internal/pkg/logger"
	"github.com/remaestro/deplyx/internal/repository"
)

// flaky fails its first failures syncs, then yields the given mutations.
type flaky struct {
	id        string
	failures  int
	calls     int
	mutations []models.GraphMutation
}

func (f *flaky) ID() string { return f.id }

func (f *flaky) Sync(ctx context.Context) ([]models.GraphMutation, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transient: connection reset")
	}
	return f.mutations, nil
}

func (f *flaky) ValidateChange(ctx context.Context, change *models.Change) ([]string, error) {
	return nil, nil
}

func (f *flaky) SimulateChange(ctx context.Context, change *models.Change) (*connector.SimulationReport, error) {
	return &connector.SimulationReport{ConnectorID: f.id, ChangeID: change.ID, WouldSucceed: true}, nil
}

func (f *flaky) ApplyChange(ctx context.Context, change *models.Change) (*connector.ExecutionReceipt, error) {
	return &connector.ExecutionReceipt{ConnectorID: f.id, ChangeID: change.ID}, nil
}

type fixture struct {
	repo  *repository.SQLiteRepository
	graph *graph.Store
	coord *Coordinator
	cfg   *models.ConnectorConfig
}

func newFixture(t *testing.T, conn connector.Connector) *fixture {
	t.Helper()
	log := logger.New("error")
	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "sync.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	cfg := &models.ConnectorConfig{Name: "dc1-netbox", ConnectorType: "static"}
	require.NoError(t, repo.CreateConnector(context.Background(), cfg))

	store := graph.NewStore()
	journal := audit.NewJournal(repo, log)
	factory := func(c *models.ConnectorConfig) (connector.Connector, error) { return conn, nil }
	coord := NewCoordinator(repo, store, journal, log, config.Default(), factory)
	return &fixture{repo: repo, graph: store, coord: coord, cfg: cfg}
}

func deviceMutations(ids ...string) []models.GraphMutation {
	muts := make([]models.GraphMutation, 0, len(ids))
	for _, id := range ids {
		muts = append(muts, models.GraphMutation{
			Kind:       models.MutationUpsertNode,
			Node:       &models.GraphNode{ID: id, Kind: models.NodeDevice, Properties: map[string]any{}},
			ObservedAt: time.Now().UTC(),
		})
	}
	return muts
}

func TestFailureThenRecovery(t *testing.T) {
	conn := &flaky{failures: 3, mutations: deviceMutations("SW-1", "SW-2")}
	f := newFixture(t, conn)
	ctx := context.Background()

	// Three transient failures.
	for i := 1; i <= 3; i++ {
		err := f.coord.RunOnce(ctx, f.cfg.ID)
		require.Error(t, err)
		assert.Equal(t, i, f.coord.Attempts(f.cfg.ID))

		got, err := f.repo.GetConnector(ctx, f.cfg.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastError)
		assert.Contains(t, *got.LastError, "transient")
	}

	// Fourth attempt succeeds: graph holds its state, last_error clears.
	require.NoError(t, f.coord.RunOnce(ctx, f.cfg.ID))
	assert.Equal(t, 0, f.coord.Attempts(f.cfg.ID))

	nodes, _ := f.graph.Counts()
	assert.Equal(t, 2, nodes)

	got, err := f.repo.GetConnector(ctx, f.cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectorActive, got.Status)
	assert.Nil(t, got.LastError)
	require.NotNil(t, got.LastSyncAt)

	failed, err := f.repo.ListAudit(ctx, models.AuditSyncFailed, 10)
	require.NoError(t, err)
	assert.Len(t, failed, 3)
	completed, err := f.repo.ListAudit(ctx, models.AuditSyncCompleted, 10)
	require.NoError(t, err)
	assert.Len(t, completed, 1)
}

func TestRetryBudgetExhaustion(t *testing.T) {
	conn := &flaky{failures: 100}
	f := newFixture(t, conn)
	ctx := context.Background()

	var last error
	for i := 0; i < config.Default().SyncRetryMax; i++ {
		last = f.coord.RunOnce(ctx, f.cfg.ID)
		require.Error(t, last)
	}

	var syncErr *models.ConnectorSyncError
	require.ErrorAs(t, last, &syncErr)
	assert.Equal(t, config.Default().SyncRetryMax, syncErr.Attempt)

	got, err := f.repo.GetConnector(ctx, f.cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectorError, got.Status)
}

func TestBackoffSchedule(t *testing.T) {
	f := newFixture(t, &flaky{})
	assert.Equal(t, 30*time.Second, f.coord.Backoff(1))
	assert.Equal(t, 60*time.Second, f.coord.Backoff(2))
	assert.Equal(t, 120*time.Second, f.coord.Backoff(3))
	assert.Equal(t, 240*time.Second, f.coord.Backoff(4))
	assert.Equal(t, 480*time.Second, f.coord.Backoff(5))
	// Capped at 15 minutes.
	assert.Equal(t, 900*time.Second, f.coord.Backoff(6))
	assert.Equal(t, 900*time.Second, f.coord.Backoff(8))
}

func TestEmptySyncIsNoOp(t *testing.T) {
	conn := &flaky{failures: 0, mutations: nil}
	f := newFixture(t, conn)

	require.NoError(t, f.coord.RunOnce(context.Background(), f.cfg.ID))
	nodes, edges := f.graph.Counts()
	assert.Equal(t, 0, nodes)
	assert.Equal(t, 0, edges)
	assert.Equal(t, uint64(0), f.graph.Revision())
}

func TestSyncNowCoalesces(t *testing.T) {
	conn := &flaky{failures: 0, mutations: deviceMutations("SW-1")}
	f := newFixture(t, conn)

	f.coord.jobs = make(chan string, 8)

	// Simulate an in-flight run: further triggers coalesce to one follow-up.
	f.coord.mu.Lock()
	f.coord.running[f.cfg.ID] = true
	f.coord.mu.Unlock()

	f.coord.SyncNow(f.cfg.ID)
	f.coord.SyncNow(f.cfg.ID)
	f.coord.SyncNow(f.cfg.ID)

	f.coord.mu.Lock()
	assert.True(t, f.coord.pending[f.cfg.ID])
	assert.Empty(t, f.coord.jobs)
	f.coord.mu.Unlock()

	// Finishing the run schedules exactly one follow-up.
	f.coord.mu.Lock()
	delete(f.coord.running, f.cfg.ID)
	followUp := f.coord.pending[f.cfg.ID]
	delete(f.coord.pending, f.cfg.ID)
	if followUp {
		f.coord.enqueueLocked(f.cfg.ID)
	}
	f.coord.mu.Unlock()

	assert.Len(t, f.coord.jobs, 1)
}

func TestBackoffCheckpointPersisted(t *testing.T) {
	conn := &flaky{failures: 0, mutations: deviceMutations("SW-1", "SW-2", "SW-3")}
	f := newFixture(t, conn)
	ctx := context.Background()

	require.NoError(t, f.coord.RunOnce(ctx, f.cfg.ID))

	data, err := f.repo.LoadGraphCheckpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, data)

	restored := graph.NewStore()
	require.NoError(t, restored.Restore(data))
	nodes, _ := restored.Counts()
	assert.Equal(t, 3, nodes)
}
