package audit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remaestro/deplyx/internal/models"
	"github.com/remaestro/deplyx/internal/pkg/logger"
	"github.com/remaestro/deplyx/internal/repository"
)

type captureHub struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
}

func (h *captureHub) Broadcast(entry *models.AuditEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
}

func testJournal(t *testing.T) *Journal {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "audit.db"), logger.New("error"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return NewJournal(repo, logger.New("error"))
}

func TestRecordAndList(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordChange(ctx, "CHG-1", "alex", models.AuditCreated, nil))
	require.NoError(t, j.RecordChange(ctx, "CHG-1", "alex", models.AuditSubmitted, map[string]any{"risk_score": 100}))

	entries, err := j.ForChange(ctx, "CHG-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditCreated, entries[0].Action)
	assert.Equal(t, models.AuditSubmitted, entries[1].Action)
	assert.JSONEq(t, `{"risk_score":100}`, entries[1].Details)
}

func TestTimestampsMonotonicPerChange(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, j.RecordChange(ctx, "CHG-1", "", models.AuditUpdated, nil))
	}
	entries, err := j.ForChange(ctx, "CHG-1")
	require.NoError(t, err)
	require.Len(t, entries, 50)
	for i := 1; i < len(entries); i++ {
		assert.True(t, entries[i].Timestamp.After(entries[i-1].Timestamp),
			"entry %d timestamp must be strictly after entry %d", i, i-1)
	}
}

func TestConcurrentAppenders(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 10; k++ {
				assert.NoError(t, j.RecordChange(ctx, "CHG-RACE", "", models.AuditUpdated, nil))
			}
		}()
	}
	wg.Wait()

	entries, err := j.ForChange(ctx, "CHG-RACE")
	require.NoError(t, err)
	require.Len(t, entries, 100)
	for i := 1; i < len(entries); i++ {
		assert.True(t, entries[i].Timestamp.After(entries[i-1].Timestamp))
	}
}

func TestBroadcast(t *testing.T) {
	j := testJournal(t)
	hub := &captureHub{}
	j.SetBroadcaster(hub)

	require.NoError(t, j.RecordChange(context.Background(), "CHG-1", "alex", models.AuditApproved, nil))
	require.Len(t, hub.entries, 1)
	assert.Equal(t, models.AuditApproved, hub.entries[0].Action)
}
