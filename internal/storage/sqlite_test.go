package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alvmarrod/statweaver/internal/dispatch"
	"github.com/alvmarrod/statweaver/internal/signals"
	"github.com/alvmarrod/statweaver/internal/stats"
	"github.com/alvmarrod/statweaver/internal/subscriber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNodesAndEdges(t *testing.T) {
	store := newTestStorage(t)

	a, err := store.UpsertNode("a.example.com", "")
	require.NoError(t, err)
	again, err := store.UpsertNode("a.example.com", "Title A")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	_, err = store.UpsertNode("a.example.com", "")
	require.NoError(t, err)
	node, err := store.GetNode("a.example.com")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "Title A", node.Description)

	missing, err := store.GetNode("nope.example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)

	b, err := store.UpsertNode("b.example.org", "")
	require.NoError(t, err)
	require.NoError(t, store.UpsertEdge(a, b))
	require.NoError(t, store.UpsertEdge(a, b))
	weight, err := store.EdgeWeight(a, b)
	require.NoError(t, err)
	assert.Equal(t, 2, weight)

	require.NoError(t, store.IncrementCrawlCount(a))
	resumable, err := store.LoadResumableNodes(1)
	require.NoError(t, err)
	require.Len(t, resumable, 1)
	assert.Equal(t, "b.example.org", resumable[0].DomainName)

	require.NoError(t, store.ResetCrawlCount(a))
	resumable, err = store.LoadResumableNodes(1)
	require.NoError(t, err)
	assert.Len(t, resumable, 2)
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := newTestStorage(t)
	closedAt := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	id, err := store.SaveSnapshot(SnapshotRecord{
		Spider:    "example.com",
		SessionID: "session-1",
		Reason:    signals.ReasonFinished,
		ClosedAt:  closedAt,
		Stats:     signals.Snapshot{"pages": int64(12), "ratio": 0.5, "finish_reason": "finished"},
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	records, err := store.LoadSnapshots("example.com")
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "session-1", rec.SessionID)
	assert.Equal(t, signals.ReasonFinished, rec.Reason)
	assert.True(t, closedAt.Equal(rec.ClosedAt))
	assert.Equal(t, int64(12), rec.Stats["pages"])
	assert.Equal(t, 0.5, rec.Stats["ratio"])
	assert.Equal(t, "finished", rec.Stats["finish_reason"])

	other, err := store.LoadSnapshots("other.com")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRecorderPersistsOnClose(t *testing.T) {
	store := newTestStorage(t)
	bus := dispatch.New()
	_, err := subscriber.Register(bus, "recorder", NewRecorder(store, "session-2"))
	require.NoError(t, err)

	c := stats.NewCollector("example.com", bus, nil)
	require.NoError(t, c.IncValue("pages", 3, 0))
	_, err = c.CloseSession("queue_empty")
	require.NoError(t, err)

	records, err := store.LoadSnapshots("example.com")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "queue_empty", records[0].Reason)
	assert.Equal(t, "session-2", records[0].SessionID)
	assert.Equal(t, signals.Snapshot{"pages": int64(3)}, records[0].Stats)
}
