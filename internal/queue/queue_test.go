package queue

import (
	"path/filepath"
	"testing"
	"time"

	"deviceagent/internal/database"
	"deviceagent/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSelectBatchOldestFirst(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	store, err := New[models.LogEntry](db.DB, TableLogs, zap.NewNop())
	require.NoError(t, err)

	base := time.Now().Truncate(time.Second)
	// Insert out of temporal order: timestamps 5, 1, 3
	for _, offset := range []int{5, 1, 3} {
		_, err := store.Append(models.LogEntry{
			DeviceID:  "dev-1",
			Timestamp: base.Add(time.Duration(offset) * time.Second).UnixMilli(),
			Message:   "entry",
		}, base.Add(time.Duration(offset)*time.Second))
		require.NoError(t, err)
	}

	items, err := store.SelectBatch(3)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, base.Add(1*time.Second).UnixMilli(), items[0].Timestamp.UnixMilli())
	assert.Equal(t, base.Add(3*time.Second).UnixMilli(), items[1].Timestamp.UnixMilli())
	assert.Equal(t, base.Add(5*time.Second).UnixMilli(), items[2].Timestamp.UnixMilli())
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	store, err := New[models.LocationFix](db.DB, TableLocations, zap.NewNop())
	require.NoError(t, err)

	var last int64
	for i := 0; i < 5; i++ {
		id, err := store.Append(models.LocationFix{DeviceID: "dev-1", Latitude: float64(i)}, time.Now())
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestDeleteBatchRemovesExactlyGivenRecords(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	store, err := New[models.LogEntry](db.DB, TableLogs, zap.NewNop())
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 4; i++ {
		_, err := store.Append(models.LogEntry{Message: "m"}, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	items, err := store.SelectBatch(2)
	require.NoError(t, err)
	require.Len(t, items, 2)

	require.NoError(t, store.DeleteBatch(items))

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	remaining, err := store.SelectBatch(10)
	require.NoError(t, err)
	for _, item := range remaining {
		assert.NotEqual(t, items[0].ID, item.ID)
		assert.NotEqual(t, items[1].ID, item.ID)
	}
}

func TestDeleteBatchEmptyIsNoop(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	store, err := New[models.LogEntry](db.DB, TableLogs, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, store.DeleteBatch(nil))
}

func TestPruneOlderThanIgnoresUploadStatus(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	store, err := New[models.DeviceSnapshot](db.DB, TableSnapshots, zap.NewNop())
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 10; i++ {
		_, err := store.Append(models.DeviceSnapshot{DeviceID: "dev-1"}, now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	pruned, err := store.PruneOlderThan(now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(10), pruned)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPruneOlderThanKeepsRecentRecords(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	store, err := New[models.LocationFix](db.DB, TableLocations, zap.NewNop())
	require.NoError(t, err)

	now := time.Now()
	_, err = store.Append(models.LocationFix{Provider: "old"}, now.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = store.Append(models.LocationFix{Provider: "fresh"}, now)
	require.NoError(t, err)

	pruned, err := store.PruneOlderThan(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	items, err := store.SelectBatch(10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "fresh", items[0].Record.Provider)
}

func TestNaturalKeyReplacesDuplicates(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	store, err := New(db.DB, TableRemoteFiles, zap.NewNop(),
		WithNaturalKey(func(f models.RemoteFile) string { return f.Path }))
	require.NoError(t, err)

	now := time.Now()
	firstID, err := store.Append(models.RemoteFile{Path: "/sdcard/policy.json", Checksum: "aaa"}, now)
	require.NoError(t, err)

	secondID, err := store.Append(models.RemoteFile{Path: "/sdcard/policy.json", Checksum: "bbb"}, now.Add(time.Second))
	require.NoError(t, err)
	assert.Greater(t, secondID, firstID)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	items, err := store.SelectBatch(10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "bbb", items[0].Record.Checksum)
}

func TestQueuesIndependentKinds(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	queues, err := NewQueues(db.DB, zap.NewNop())
	require.NoError(t, err)

	_, err = queues.Logs.Append(models.LogEntry{Message: "hello"}, time.Now())
	require.NoError(t, err)
	_, err = queues.Downloads.Append(models.PendingDownload{Path: "/a", URL: "https://x"}, time.Now())
	require.NoError(t, err)

	logCount, err := queues.Logs.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, logCount)

	locCount, err := queues.Locations.Count()
	require.NoError(t, err)
	assert.Zero(t, locCount)
}
