package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndGetInstance(t *testing.T) {
	db := openTestDB(t)

	created := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, db.SaveInstance(&Instance{
		ID:             "inst-1",
		ControllerType: "Adb",
		Fingerprint:    `adb|"adb"|"127.0.0.1:5555"`,
		TaskIDs:        []int64{3, 4},
		CreatedAt:      created,
	}))

	got, err := db.GetInstance("inst-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Adb", got.ControllerType)
	assert.Equal(t, `adb|"adb"|"127.0.0.1:5555"`, got.Fingerprint)
	assert.Equal(t, []int64{3, 4}, got.TaskIDs)
	assert.True(t, got.CreatedAt.Equal(created), "created_at = %v", got.CreatedAt)
}

func TestGetInstanceNotFound(t *testing.T) {
	db := openTestDB(t)
	got, err := db.GetInstance("nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveInstanceUpserts(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveInstance(&Instance{ID: "a"}))
	require.NoError(t, db.SaveInstance(&Instance{ID: "a", ControllerType: "Win32"}))

	list, err := db.ListInstances()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Win32", list[0].ControllerType)
	assert.Equal(t, []int64{}, list[0].TaskIDs)
}

func TestUpdateTaskIDs(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveInstance(&Instance{ID: "a"}))

	require.NoError(t, db.UpdateTaskIDs("a", []int64{7}))
	got, err := db.GetInstance("a")
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, got.TaskIDs)
	assert.False(t, got.UpdatedAt.IsZero())

	assert.Error(t, db.UpdateTaskIDs("missing", nil))
}

func TestDeleteInstance(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveInstance(&Instance{ID: "a"}))
	require.NoError(t, db.SaveInstance(&Instance{ID: "b"}))
	require.NoError(t, db.DeleteInstance("a"))

	list, err := db.ListInstances()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ID)
}

func TestDownloadHistory(t *testing.T) {
	db := openTestDB(t)
	start := time.Now().Add(-time.Minute)

	for i, status := range []string{"completed", "failed", "cancelled"} {
		require.NoError(t, db.RecordDownload(&Download{
			SessionID:  uint64(i + 1),
			URL:        "https://example.com/pkg.zip",
			Path:       "/tmp/pkg.zip",
			Bytes:      int64(100 * i),
			Status:     status,
			StartedAt:  start,
			FinishedAt: start.Add(time.Second),
		}))
	}

	all, err := db.ListDownloads(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "cancelled", all[0].Status, "newest first")
	assert.Equal(t, uint64(3), all[0].SessionID)
	assert.True(t, all[0].StartedAt.Equal(start))

	recent, err := db.ListDownloads(2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	n, err := db.PruneDownloads(1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	all, err = db.ListDownloads(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "cancelled", all[0].Status)
}
