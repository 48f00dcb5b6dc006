package jobs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreWriteAndGet(t *testing.T) {
	store := NewStore(t.TempDir())

	now := time.Now().UTC()
	rec := &JobRecord{
		JobID:     "job-1",
		Kind:      KindTrain,
		ProjectID: "proj-1",
		State:     StateCreated,
		CreatedAt: now,
	}
	require.NoError(t, store.Write(rec))

	got, err := store.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, KindTrain, got.Kind)
	assert.Equal(t, StateCreated, got.State)
}

func TestStoreWriteValidation(t *testing.T) {
	store := NewStore(t.TempDir())

	assert.Error(t, store.Write(nil))
	assert.Error(t, store.Write(&JobRecord{JobID: "  "}))
}

func TestStoreGetMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Get("absent")
	assert.Error(t, err)
}

func TestStoreZombieDetection(t *testing.T) {
	store := NewStore(t.TempDir())

	now := time.Now().UTC()
	rec := &JobRecord{
		JobID:     "job-zombie",
		Kind:      KindDataset,
		State:     StateRunning,
		PID:       999999, // beyond default pid_max on most systems
		CreatedAt: now,
		StartedAt: &now,
	}
	require.NoError(t, store.Write(rec))

	got, err := store.Get("job-zombie")
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, got.State)

	// The downgrade is persisted.
	again, err := store.Get("job-zombie")
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, again.State)
}

func TestStoreListNewestFirst(t *testing.T) {
	store := NewStore(t.TempDir())

	old := time.Now().UTC().Add(-time.Hour)
	recent := time.Now().UTC()

	require.NoError(t, store.Write(&JobRecord{JobID: "job-old", State: StateCreated, CreatedAt: old}))
	require.NoError(t, store.Write(&JobRecord{JobID: "job-new", State: StateCreated, CreatedAt: recent}))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "job-new", list[0].JobID)
	assert.Equal(t, "job-old", list[1].JobID)
}

func TestStoreListSkipsCorruptRecords(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)

	require.NoError(t, store.Write(&JobRecord{JobID: "job-good", State: StateCreated, CreatedAt: time.Now().UTC()}))

	badDir := filepath.Join(root, "job-bad")
	require.NoError(t, os.MkdirAll(badDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "job.json"), []byte("{not json"), 0644))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "job-good", list[0].JobID)
}
