package jobstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtyard/studio/pkg/jobs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenCreatesFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	store, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	assert.FileExists(t, path)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.ErrorContains(t, err, "path is required")
}

func TestRecordStartAndOutcome(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	job := jobs.Job{ID: "job-1", Kind: jobs.KindTrain, ProjectID: "proj-1"}
	started := time.Now().UTC()
	require.NoError(t, store.RecordStart(ctx, job, started))

	row, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, string(jobs.StateRunning), row.State)
	assert.Nil(t, row.EndedAt)

	outcome := jobs.Outcome{Status: jobs.StatusSucceeded, ExitCode: 0}
	require.NoError(t, store.RecordOutcome(ctx, job, outcome, started.Add(time.Minute)))

	row, err = store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, string(jobs.StatusSucceeded), row.State)
	require.NotNil(t, row.EndedAt)
	assert.WithinDuration(t, started.Add(time.Minute), *row.EndedAt, time.Second)
}

func TestRecordOutcomeWithoutStart(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Spawn failures never reach RecordStart.
	job := jobs.Job{ID: "job-spawn", Kind: jobs.KindExport}
	outcome := jobs.Outcome{Status: jobs.StatusFailed, Message: "failed to start worker", ExitCode: -1}
	require.NoError(t, store.RecordOutcome(ctx, job, outcome, time.Now().UTC()))

	row, err := store.Get(ctx, "job-spawn")
	require.NoError(t, err)
	assert.Equal(t, string(jobs.StatusFailed), row.State)
	assert.Equal(t, "failed to start worker", row.Message)
	assert.Equal(t, -1, row.ExitCode)
}

func TestGetMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "absent")
	assert.ErrorContains(t, err, "not found")
}

func TestRecentNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"job-a", "job-b", "job-c"} {
		job := jobs.Job{ID: id, Kind: jobs.KindDataset}
		require.NoError(t, store.RecordStart(ctx, job, base.Add(time.Duration(i)*time.Minute)))
	}

	rows, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "job-c", rows[0].JobID)
	assert.Equal(t, "job-b", rows[1].JobID)
}

func TestRecordStartReplacesStaleRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	job := jobs.Job{ID: "job-1", Kind: jobs.KindInfer}
	require.NoError(t, store.RecordStart(ctx, job, time.Now().UTC()))
	require.NoError(t, store.RecordOutcome(ctx, job, jobs.Outcome{Status: jobs.StatusFailed, Message: "old"}, time.Now().UTC()))

	require.NoError(t, store.RecordStart(ctx, job, time.Now().UTC()))

	row, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, string(jobs.StateRunning), row.State)
	assert.Empty(t, row.Message)
	assert.Nil(t, row.EndedAt)
}
