package version

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestBeginCreatesDirWithSidecar(t *testing.T) {
	kindDir := filepath.Join(t.TempDir(), "dataset")
	mgr := NewManager().WithClock(fixedClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.Local)))

	dir, err := mgr.Begin(kindDir, Meta{
		RawFiles: []string{"a.txt", "b.txt"},
		Mode:     "qa",
		Source:   "local",
		Model:    "mlx-community/test",
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(kindDir, "20260101_120000"), dir)

	meta := ReadMeta(dir)
	assert.Equal(t, []string{"a.txt", "b.txt"}, meta.RawFiles)
	assert.Equal(t, "qa", meta.Mode)
	assert.Equal(t, "mlx-community/test", meta.Model)
}

func TestBeginCollision(t *testing.T) {
	kindDir := filepath.Join(t.TempDir(), "dataset")
	mgr := NewManager().WithClock(fixedClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.Local)))

	_, err := mgr.Begin(kindDir, Meta{})
	require.NoError(t, err)

	_, err = mgr.Begin(kindDir, Meta{})
	assert.ErrorContains(t, err, "already exists")
}

func TestFinalizeRenamesToCompletionTimestamp(t *testing.T) {
	kindDir := filepath.Join(t.TempDir(), "dataset")
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.Local)
	mgr := NewManager().WithClock(fixedClock(start))

	dir, err := mgr.Begin(kindDir, Meta{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "train.jsonl"), []byte("{}\n"), 0644))

	mgr.WithClock(fixedClock(start.Add(5*time.Minute + time.Second)))
	final := mgr.Finalize(dir)

	assert.Equal(t, filepath.Join(kindDir, "20260101_120501"), final)
	assert.NoDirExists(t, dir)
	assert.FileExists(t, filepath.Join(final, "train.jsonl"))
	// Sidecar travels with the rename.
	assert.FileExists(t, filepath.Join(final, "meta.json"))
}

func TestFinalizeRenameFailureKeepsOriginal(t *testing.T) {
	kindDir := filepath.Join(t.TempDir(), "dataset")
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.Local)
	mgr := NewManager().WithClock(fixedClock(start))

	dir, err := mgr.Begin(kindDir, Meta{})
	require.NoError(t, err)

	// Occupy the completion name with a non-empty directory so rename fails.
	later := start.Add(time.Minute)
	blocker := filepath.Join(kindDir, later.Format(TimestampLayout))
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "sub"), 0755))

	mgr.WithClock(fixedClock(later))
	final := mgr.Finalize(dir)

	assert.Equal(t, dir, final)
	assert.DirExists(t, dir)
}

func TestDiscardIsBestEffort(t *testing.T) {
	kindDir := filepath.Join(t.TempDir(), "dataset")
	mgr := NewManager()

	dir, err := mgr.Begin(kindDir, Meta{})
	require.NoError(t, err)

	mgr.Discard(dir)
	assert.NoDirExists(t, dir)

	// Discarding an absent or empty path must not panic.
	mgr.Discard(dir)
	mgr.Discard("")
}

func TestListRequiresPrimaryArtifact(t *testing.T) {
	kindDir := filepath.Join(t.TempDir(), "dataset")

	// One complete version, one abandoned tentative dir without artifact.
	complete := filepath.Join(kindDir, "20260101_120501")
	require.NoError(t, os.MkdirAll(complete, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(complete, "train.jsonl"), []byte("{}\n{}\n"), 0644))

	abandoned := filepath.Join(kindDir, "20260101_130000")
	require.NoError(t, os.MkdirAll(abandoned, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(abandoned, "meta.json"), []byte("{}"), 0644))

	versions, err := List(kindDir, "train.jsonl")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "20260101_120501", versions[0].Name)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 5, 1, 0, time.Local), versions[0].Timestamp)
}

func TestListNewestFirstWithMeta(t *testing.T) {
	kindDir := filepath.Join(t.TempDir(), "dataset")

	older := filepath.Join(kindDir, "20260101_090000")
	newer := filepath.Join(kindDir, "20260102_090000")
	for _, dir := range []string{older, newer} {
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "train.jsonl"), []byte("{}\n"), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(newer, "meta.json"),
		[]byte(`{"mode":"qa","raw_files":["a.txt"]}`), 0644))
	// Corrupt sidecar on the older version must not fail the listing.
	require.NoError(t, os.WriteFile(filepath.Join(older, "meta.json"), []byte("{broken"), 0644))

	versions, err := List(kindDir, "train.jsonl")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "20260102_090000", versions[0].Name)
	assert.Equal(t, "qa", versions[0].Meta.Mode)
	assert.Equal(t, Meta{}, versions[1].Meta)
}

func TestListLegacyFlatLayout(t *testing.T) {
	kindDir := filepath.Join(t.TempDir(), "dataset")
	require.NoError(t, os.MkdirAll(kindDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(kindDir, "train.jsonl"), []byte("{}\n"), 0644))

	versions, err := List(kindDir, "train.jsonl")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, LegacyName, versions[0].Name)
	assert.True(t, versions[0].Legacy)
	assert.Equal(t, kindDir, versions[0].Path)
}

func TestListMissingRoot(t *testing.T) {
	versions, err := List(filepath.Join(t.TempDir(), "absent"), "train.jsonl")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestListArtifactPatterns(t *testing.T) {
	kindDir := filepath.Join(t.TempDir(), "adapters")
	dir := filepath.Join(kindDir, "20260101_120000")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0000100_adapters.safetensors"), nil, 0644))

	versions, err := List(kindDir, "*adapters.safetensors")
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	versions, err = List(kindDir, "train.jsonl")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestCountSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.jsonl")
	content := "{\"a\":1}\n\n{\"b\":2}\n   \n{\"c\":3}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	n, err := CountSamples(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = CountSamples(filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.Error(t, err)
}
