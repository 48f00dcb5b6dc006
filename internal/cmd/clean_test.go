package cmd

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtyard/studio/internal/config"
	"github.com/courtyard/studio/pkg/events"
	"github.com/courtyard/studio/pkg/jobs"
	"github.com/courtyard/studio/pkg/version"
)

type noticeSink struct {
	mu   sync.Mutex
	envs []*events.Envelope
}

func (s *noticeSink) Emit(_ context.Context, env *events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func (s *noticeSink) byType(typ string) []*events.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*events.Envelope
	for _, e := range s.envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// newBuilderRunner stages a project tree, worker scripts, and an
// interpreter stand-in on PATH so job builders resolve everything from
// temp dirs. The staged workers print one progress event and exit 0
// without a complete event, whether the stand-in or a real python runs
// them.
func newBuilderRunner(t *testing.T) *jobRunner {
	t.Helper()
	root := t.TempDir()

	projects := filepath.Join(root, "projects")
	rawDir := filepath.Join(projects, "proj-1", "raw")
	require.NoError(t, os.MkdirAll(rawDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rawDir, "doc.txt"), []byte("raw text\n"), 0o644))

	const progressLine = `{"type":"progress","pct":50}`

	scripts := filepath.Join(root, "scripts")
	require.NoError(t, os.MkdirAll(scripts, 0o755))
	for _, name := range []string{cleanScript, datasetScript} {
		src := "print('" + progressLine + "')\n"
		require.NoError(t, os.WriteFile(filepath.Join(scripts, name), []byte(src), 0o644))
	}

	bin := filepath.Join(root, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	stub := "#!/bin/sh\necho '" + progressLine + "'\nexit 0\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "python3"), []byte(stub), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	cfg := &config.Config{
		Paths: config.PathsConfig{
			DataDir:     filepath.Join(root, "data"),
			ScriptsDir:  scripts,
			ProjectsDir: projects,
		},
		Jobs: config.JobsConfig{DefaultTimeout: 30 * time.Minute},
	}

	return &jobRunner{cfg: cfg, versions: version.NewManager()}
}

func TestRequiresTerminalEvent(t *testing.T) {
	tests := []struct {
		kind jobs.Kind
		want bool
	}{
		{jobs.KindClean, true},
		{jobs.KindDataset, true},
		{jobs.KindExport, true},
		{jobs.KindTrain, false},
		{jobs.KindInfer, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, requiresTerminalEvent(tt.kind))
		})
	}
}

func TestBuildCleanJobSetsTerminalRequirement(t *testing.T) {
	r := newBuilderRunner(t)

	job, err := buildCleanJob(r, "proj-1", 0)
	require.NoError(t, err)

	assert.Equal(t, jobs.KindClean, job.Kind)
	assert.True(t, job.RequireTerminal)
	assert.Equal(t, 30*time.Minute, job.Timeout)
}

func TestBuildCleanJobFailsWithoutRawFiles(t *testing.T) {
	r := newBuilderRunner(t)

	_, err := buildCleanJob(r, "proj-missing", 0)
	assert.Error(t, err)
}

func TestCleanJobSilentZeroExitFails(t *testing.T) {
	r := newBuilderRunner(t)

	job, err := buildCleanJob(r, "proj-1", 0)
	require.NoError(t, err)

	// The staged worker emits progress and exits 0 without a complete
	// event. The cleaning worker speaks the structured protocol, so
	// that must classify as Failed, never Succeeded.
	sink := &noticeSink{}
	sup := jobs.NewSupervisor(jobs.SupervisorConfig{Sink: sink})
	outcome := sup.Run(context.Background(), job)

	assert.Equal(t, jobs.StatusFailed, outcome.Status)
	assert.Contains(t, outcome.Message, "Process exited unexpectedly")
	assert.Len(t, sink.byType(events.TypeFailed), 1)
}
