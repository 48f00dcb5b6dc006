package ollama

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProbe supplies canned answers; ambient OS probing cannot run in
// unit tests.
type fakeProbe struct {
	mu sync.Mutex

	serverPIDs []int
	processEnv map[int]map[string]string
	appRunning bool
	shellEnv   map[string]string
	configDir  string

	launchEnv map[string]string

	quitCalls   int
	killCalls   int
	launchCalls int

	setEnvErr error
	launchErr error
	killErr   error

	// stopAfterKill makes processes disappear once killed, and
	// launchRestores brings them back after LaunchApp.
	stopAfterKill  bool
	launchRestores bool
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{
		processEnv: make(map[int]map[string]string),
		shellEnv:   make(map[string]string),
		launchEnv:  make(map[string]string),
	}
}

func (f *fakeProbe) ServerPIDs() ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.serverPIDs...), nil
}

func (f *fakeProbe) ProcessEnv(pid int) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if env, ok := f.processEnv[pid]; ok {
		return env, nil
	}
	return map[string]string{}, nil
}

func (f *fakeProbe) AppRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appRunning || len(f.serverPIDs) > 0
}

func (f *fakeProbe) ShellEnv(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.shellEnv[name]
	return v, ok
}

func (f *fakeProbe) ConfigModelsDir() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configDir, f.configDir != ""
}

func (f *fakeProbe) SetLaunchEnv(name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setEnvErr != nil {
		return f.setEnvErr
	}
	f.launchEnv[name] = value
	return nil
}

func (f *fakeProbe) UnsetLaunchEnv(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.launchEnv, name)
	return nil
}

func (f *fakeProbe) QuitApp() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quitCalls++
	return nil
}

func (f *fakeProbe) KillServers() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCalls++
	if f.killErr != nil {
		return f.killErr
	}
	if f.stopAfterKill {
		f.serverPIDs = nil
		f.appRunning = false
	}
	return nil
}

func (f *fakeProbe) LaunchApp() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchCalls++
	if f.launchErr != nil {
		return f.launchErr
	}
	if f.launchRestores {
		f.appRunning = true
		f.serverPIDs = []int{4242}
	}
	return nil
}

func newTestReconciler(probe Probe) *Reconciler {
	return NewReconciler(ReconcilerConfig{
		Probe:        probe,
		DefaultDir:   "/home/user/.ollama/models",
		StopWait:     500 * time.Millisecond,
		StartWait:    500 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
}

func TestResolvePriority(t *testing.T) {
	t.Run("live daemon env wins over everything", func(t *testing.T) {
		probe := newFakeProbe()
		probe.serverPIDs = []int{100}
		probe.processEnv[100] = map[string]string{EnvModelsDir: "/ssd/models"}
		probe.shellEnv[EnvModelsDir] = "/shell/models"
		probe.configDir = "/config/models"

		res := newTestReconciler(probe).Resolve(context.Background())
		assert.Equal(t, "/ssd/models", res.ModelsDir)
		assert.Equal(t, SourceDaemonEnv, res.Source)
		assert.True(t, res.Running)
	})

	t.Run("running daemon without override means documented default", func(t *testing.T) {
		probe := newFakeProbe()
		probe.serverPIDs = []int{100}
		probe.shellEnv[EnvModelsDir] = "/shell/models"
		probe.configDir = "/config/models"

		res := newTestReconciler(probe).Resolve(context.Background())
		assert.Equal(t, "/home/user/.ollama/models", res.ModelsDir)
		assert.Equal(t, SourceDaemonDefault, res.Source)
		assert.True(t, res.Running)
	})

	t.Run("shell env beats config when not running", func(t *testing.T) {
		probe := newFakeProbe()
		probe.shellEnv[EnvModelsDir] = "/shell/models"
		probe.configDir = "/config/models"

		res := newTestReconciler(probe).Resolve(context.Background())
		assert.Equal(t, "/shell/models", res.ModelsDir)
		assert.Equal(t, SourceShellEnv, res.Source)
		assert.False(t, res.Running)
	})

	t.Run("config beats default", func(t *testing.T) {
		probe := newFakeProbe()
		probe.configDir = "/config/models"

		res := newTestReconciler(probe).Resolve(context.Background())
		assert.Equal(t, "/config/models", res.ModelsDir)
		assert.Equal(t, SourceConfig, res.Source)
	})

	t.Run("hard default when nothing answers", func(t *testing.T) {
		probe := newFakeProbe()

		res := newTestReconciler(probe).Resolve(context.Background())
		assert.Equal(t, "/home/user/.ollama/models", res.ModelsDir)
		assert.Equal(t, SourceDefault, res.Source)
	})

	t.Run("second pid may carry the override", func(t *testing.T) {
		probe := newFakeProbe()
		probe.serverPIDs = []int{100, 101}
		probe.processEnv[101] = map[string]string{EnvModelsDir: "/late/models"}

		res := newTestReconciler(probe).Resolve(context.Background())
		assert.Equal(t, "/late/models", res.ModelsDir)
		assert.Equal(t, SourceDaemonEnv, res.Source)
	})
}

func TestApplyAndRestart(t *testing.T) {
	probe := newFakeProbe()
	probe.serverPIDs = []int{100}
	probe.appRunning = true
	probe.stopAfterKill = true
	probe.launchRestores = true

	r := newTestReconciler(probe)
	err := r.ApplyAndRestart(context.Background(), "/ssd/models")
	require.NoError(t, err)

	assert.Equal(t, "/ssd/models", probe.launchEnv[EnvModelsDir])
	assert.Equal(t, 1, probe.quitCalls)
	assert.Equal(t, 1, probe.killCalls)
	assert.Equal(t, 1, probe.launchCalls)

	// The restarted daemon now reports the new value.
	probe.processEnv[4242] = map[string]string{EnvModelsDir: "/ssd/models"}
	res := r.Resolve(context.Background())
	assert.Equal(t, SourceDaemonEnv, res.Source)
	assert.Equal(t, "/ssd/models", res.ModelsDir)
}

func TestApplyAndRestartUnsetsOnEmpty(t *testing.T) {
	probe := newFakeProbe()
	probe.launchEnv[EnvModelsDir] = "/old/models"
	probe.stopAfterKill = true
	probe.launchRestores = true

	err := newTestReconciler(probe).ApplyAndRestart(context.Background(), "")
	require.NoError(t, err)

	_, present := probe.launchEnv[EnvModelsDir]
	assert.False(t, present)
}

func TestApplyAndRestartDaemonNeverStops(t *testing.T) {
	probe := newFakeProbe()
	probe.serverPIDs = []int{100}
	// stopAfterKill unset: the process ignores everything.

	err := newTestReconciler(probe).ApplyAndRestart(context.Background(), "/ssd/models")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not stop")
}

func TestApplyAndRestartDaemonNeverReturns(t *testing.T) {
	probe := newFakeProbe()
	probe.serverPIDs = []int{100}
	probe.stopAfterKill = true
	// launchRestores unset: relaunch is accepted but nothing appears.

	err := newTestReconciler(probe).ApplyAndRestart(context.Background(), "/ssd/models")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not come back")
}

func TestApplyAndRestartSetEnvFailure(t *testing.T) {
	probe := newFakeProbe()
	probe.setEnvErr = errors.New("launchctl unavailable")

	err := newTestReconciler(probe).ApplyAndRestart(context.Background(), "/ssd/models")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write launch environment")
	assert.Zero(t, probe.killCalls)
}

func TestApplyAndRestartLaunchFailure(t *testing.T) {
	probe := newFakeProbe()
	probe.serverPIDs = []int{100}
	probe.stopAfterKill = true
	probe.launchErr = errors.New("open failed")

	err := newTestReconciler(probe).ApplyAndRestart(context.Background(), "/ssd/models")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relaunch daemon")
}

func TestApplyAndRestartRespectsContext(t *testing.T) {
	probe := newFakeProbe()
	probe.serverPIDs = []int{100}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewReconciler(ReconcilerConfig{
		Probe:        probe,
		DefaultDir:   "/d",
		StopWait:     10 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	err := r.ApplyAndRestart(ctx, "/ssd/models")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
