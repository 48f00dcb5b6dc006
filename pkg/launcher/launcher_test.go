package launcher

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCapturesStdoutAndStderr(t *testing.T) {
	h, err := Start(context.Background(), Spec{
		Program: "sh",
		Args:    []string{"-c", "echo out; echo err 1>&2"},
	})
	require.NoError(t, err)
	assert.Greater(t, h.PID(), 0)

	out, err := io.ReadAll(h.Stdout())
	require.NoError(t, err)
	errOut, err := io.ReadAll(h.Stderr())
	require.NoError(t, err)

	require.NoError(t, h.Wait())
	assert.Equal(t, "out\n", string(out))
	assert.Equal(t, "err\n", string(errOut))
}

func TestStartMissingProgram(t *testing.T) {
	_, err := Start(context.Background(), Spec{Program: "/nonexistent/worker-binary"})
	require.Error(t, err)

	_, err = Start(context.Background(), Spec{Program: "   "})
	assert.ErrorContains(t, err, "program is required")
}

func TestStartEnvOverrides(t *testing.T) {
	t.Setenv("LAUNCHER_TEST_BASE", "base")

	h, err := Start(context.Background(), Spec{
		Program: "sh",
		Args:    []string{"-c", "echo $LAUNCHER_TEST_BASE $LAUNCHER_TEST_EXTRA"},
		Env: map[string]string{
			"LAUNCHER_TEST_BASE":  "override",
			"LAUNCHER_TEST_EXTRA": "extra",
		},
	})
	require.NoError(t, err)

	out, err := io.ReadAll(h.Stdout())
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, h.Stderr())
	require.NoError(t, h.Wait())

	assert.Equal(t, "override extra", strings.TrimSpace(string(out)))
}

func TestStartWrapperIsRegisteredProcess(t *testing.T) {
	// env -i acts as a transparent wrapper; the handle pid must be the
	// wrapper's, which is the process that actually gets signaled.
	h, err := Start(context.Background(), Spec{
		Program: "sh",
		Args:    []string{"-c", "echo wrapped"},
		Wrapper: []string{"env"},
	})
	require.NoError(t, err)
	assert.Greater(t, h.PID(), 0)

	out, err := io.ReadAll(h.Stdout())
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, h.Stderr())
	require.NoError(t, h.Wait())
	assert.Equal(t, "wrapped\n", string(out))
}

func TestSignalTerminatesProcess(t *testing.T) {
	h, err := Start(context.Background(), Spec{
		Program: "sh",
		Args:    []string{"-c", "sleep 30"},
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = h.Signal(syscall.SIGTERM)
	}()

	_, _ = io.Copy(io.Discard, h.Stdout())
	_, _ = io.Copy(io.Discard, h.Stderr())

	err = h.Wait()
	require.Error(t, err)

	ws, ok := exitWaitStatus(err)
	require.True(t, ok)
	assert.True(t, ws.Signaled())
	assert.Equal(t, syscall.SIGTERM, ws.Signal())
}

func TestKillTerminatesProcessGroup(t *testing.T) {
	// The child spawns a grandchild; killing the group must reach both,
	// otherwise the stdout pipe stays open and the copy below hangs.
	h, err := Start(context.Background(), Spec{
		Program: "sh",
		Args:    []string{"-c", "sleep 30 & wait"},
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = h.Kill()
	}()

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, h.Stdout())
		_, _ = io.Copy(io.Discard, h.Stderr())
		_ = h.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("process group was not terminated")
	}
}

func TestIsAlive(t *testing.T) {
	h, err := Start(context.Background(), Spec{
		Program: "sh",
		Args:    []string{"-c", "sleep 5"},
	})
	require.NoError(t, err)

	assert.True(t, IsAlive(h.PID()))
	assert.False(t, IsAlive(0))
	assert.False(t, IsAlive(-1))

	require.NoError(t, h.Kill())
	_, _ = io.Copy(io.Discard, h.Stdout())
	_, _ = io.Copy(io.Discard, h.Stderr())
	_ = h.Wait()

	assert.False(t, IsAlive(h.PID()))
}

func exitWaitStatus(err error) (syscall.WaitStatus, bool) {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return 0, false
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	return ws, ok
}
