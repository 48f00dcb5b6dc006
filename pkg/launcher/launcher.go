// Package launcher spawns external worker processes with captured
// output streams and process-group semantics for cancellation.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
)

// Spec describes one worker invocation.
type Spec struct {
	// Program is the path or name of the worker executable.
	Program string

	// Args are the worker arguments.
	Args []string

	// Dir is the working directory. Empty means inherit.
	Dir string

	// Env entries are merged over the parent environment.
	Env map[string]string

	// Wrapper, when set, is prepended to the command line (e.g.
	// ["caffeinate", "-i"] to suppress host idle sleep). The wrapper
	// becomes the registered process.
	Wrapper []string
}

// Handle is a running worker process.
type Handle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// Start spawns the worker in its own process group with stdout and
// stderr piped. The returned handle owns the pipes; callers must drain
// both before calling Wait.
func Start(ctx context.Context, spec Spec) (*Handle, error) {
	program := strings.TrimSpace(spec.Program)
	if program == "" {
		return nil, fmt.Errorf("program is required")
	}

	argv := make([]string, 0, len(spec.Wrapper)+1+len(spec.Args))
	argv = append(argv, spec.Wrapper...)
	argv = append(argv, program)
	argv = append(argv, spec.Args...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	// New process group so cancellation can signal the whole worker
	// tree via the negative pid.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// CommandContext's default kill only reaches the direct child.
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", program, err)
	}

	return &Handle{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// PID returns the spawned process id (the wrapper's, when wrapped).
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *Handle) Stdout() io.ReadCloser { return h.stdout }
func (h *Handle) Stderr() io.ReadCloser { return h.stderr }

// Wait blocks until the process exits and returns the wait result.
func (h *Handle) Wait() error {
	return h.cmd.Wait()
}

// Signal delivers sig to the process group and the process itself.
// Group-leader establishment is session dependent, so both are
// signaled; the direct send makes up for a failed group send.
func (h *Handle) Signal(sig syscall.Signal) error {
	pid := h.PID()
	if pid <= 0 {
		return fmt.Errorf("process not started")
	}
	return signalGroup(pid, sig)
}

// Kill force-terminates the process group.
func (h *Handle) Kill() error {
	return h.Signal(syscall.SIGKILL)
}

// SignalPID delivers sig to a pid and its process group, for callers
// holding only a registered pid rather than a Handle.
func SignalPID(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return signalGroup(pid, sig)
}

func signalGroup(pid int, sig syscall.Signal) error {
	groupErr := syscall.Kill(-pid, sig)
	directErr := syscall.Kill(pid, sig)
	if groupErr != nil && directErr != nil {
		return fmt.Errorf("signal pid %d: %w", pid, directErr)
	}
	return nil
}

// mergeEnv overlays overrides onto base KEY=VALUE entries, replacing
// duplicates. Output is sorted for deterministic specs.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	merged := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// IsAlive reports whether a pid refers to a live process, using signal
// 0 which checks existence without delivering anything.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
