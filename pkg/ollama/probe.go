// Package ollama reconciles the local Ollama daemon's models directory
// with user settings.
//
// The daemon reads OLLAMA_MODELS only at its own startup and offers no
// readiness signal, so reconciliation is an environment-override plus
// restart protocol with bounded presence polling.
package ollama

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/courtyard/studio/pkg/pyenv"
)

// EnvModelsDir is the environment variable the daemon consumes.
const EnvModelsDir = "OLLAMA_MODELS"

// serverPattern matches lingering server processes on the command line.
const serverPattern = "ollama serve"

// appName is the GUI application wrapping the daemon.
const appName = "Ollama"

// Probe abstracts the ambient OS and shell interrogation the
// reconciler depends on. The real implementation shells out; tests
// supply a fake with canned answers.
type Probe interface {
	// ServerPIDs lists running daemon server processes.
	ServerPIDs() ([]int, error)

	// ProcessEnv returns the environment of a live process, best
	// effort; missing access yields an empty map, not an error.
	ProcessEnv(pid int) (map[string]string, error)

	// AppRunning reports whether the daemon application is present.
	AppRunning() bool

	// ShellEnv reads a variable from the user's login shell
	// environment (sourced from startup files).
	ShellEnv(name string) (string, bool)

	// ConfigModelsDir reads the saved application configuration value.
	ConfigModelsDir() (string, bool)

	// SetLaunchEnv writes the override into the OS-session environment
	// store consumed by future daemon launches.
	SetLaunchEnv(name, value string) error

	// UnsetLaunchEnv removes the override.
	UnsetLaunchEnv(name string) error

	// QuitApp asks the daemon application to exit gracefully.
	QuitApp() error

	// KillServers force-terminates lingering server processes matched
	// by command-line pattern.
	KillServers() error

	// LaunchApp starts the daemon application again.
	LaunchApp() error
}

// OSProbe is the real Probe. ConfigDir supplies the saved app
// configuration value (owned by the caller's config layer).
type OSProbe struct {
	ConfigDir string
}

func (p *OSProbe) ServerPIDs() ([]int, error) {
	out, err := exec.Command("pgrep", "-f", serverPattern).Output()
	if err != nil {
		// pgrep exits 1 when nothing matches.
		return nil, nil
	}
	var pids []int
	for _, field := range strings.Fields(string(out)) {
		if pid, err := strconv.Atoi(field); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func (p *OSProbe) ProcessEnv(pid int) (map[string]string, error) {
	env := make(map[string]string)

	// Linux: /proc is authoritative.
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/environ", pid)); err == nil {
		for _, kv := range strings.Split(string(b), "\x00") {
			if i := strings.IndexByte(kv, '='); i > 0 {
				env[kv[:i]] = kv[i+1:]
			}
		}
		return env, nil
	}

	// Darwin: ps eww appends the environment to the command line.
	out, err := exec.Command("ps", "eww", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return env, nil
	}
	for _, token := range strings.Fields(string(out)) {
		if i := strings.IndexByte(token, '='); i > 0 {
			env[token[:i]] = token[i+1:]
		}
	}
	return env, nil
}

func (p *OSProbe) AppRunning() bool {
	if pids, _ := p.ServerPIDs(); len(pids) > 0 {
		return true
	}
	err := exec.Command("pgrep", "-x", appName).Run()
	return err == nil
}

func (p *OSProbe) ShellEnv(name string) (string, bool) {
	for _, shell := range []string{"/bin/zsh", "/bin/bash", "/bin/sh"} {
		if _, err := os.Stat(shell); err != nil {
			continue
		}
		out, err := exec.Command(shell, "-l", "-c", "echo ${"+name+"}").Output()
		if err != nil {
			continue
		}
		if v := strings.TrimSpace(string(out)); v != "" {
			return v, true
		}
	}
	return "", false
}

func (p *OSProbe) ConfigModelsDir() (string, bool) {
	dir := strings.TrimSpace(p.ConfigDir)
	return dir, dir != ""
}

func (p *OSProbe) SetLaunchEnv(name, value string) error {
	if err := exec.Command("launchctl", "setenv", name, value).Run(); err != nil {
		return fmt.Errorf("launchctl setenv %s: %w", name, err)
	}
	return nil
}

func (p *OSProbe) UnsetLaunchEnv(name string) error {
	if err := exec.Command("launchctl", "unsetenv", name).Run(); err != nil {
		return fmt.Errorf("launchctl unsetenv %s: %w", name, err)
	}
	return nil
}

func (p *OSProbe) QuitApp() error {
	// Graceful quit via AppleScript; harmless when the app is absent.
	return exec.Command("osascript", "-e", fmt.Sprintf("tell application %q to quit", appName)).Run()
}

func (p *OSProbe) KillServers() error {
	// pkill exits 1 when nothing matched; that is success here.
	if err := exec.Command("pkill", "-f", serverPattern).Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() == 1 {
			return nil
		}
		return fmt.Errorf("pkill %s: %w", serverPattern, err)
	}
	return nil
}

func (p *OSProbe) LaunchApp() error {
	if err := exec.Command("open", "-a", appName).Run(); err == nil {
		return nil
	}
	// Headless fallback: start the server directly, detached.
	bin, findErr := pyenv.FindBinary("ollama", []string{
		"/opt/homebrew/bin/ollama",
		"/usr/local/bin/ollama",
		"/usr/bin/ollama",
	})
	if findErr != nil {
		return fmt.Errorf("launch daemon: %w", findErr)
	}
	cmd := exec.Command(bin, "serve")
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s serve: %w", bin, err)
	}
	// Released, not waited on: the daemon outlives this process.
	return cmd.Process.Release()
}

// DefaultModelsDir is the daemon's documented default location.
func DefaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("~", ".ollama", "models")
	}
	return filepath.Join(home, ".ollama", "models")
}

var _ Probe = (*OSProbe)(nil)
