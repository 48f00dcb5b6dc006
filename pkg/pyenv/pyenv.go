// Package pyenv locates the worker runtime (python, helper binaries,
// scripts) on the host.
//
// GUI-launched processes do not inherit the user's interactive shell
// environment, so PATH-based discovery consults the login shell's PATH
// in addition to the inherited one.
package pyenv

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultPythonCandidates are checked before any PATH scan.
var DefaultPythonCandidates = []string{
	"/opt/homebrew/bin/python3",
	"/usr/local/bin/python3",
	"/usr/bin/python3",
}

// langArgMarkers are the substrings whose presence in a script's
// source indicates it accepts the language flag.
var langArgMarkers = []string{"--lang", "add_lang_arg"}

// loginShells tried in order for PATH discovery.
var loginShells = [][]string{
	{"/bin/zsh", "-l", "-c", "echo $PATH"},
	{"/bin/bash", "-l", "-c", "echo $PATH"},
	{"/bin/sh", "-l", "-c", "echo $PATH"},
}

// LoginShellPath returns the PATH a login shell would see, or "" when
// no shell answers. Sourced from shell startup files, so it includes
// user-installed tool directories the GUI environment lacks.
func LoginShellPath() string {
	for _, argv := range loginShells {
		if _, err := os.Stat(argv[0]); err != nil {
			continue
		}
		out, err := exec.Command(argv[0], argv[1:]...).Output()
		if err != nil {
			continue
		}
		if p := strings.TrimSpace(string(out)); p != "" {
			return p
		}
	}
	return ""
}

// FindBinary locates an executable by trying explicit candidate paths
// first, then scanning the inherited PATH, then the login shell PATH.
func FindBinary(name string, candidates []string) (string, error) {
	for _, c := range candidates {
		if isExecutable(c) {
			return c, nil
		}
	}

	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}

	if shellPath := LoginShellPath(); shellPath != "" {
		if p := lookPathIn(name, shellPath); p != "" {
			return p, nil
		}
	}

	return "", fmt.Errorf("binary %q not found in candidates or PATH", name)
}

// FindPython locates the python3 interpreter.
func FindPython() (string, error) {
	return FindBinary("python3", DefaultPythonCandidates)
}

// ScriptPath resolves a worker script under scriptsDir and verifies it
// exists. A missing script is a configuration error; the job must not
// start.
func ScriptPath(scriptsDir, name string) (string, error) {
	if strings.TrimSpace(scriptsDir) == "" {
		return "", fmt.Errorf("scripts directory is not configured")
	}
	path := filepath.Join(scriptsDir, name)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("worker script not found: %s", path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("worker script is a directory: %s", path)
	}
	return path, nil
}

// ScriptSupportsLangArg probes a script's source text for the language
// flag markers. Re-probed on every call, never cached: scripts may be
// swapped between runs.
func ScriptSupportsLangArg(path string) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	src := string(b)
	for _, marker := range langArgMarkers {
		if strings.Contains(src, marker) {
			return true
		}
	}
	return false
}

// lookPathIn searches an explicit PATH string for an executable.
func lookPathIn(name, pathEnv string) string {
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, name)
		if isExecutable(p) {
			return p
		}
	}
	return ""
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
