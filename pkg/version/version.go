// Package version manages timestamp-named output version directories.
//
// A job writes into a tentative directory created before success is
// known. On success the directory is renamed to a completion
// timestamp; on failure or cancellation it is discarded. Listings only
// surface directories that contain the expected primary artifact, so
// abandoned tentative directories stay invisible.
package version

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// TimestampLayout names version directories: YYYYMMDD_HHMMSS.
const TimestampLayout = "20060102_150405"

// LegacyName is the synthetic entry for artifacts living directly at
// the kind root, from before versioned directories existed.
const LegacyName = "legacy"

const metaFileName = "meta.json"

// Meta is the provenance sidecar written before the job starts.
// All fields are optional on read; a corrupt or absent sidecar yields
// the zero value, never an error.
type Meta struct {
	RawFiles []string `json:"raw_files,omitempty"`
	Mode     string   `json:"mode,omitempty"`
	Source   string   `json:"source,omitempty"`
	Model    string   `json:"model,omitempty"`
}

// Version is one listed output version.
type Version struct {
	// Name is the directory name (or "legacy").
	Name string `json:"name"`

	// Path is the absolute directory path.
	Path string `json:"path"`

	// Timestamp parsed from the name, or the directory mtime for
	// entries whose name does not parse.
	Timestamp time.Time `json:"timestamp"`

	Legacy bool `json:"legacy,omitempty"`

	Meta Meta `json:"meta"`
}

// Manager creates and finalizes version directories. The clock is
// injectable for tests; zero value uses time.Now.
type Manager struct {
	now func() time.Time
}

func NewManager() *Manager {
	return &Manager{now: time.Now}
}

// WithClock overrides the clock.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) clock() time.Time {
	if m.now == nil {
		return time.Now()
	}
	return m.now()
}

// Begin creates a tentative version directory under kindDir named by
// the current timestamp and writes the provenance sidecar before
// returning. Callers serialize same-kind jobs per project, so a name
// collision means a conflicting job and is an error.
func (m *Manager) Begin(kindDir string, meta Meta) (string, error) {
	if strings.TrimSpace(kindDir) == "" {
		return "", fmt.Errorf("kind directory is required")
	}
	if err := os.MkdirAll(kindDir, 0755); err != nil {
		return "", fmt.Errorf("create output root: %w", err)
	}

	dir := filepath.Join(kindDir, m.clock().Format(TimestampLayout))
	if err := os.Mkdir(dir, 0755); err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("version directory already exists: %s", dir)
		}
		return "", fmt.Errorf("create version directory: %w", err)
	}

	if err := writeMeta(dir, meta); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// Finalize renames a tentative directory to a completion timestamp and
// returns the final path. A rename failure keeps the original name as
// final; a succeeded job is never retroactively failed over a rename.
func (m *Manager) Finalize(dir string) string {
	final := filepath.Join(filepath.Dir(dir), m.clock().Format(TimestampLayout))
	if final == dir {
		return dir
	}
	if err := os.Rename(dir, final); err != nil {
		return dir
	}
	return final
}

// Discard deletes a tentative directory. Best effort: failures are
// swallowed, housekeeping never escalates.
func (m *Manager) Discard(dir string) {
	if strings.TrimSpace(dir) == "" {
		return
	}
	_ = os.RemoveAll(dir)
}

// List enumerates version directories under kindDir containing at
// least one entry matching artifactPattern (doublestar syntax),
// newest first. A matching artifact at the kind root itself surfaces
// as a single synthetic legacy entry, listed last.
func List(kindDir, artifactPattern string) ([]Version, error) {
	entries, err := os.ReadDir(kindDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read versions root: %w", err)
	}

	var out []Version
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(kindDir, entry.Name())
		ok, err := containsArtifact(dir, artifactPattern)
		if err != nil || !ok {
			continue
		}

		v := Version{
			Name: entry.Name(),
			Path: dir,
			Meta: ReadMeta(dir),
		}
		if ts, err := time.ParseInLocation(TimestampLayout, entry.Name(), time.Local); err == nil {
			v.Timestamp = ts
		} else if info, err := entry.Info(); err == nil {
			v.Timestamp = info.ModTime()
		}
		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	if ok, err := containsArtifact(kindDir, artifactPattern); err == nil && ok {
		legacy := Version{
			Name:   LegacyName,
			Path:   kindDir,
			Legacy: true,
			Meta:   ReadMeta(kindDir),
		}
		if info, err := os.Stat(kindDir); err == nil {
			legacy.Timestamp = info.ModTime()
		}
		out = append(out, legacy)
	}

	return out, nil
}

// ReadMeta loads the sidecar with fully defaulted fields.
func ReadMeta(dir string) Meta {
	var meta Meta
	b, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return meta
	}
	_ = json.Unmarshal(b, &meta)
	return meta
}

// CountSamples counts non-blank lines in a dataset file.
func CountSamples(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return count, nil
}

func containsArtifact(dir, pattern string) (bool, error) {
	if strings.TrimSpace(pattern) == "" {
		return false, fmt.Errorf("artifact pattern is required")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ok, err := doublestar.Match(pattern, entry.Name())
		if err != nil {
			return false, fmt.Errorf("invalid artifact pattern %q: %w", pattern, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// writeMeta writes the sidecar atomically (temp file + rename).
func writeMeta(dir string, meta Meta) error {
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, metaFileName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp meta: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write meta: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close meta: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, metaFileName)); err != nil {
		return fmt.Errorf("rename meta: %w", err)
	}
	return nil
}
