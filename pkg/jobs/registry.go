package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"

	"github.com/courtyard/studio/pkg/launcher"
)

// ErrNotFound is returned when acting on a job id with no live
// registry entry (unknown, or already terminal).
var ErrNotFound = errors.New("job not found")

// Registry maps live job ids to OS process ids so jobs can be
// cancelled out of band. Entries exist only while the job runs and are
// removed exactly once, by the owning supervisor.
//
// The registry is injected where needed rather than being a package
// global; one exclusive lock guards the whole map.
type Registry struct {
	mu   sync.Mutex
	pids map[string]int
}

func NewRegistry() *Registry {
	return &Registry{pids: make(map[string]int)}
}

// Entry is one live job.
type Entry struct {
	JobID string
	PID   int
}

// Register records a running job's pid. Duplicate ids are rejected.
func (r *Registry) Register(jobID string, pid int) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d for job %s", pid, jobID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pids[jobID]; exists {
		return fmt.Errorf("job %s is already registered", jobID)
	}
	r.pids[jobID] = pid
	return nil
}

// Unregister removes a job's entry. Removing an absent entry is a
// no-op so terminal paths can call it unconditionally.
func (r *Registry) Unregister(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pids, jobID)
}

// Lookup returns the pid for a live job.
func (r *Registry) Lookup(jobID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid, ok := r.pids[jobID]
	return pid, ok
}

// Stop signals a live job's process group (and the process itself)
// with SIGTERM. It returns ErrNotFound for unknown ids. A nil return
// means the signal was sent, not that the worker has stopped.
func (r *Registry) Stop(jobID string) error {
	pid, ok := r.Lookup(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return launcher.SignalPID(pid, syscall.SIGTERM)
}

// Active lists live entries sorted by job id.
func (r *Registry) Active() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.pids))
	for id, pid := range r.pids {
		out = append(out, Entry{JobID: id, PID: pid})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}
