package handlers

import (
	"go.uber.org/zap"

	"github.com/courtyard/studio/pkg/events"
	"github.com/courtyard/studio/pkg/jobs"
	"github.com/courtyard/studio/pkg/jobstore"
	"github.com/courtyard/studio/pkg/ollama"
)

// Deps carries the collaborators the API handlers act on. Nil fields
// disable the corresponding endpoints with a 503.
type Deps struct {
	Registry   *jobs.Registry
	History    *jobstore.Store
	Bus        *events.Bus
	Reconciler *ollama.Reconciler
	Starter    JobStarter

	// ProjectsDir is the root holding per-project output trees.
	ProjectsDir string
}

// API groups the job-control and daemon handlers around shared
// dependencies.
type API struct {
	deps   Deps
	logger *zap.Logger
}

func NewAPI(deps Deps, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{deps: deps, logger: logger}
}
