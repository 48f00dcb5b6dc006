package handlers

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/courtyard/studio/internal/errors"
	"github.com/courtyard/studio/pkg/version"
)

// outputKinds maps the public kind name to the per-project subdirectory
// and the artifact that marks a version directory as real.
var outputKinds = map[string]struct {
	subdir  string
	pattern string
}{
	"dataset":  {subdir: "data", pattern: "train.jsonl"},
	"adapters": {subdir: "adapters", pattern: "*.safetensors"},
	"export":   {subdir: "export", pattern: "*.gguf"},
}

type versionEntry struct {
	version.Version
	TrainCount int `json:"train_count,omitempty"`
	ValidCount int `json:"valid_count,omitempty"`
}

type versionsResponse struct {
	ProjectID string         `json:"project_id"`
	Kind      string         `json:"kind"`
	Versions  []versionEntry `json:"versions"`
}

// versionEntries decorates dataset versions with their train and valid
// sample counts. Other kinds carry no sample files.
func versionEntries(kind string, versions []version.Version) []versionEntry {
	entries := make([]versionEntry, 0, len(versions))
	for _, v := range versions {
		e := versionEntry{Version: v}
		if kind == "dataset" {
			e.TrainCount = sampleCount(v.Path, "train.jsonl")
			e.ValidCount = sampleCount(v.Path, "valid.jsonl")
		}
		entries = append(entries, e)
	}
	return entries
}

func sampleCount(dir, name string) int {
	n, err := version.CountSamples(filepath.Join(dir, name))
	if err != nil {
		return 0
	}
	return n
}

// ListVersions serves GET /api/projects/{id}/versions?kind=dataset.
func (a *API) ListVersions(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = "dataset"
	}

	spec, ok := outputKinds[kind]
	if !ok {
		apperrors.WriteHTTPError(w, http.StatusBadRequest, apperrors.ErrorDetail{
			Code:    apperrors.CodeInvalidArgument,
			Message: "unknown output kind: " + kind,
		})
		return
	}

	kindDir := filepath.Join(a.deps.ProjectsDir, projectID, spec.subdir)
	versions, err := version.List(kindDir, spec.pattern)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list versions"))
		return
	}
	writeJSON(w, http.StatusOK, versionsResponse{
		ProjectID: projectID,
		Kind:      kind,
		Versions:  versionEntries(kind, versions),
	})
}
