package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/courtyard/studio/internal/errors"
)

// StartJobRequest names a workflow job to run in the background. Kind
// selects the worker; the remaining fields mirror the CLI flags of the
// matching command and default the same way. Timeout is a duration
// string such as "30m".
type StartJobRequest struct {
	Kind      string `json:"kind"`
	ProjectID string `json:"project_id"`

	Mode   string `json:"mode,omitempty"`
	Source string `json:"source,omitempty"`
	Lang   string `json:"lang,omitempty"`

	Model        string  `json:"model,omitempty"`
	Dataset      string  `json:"dataset,omitempty"`
	Adapters     string  `json:"adapters,omitempty"`
	BatchSize    int     `json:"batch_size,omitempty"`
	Iters        int     `json:"iters,omitempty"`
	LearningRate float64 `json:"learning_rate,omitempty"`

	// Format picks the export flavor, "ollama" (default) or "gguf".
	Format   string `json:"format,omitempty"`
	Quantize string `json:"quantize,omitempty"`

	Prompt  string `json:"prompt,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// JobStarter validates a request and launches the job in the
// background, returning its id. Events reach subscribers through the
// bus; the outcome lands in the record store and history.
type JobStarter interface {
	StartJob(ctx context.Context, req StartJobRequest) (string, error)
}

// StartJob serves POST /api/jobs. A 202 means the job was accepted and
// is running; progress streams at /api/jobs/{id}/events.
func (a *API) StartJob(w http.ResponseWriter, r *http.Request) {
	if a.deps.Starter == nil {
		apperrors.WriteHTTPError(w, http.StatusServiceUnavailable, apperrors.ErrorDetail{
			Code:    apperrors.CodeServiceUnavailable,
			Message: "job starter not available",
		})
		return
	}

	var req StartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteHTTPError(w, http.StatusBadRequest, apperrors.ErrorDetail{
			Code:    apperrors.CodeInvalidArgument,
			Message: "invalid request body: " + err.Error(),
		})
		return
	}

	jobID, err := a.deps.Starter.StartJob(r.Context(), req)
	if err != nil {
		apperrors.WriteHTTPError(w, http.StatusBadRequest, apperrors.ErrorDetail{
			Code:    apperrors.CodeInvalidArgument,
			Message: err.Error(),
		})
		return
	}

	a.logger.Info("job accepted",
		zap.String("job_id", jobID),
		zap.String("kind", req.Kind),
		zap.String("project_id", req.ProjectID))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "started",
	})
}
