package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/courtyard/studio/internal/errors"
	"github.com/courtyard/studio/pkg/jobs"
	"github.com/courtyard/studio/pkg/jobstore"
)

type activeJob struct {
	JobID string `json:"job_id"`
	PID   int    `json:"pid"`
}

type jobListResponse struct {
	Active []activeJob    `json:"active"`
	Recent []jobstore.Row `json:"recent,omitempty"`
}

// ListJobs serves GET /api/jobs: live registry entries plus recent
// history when the history store is enabled.
func (a *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	if a.deps.Registry == nil {
		apperrors.WriteHTTPError(w, http.StatusServiceUnavailable, apperrors.ErrorDetail{
			Code:    apperrors.CodeServiceUnavailable,
			Message: "job registry not available",
		})
		return
	}

	resp := jobListResponse{Active: []activeJob{}}
	for _, entry := range a.deps.Registry.Active() {
		resp.Active = append(resp.Active, activeJob{JobID: entry.JobID, PID: entry.PID})
	}

	if a.deps.History != nil {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}
		rows, err := a.deps.History.Recent(r.Context(), limit)
		if err != nil {
			a.logger.Warn("job history unavailable", zap.Error(err))
		}
		resp.Recent = rows
	}

	writeJSON(w, http.StatusOK, resp)
}

// StopJob serves POST /api/jobs/{id}/stop. A 202 means the signal was
// sent; the job reaches its terminal state asynchronously.
func (a *API) StopJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if a.deps.Registry == nil {
		apperrors.WriteHTTPError(w, http.StatusServiceUnavailable, apperrors.ErrorDetail{
			Code:    apperrors.CodeServiceUnavailable,
			Message: "job registry not available",
		})
		return
	}

	if err := a.deps.Registry.Stop(jobID); err != nil {
		// A live registry entry we cannot signal means the worker
		// process is out of reach, not a server bug.
		if !errors.Is(err, jobs.ErrNotFound) {
			err = apperrors.NewExternalServiceError("signal job " + jobID + ": " + err.Error())
		}
		respondWithError(w, r, err)
		return
	}

	a.logger.Info("stop requested", zap.String("job_id", jobID))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "stopping",
	})
}
