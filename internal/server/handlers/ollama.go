package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/courtyard/studio/internal/errors"
)

type modelsDirRequest struct {
	ModelsDir string `json:"models_dir"`
}

// OllamaStatus serves GET /api/ollama/status with the resolved models
// directory and its source.
func (a *API) OllamaStatus(w http.ResponseWriter, r *http.Request) {
	if a.deps.Reconciler == nil {
		apperrors.WriteHTTPError(w, http.StatusServiceUnavailable, apperrors.ErrorDetail{
			Code:    apperrors.CodeServiceUnavailable,
			Message: "ollama reconciler not available",
		})
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Reconciler.Resolve(r.Context()))
}

// OllamaApply serves POST /api/ollama/models-dir: stage the override
// (empty clears it) and restart the daemon.
func (a *API) OllamaApply(w http.ResponseWriter, r *http.Request) {
	if a.deps.Reconciler == nil {
		apperrors.WriteHTTPError(w, http.StatusServiceUnavailable, apperrors.ErrorDetail{
			Code:    apperrors.CodeServiceUnavailable,
			Message: "ollama reconciler not available",
		})
		return
	}

	var req modelsDirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteHTTPError(w, http.StatusBadRequest, apperrors.ErrorDetail{
			Code:    apperrors.CodeInvalidArgument,
			Message: "invalid request body: " + err.Error(),
		})
		return
	}

	dir := strings.TrimSpace(req.ModelsDir)
	if err := a.deps.Reconciler.ApplyAndRestart(r.Context(), dir); err != nil {
		a.logger.Error("daemon reconciliation failed",
			zap.String("models_dir", dir),
			zap.Error(err))
		apperrors.WriteHTTPError(w, http.StatusBadGateway, apperrors.ErrorDetail{
			Code:    apperrors.CodeReconcileFailed,
			Message: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, a.deps.Reconciler.Resolve(r.Context()))
}
