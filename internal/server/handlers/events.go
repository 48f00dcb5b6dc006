package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/courtyard/studio/internal/errors"
)

const heartbeatInterval = 15 * time.Second

// StreamEvents serves GET /api/jobs/{id}/events as server-sent events.
// The stream carries every envelope published for the job and comment
// heartbeats so proxies keep the connection open.
func (a *API) StreamEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if a.deps.Bus == nil {
		apperrors.WriteHTTPError(w, http.StatusServiceUnavailable, apperrors.ErrorDetail{
			Code:    apperrors.CodeServiceUnavailable,
			Message: "event bus not available",
		})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apperrors.WriteHTTPError(w, http.StatusInternalServerError, apperrors.ErrorDetail{
			Code:    apperrors.CodeInternal,
			Message: "streaming not supported by connection",
		})
		return
	}

	ch, unsubscribe := a.deps.Bus.Subscribe(jobID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	a.logger.Debug("sse subscriber attached", zap.String("job_id", jobID))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case env, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				a.logger.Warn("drop unmarshalable envelope", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
