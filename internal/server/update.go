package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/darthnorse/dockmon-update-service/internal/metrics"
	"github.com/darthnorse/dockmon-update-service/internal/store"
	"github.com/darthnorse/dockmon-update-service/internal/update"
	"github.com/darthnorse/dockmon-update-service/pkg/types"
)

// defaultUpdateTimeout bounds one whole update operation, pull included.
const defaultUpdateTimeout = 30 * time.Minute

// UpdateRequest is the /update request body: the update context plus an
// optional operation timeout.
type UpdateRequest struct {
	update.UpdateContext
	Timeout int `json:"timeout,omitempty"` // Seconds, default 30 minutes
}

// handleUpdate handles the /update endpoint. Clients that accept
// text/event-stream get live progress; everyone else blocks for the
// final result as JSON.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Service-level defaults apply when the request stays silent
	if req.StopTimeout == 0 {
		req.StopTimeout = int(s.cfg.StopTimeout.Seconds())
	}
	if req.HealthTimeout == 0 {
		req.HealthTimeout = int(s.cfg.HealthTimeout.Seconds())
	}

	kind, err := s.deps.Hosts.Kind(req.HostID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	// The tracking record is created before dispatch so the record id
	// travels with the command; agents echo it back in their reports.
	rec := &store.UpdateRecord{
		HostID:        req.HostID,
		ContainerID:   req.ContainerID,
		ContainerName: req.ContainerName,
		OldImage:      req.CurrentImage,
		NewImage:      req.TargetImage,
	}
	if err := s.deps.Store.CreateRecord(rec); err != nil {
		s.log.WithError(err).Error("Failed to create update record")
		writeJSONError(w, http.StatusInternalServerError, "failed to persist update record")
		return
	}
	req.RecordID = rec.ID

	if r.Header.Get("Accept") == "text/event-stream" {
		s.handleUpdateSSE(w, r, req, kind)
	} else {
		s.handleUpdateJSON(w, r, req, kind)
	}
}

// handleUpdateJSON runs the update and returns the final result only.
func (s *Server) handleUpdateJSON(w http.ResponseWriter, r *http.Request, req UpdateRequest, kind update.ConnectionKind) {
	startTime := time.Now()
	metrics.Global.IncrementActive()
	defer metrics.Global.DecrementActive()

	s.log.WithFields(logrus.Fields{
		"host_id":      req.HostID,
		"container_id": req.ContainerID,
		"target_image": req.TargetImage,
		"kind":         kind,
		"record_id":    req.RecordID,
	}).Info("Update started")

	ctx, cancel := context.WithTimeout(r.Context(), req.operationTimeout())
	defer cancel()

	opts := update.UpdaterOptions{OnProgress: s.progressFunc(&req.UpdateContext, kind, nil)}
	result := s.deps.Executor.Execute(ctx, &req.UpdateContext, kind, opts)

	s.finishUpdate(req, kind, result, time.Since(startTime))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleUpdateSSE runs the update while streaming progress events.
func (s *Server) handleUpdateSSE(w http.ResponseWriter, r *http.Request, req UpdateRequest, kind update.ConnectionKind) {
	startTime := time.Now()
	metrics.Global.IncrementActive()
	defer metrics.Global.DecrementActive()

	ctx, cancel := context.WithTimeout(r.Context(), req.operationTimeout())
	defer cancel()

	// SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	s.log.WithFields(logrus.Fields{
		"host_id":      req.HostID,
		"container_id": req.ContainerID,
		"target_image": req.TargetImage,
		"kind":         kind,
		"record_id":    req.RecordID,
	}).Info("Update started (SSE)")

	// Keepalive ticker keeps proxies from cutting the stream during
	// long pulls
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	resultCh := make(chan *update.UpdateResult, 1)

	// Progress channel for thread-safe writes
	progressCh := make(chan types.UpdateProgressEvent, 100)

	go func() {
		opts := update.UpdaterOptions{
			OnProgress: s.progressFunc(&req.UpdateContext, kind, func(ev types.UpdateProgressEvent) {
				select {
				case progressCh <- ev:
				default:
					// Channel full, skip event (better than blocking)
				}
			}),
		}
		result := s.deps.Executor.Execute(ctx, &req.UpdateContext, kind, opts)
		close(progressCh)
		resultCh <- result
	}()

	for {
		select {
		case ev, ok := <-progressCh:
			if !ok {
				continue // Channel closed, wait for result
			}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
			flusher.Flush()

		case result := <-resultCh:
			s.finishUpdate(req, kind, result, time.Since(startTime))

			data, _ := json.Marshal(result)
			fmt.Fprintf(w, "event: complete\ndata: %s\n\n", data)
			flusher.Flush()
			return

		case <-ticker.C:
			// SSE keepalive (comment line - ignored by SSE parsers)
			fmt.Fprintf(w, ": keepalive %d\n\n", time.Now().Unix())
			flusher.Flush()

		case <-ctx.Done():
			// Timeout or client disconnect; the operation keeps its
			// tracking record, which the result completion below settles
			result := update.FailureResult(&req.UpdateContext, "operation timeout", false)
			s.finishUpdate(req, kind, result, time.Since(startTime))

			data, _ := json.Marshal(result)
			fmt.Fprintf(w, "event: complete\ndata: %s\n\n", data)
			flusher.Flush()
			return
		}
	}
}

// finishUpdate settles the bookkeeping shared by both response modes:
// tracking record, metrics, completion broadcast, summary log.
func (s *Server) finishUpdate(req UpdateRequest, kind update.ConnectionKind, result *update.UpdateResult, duration time.Duration) {
	if err := s.deps.Store.CompleteRecord(req.RecordID, result); err != nil {
		s.log.WithError(err).WithField("record_id", req.RecordID).Error("Failed to complete update record")
	}

	metrics.Global.RecordUpdate(result.Success, result.RolledBack, duration)

	// Agent links relay the agent's own completion event; broadcasting
	// here as well would double-report those updates
	if kind != update.KindAgent {
		s.deps.Events.Broadcast(types.EventUpdateComplete, types.UpdateCompleteEvent{
			HostID:         result.HostID,
			OldContainerID: result.OldContainerID,
			NewContainerID: result.NewContainerID,
			ContainerName:  result.ContainerName,
			Success:        result.Success,
			Error:          result.Error,
			RolledBack:     result.RolledBack,
		})
	}

	s.log.WithFields(logrus.Fields{
		"host_id":       result.HostID,
		"container_id":  result.OldContainerID,
		"success":       result.Success,
		"rolled_back":   result.RolledBack,
		"duration_secs": duration.Seconds(),
		"record_id":     req.RecordID,
	}).Info("Update completed")
}

// progressFunc builds the stage callback for one update. sink receives
// every event (nil for the JSON path); the broadcaster gets direct-kind
// events only, because agent links relay their host's progress themselves.
func (s *Server) progressFunc(uctx *update.UpdateContext, kind update.ConnectionKind, sink func(types.UpdateProgressEvent)) update.ProgressFunc {
	return func(stage update.UpdateStage, percent int, message string) {
		ev := types.UpdateProgressEvent{
			HostID:        uctx.HostID,
			ContainerID:   uctx.ContainerID,
			ContainerName: uctx.ContainerName,
			Stage:         stage.String(),
			Percent:       percent,
			Message:       message,
		}
		if sink != nil {
			sink(ev)
		}
		if kind != update.KindAgent {
			s.deps.Events.Broadcast(types.EventUpdateProgress, ev)
		}
	}
}

// operationTimeout returns the request's timeout, defaulted.
func (r *UpdateRequest) operationTimeout() time.Duration {
	if r.Timeout > 0 {
		return time.Duration(r.Timeout) * time.Second
	}
	return defaultUpdateTimeout
}
