package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/darthnorse/dockmon-update-service/internal/metrics"
	"github.com/darthnorse/dockmon-update-service/internal/update"
	"github.com/darthnorse/dockmon-update-service/pkg/types"
)

// checkTimeout bounds one availability check; the registry pull it
// implies is metadata-sized, not a full image.
const checkTimeout = 2 * time.Minute

// CheckRequest is the /check request body.
type CheckRequest struct {
	HostID      string `json:"host_id"`
	ContainerID string `json:"container_id"`
}

// handleCheck handles the /check endpoint: is a newer image available
// for this container. Agent hosts answer through their link, direct
// hosts through their engine client.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.HostID == "" || req.ContainerID == "" {
		writeJSONError(w, http.StatusBadRequest, "host_id and container_id are required")
		return
	}

	kind, err := s.deps.Hosts.Kind(req.HostID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	res, err := s.runCheck(ctx, kind, req)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"host_id":      req.HostID,
			"container_id": req.ContainerID,
		}).Warn("Update check failed")
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	metrics.Global.RecordCheck(res.UpdateAvailable)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (s *Server) runCheck(ctx context.Context, kind update.ConnectionKind, req CheckRequest) (*types.CheckUpdateResult, error) {
	if kind == update.KindAgent {
		return update.CheckForUpdateViaAgent(ctx, s.deps.Sender, req.HostID, req.ContainerID)
	}

	cli, _, err := s.deps.Hosts.EngineClient(ctx, req.HostID)
	if err != nil {
		return nil, err
	}
	return update.CheckForUpdate(ctx, cli, s.log, req.HostID, req.ContainerID)
}

// handleRecords handles the /updates endpoint: recent update history,
// optionally filtered by host.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	records, err := s.deps.Store.ListRecords(r.URL.Query().Get("host_id"), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list update records")
		writeJSONError(w, http.StatusInternalServerError, "failed to list update records")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"updates": records})
}

// HostStatus is one entry of the /hosts response.
type HostStatus struct {
	ID             string                `json:"id"`
	Name           string                `json:"name,omitempty"`
	Kind           update.ConnectionKind `json:"kind"`
	Address        string                `json:"address,omitempty"`
	AgentConnected bool                  `json:"agent_connected,omitempty"`
	AgentVersion   string                `json:"agent_version,omitempty"`
	Hostname       string                `json:"hostname,omitempty"`
	LastSeen       *time.Time            `json:"last_seen,omitempty"`
}

// handleHosts handles the /hosts endpoint: the configured host
// inventory with live agent link state folded in.
func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hostList := s.deps.Hosts.List()
	statuses := make([]HostStatus, 0, len(hostList))
	for _, h := range hostList {
		status := HostStatus{
			ID:      h.ID,
			Name:    h.Name,
			Kind:    h.Kind,
			Address: h.Address,
		}
		if !h.LastSeen.IsZero() {
			seen := h.LastSeen
			status.LastSeen = &seen
		}
		if link, ok := s.deps.Links.Link(h.ID); ok {
			status.AgentConnected = true
			status.AgentVersion = link.Version
			status.Hostname = link.Hostname
		}
		statuses = append(statuses, status)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"hosts": statuses})
}
