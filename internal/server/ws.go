package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/darthnorse/dockmon-update-service/internal/agents"
	"github.com/darthnorse/dockmon-update-service/internal/events"
	"github.com/darthnorse/dockmon-update-service/pkg/types"
)

// registrationTimeout bounds each half of the registration exchange.
const registrationTimeout = 10 * time.Second

// handleAgentWS is the agent attach point: upgrade, registration
// handshake, then the link's read pump until the agent goes away.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AgentToken == "" {
		http.Error(w, "Agent endpoint disabled", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Agent WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	req, err := s.readRegistration(conn)
	if err != nil {
		s.log.WithError(err).WithField("remote", r.RemoteAddr).Warn("Agent registration failed")
		return
	}

	// Engine id is the stable host identity across reconnects; agents
	// without one get a generated id for this session only
	hostID := req.EngineID
	if hostID == "" {
		hostID = uuid.NewString()
	}
	agentID := uuid.NewString()

	// Host and link go in before the response: once the agent reads
	// success, the host must already be routable
	s.deps.Hosts.RegisterAgentHost(hostID, req.Hostname)

	link := agents.NewLink(conn, agents.LinkConfig{
		HostID:   hostID,
		AgentID:  agentID,
		Hostname: req.Hostname,
		Version:  req.Version,
	}, s.deps.Pending, s.deps.Events, s.log)
	s.deps.Links.Register(link)

	if err := link.WriteRegistration(types.RegistrationResponse{
		AgentID: agentID,
		HostID:  hostID,
	}); err != nil {
		s.log.WithError(err).Warn("Failed to send registration response")
		s.deps.Links.Unregister(link)
		return
	}

	s.log.WithFields(logrus.Fields{
		"host_id":  hostID,
		"agent_id": agentID,
		"hostname": req.Hostname,
		"version":  req.Version,
		"remote":   r.RemoteAddr,
	}).Info("Agent registered")

	s.deps.Events.Broadcast(events.EventAgentConnected, map[string]interface{}{
		"host_id":  hostID,
		"agent_id": agentID,
		"hostname": req.Hostname,
		"version":  req.Version,
	})

	link.Run(r.Context())

	s.deps.Links.Unregister(link)
	s.deps.Hosts.RegisterAgentHost(hostID, req.Hostname) // Refresh last-seen
	s.deps.Events.Broadcast(events.EventAgentDisconnected, map[string]interface{}{
		"host_id":  hostID,
		"agent_id": agentID,
	})

	s.log.WithFields(logrus.Fields{
		"host_id":  hostID,
		"agent_id": agentID,
	}).Info("Agent disconnected")
}

// readRegistration reads and authenticates the agent's first frame. The
// exchange is flat JSON, not the message envelope; agents from older
// releases speak it and the envelope codec would reject them before
// they could be told why.
func (s *Server) readRegistration(conn *websocket.Conn) (*types.RegistrationRequest, error) {
	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(registrationTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read registration: %w", err)
	}

	var req types.RegistrationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.rejectRegistration(conn, "malformed registration message")
		return nil, fmt.Errorf("failed to decode registration: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.cfg.AgentToken)) != 1 {
		s.rejectRegistration(conn, "invalid token")
		return nil, fmt.Errorf("invalid agent token")
	}

	return &req, nil
}

// rejectRegistration tells the agent why it was refused before the
// connection drops. Flat JSON with type "auth_error", matching what
// agents parse.
func (s *Server) rejectRegistration(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(registrationTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	conn.WriteJSON(map[string]string{
		"type":  "auth_error",
		"error": reason,
	})
}

// handleEventsWS subscribes a UI client to the lifecycle event stream.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	// Browser WebSocket clients cannot set headers, so the token may
	// arrive as a query parameter instead
	if s.cfg.APIToken != "" {
		token := r.URL.Query().Get("token")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Event WebSocket upgrade failed")
		return
	}

	if err := s.deps.Events.AddConnection(conn); err != nil {
		s.log.WithError(err).Warn("Rejected event subscriber")
		conn.Close()
		return
	}
	defer s.deps.Events.RemoveConnection(conn)

	s.log.WithField("remote", r.RemoteAddr).Debug("Event subscriber connected")

	// Subscribers only listen; the read loop just notices when they go
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
