// Package server exposes the update service over HTTP: the update and
// check operations, update history, the agent attach point, and the
// event stream for UIs.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/darthnorse/dockmon-update-service/internal/agents"
	"github.com/darthnorse/dockmon-update-service/internal/config"
	"github.com/darthnorse/dockmon-update-service/internal/events"
	"github.com/darthnorse/dockmon-update-service/internal/hosts"
	"github.com/darthnorse/dockmon-update-service/internal/metrics"
	"github.com/darthnorse/dockmon-update-service/internal/store"
	"github.com/darthnorse/dockmon-update-service/internal/update"
)

// Deps are the subsystems the server fronts.
type Deps struct {
	Hosts    *hosts.Registry
	Links    *agents.Manager
	Sender   *agents.CommandExecutor
	Pending  *update.PendingRegistry
	Executor *update.UpdateExecutor
	Store    *store.Store
	Events   *events.Broadcaster
}

// Server is the HTTP surface of the update service.
type Server struct {
	cfg       *config.Config
	deps      Deps
	log       *logrus.Logger
	startTime time.Time

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func New(cfg *config.Config, deps Deps, log *logrus.Logger) *Server {
	return &Server{
		cfg:       cfg,
		deps:      deps,
		log:       log,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents and internal UIs connect from anywhere
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/update", s.auth(s.handleUpdate))
	mux.HandleFunc("/check", s.auth(s.handleCheck))
	mux.HandleFunc("/updates", s.auth(s.handleRecords))
	mux.HandleFunc("/hosts", s.auth(s.handleHosts))
	mux.HandleFunc("/ws/agent", s.handleAgentWS)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	return mux
}

// Start serves until ctx is canceled. The listen address is TCP unless
// prefixed with unix:// for a socket path.
func (s *Server) Start(ctx context.Context) error {
	listener, err := s.listen()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// WriteTimeout stays 0: SSE and WebSocket connections are long-lived
		IdleTimeout: 120 * time.Second,
	}

	s.log.WithField("addr", s.cfg.ListenAddr).Info("Update service listening")

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down update service...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.deps.Links.CloseAll()
		s.deps.Events.CloseAll()
	}()

	if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if path, ok := strings.CutPrefix(s.cfg.ListenAddr, "unix://"); ok {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove existing socket: %w", err)
		}
		listener, err := net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on socket: %w", err)
		}
		if err := os.Chmod(path, 0660); err != nil {
			listener.Close()
			return nil, fmt.Errorf("failed to set socket permissions: %w", err)
		}
		return listener, nil
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return listener, nil
}

// auth validates the Bearer token when an API token is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" {
			next(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		expected := "Bearer " + s.cfg.APIToken
		if subtle.ConstantTimeCompare([]byte(authHeader), []byte(expected)) != 1 {
			s.log.WithFields(logrus.Fields{
				"remote": r.RemoteAddr,
				"path":   r.URL.Path,
			}).Warn("Unauthorized request")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status          string                 `json:"status"` // "ok" or "degraded"
	DatabaseOK      bool                   `json:"database_ok"`
	EngineOK        *bool                  `json:"engine_ok,omitempty"` // Local engine only, absent otherwise
	Hosts           int                    `json:"hosts"`
	AgentsConnected int                    `json:"agents_connected"`
	EventClients    int                    `json:"event_clients"`
	PendingUpdates  int                    `json:"pending_updates"`
	UptimeSecs      int64                  `json:"uptime_secs"`
	Metrics         map[string]interface{} `json:"metrics,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:          "ok",
		Hosts:           len(s.deps.Hosts.List()),
		AgentsConnected: s.deps.Links.Count(),
		EventClients:    s.deps.Events.ConnectionCount(),
		PendingUpdates:  s.deps.Pending.Count(),
		UptimeSecs:      int64(time.Since(s.startTime).Seconds()),
		Metrics:         metrics.Global.Snapshot(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.DatabaseOK = false
	} else {
		resp.DatabaseOK = true
	}

	// Probe the local engine only; remote hosts are not health dependencies
	for _, h := range s.deps.Hosts.List() {
		if h.Kind != update.KindLocal {
			continue
		}
		engineOK := false
		if cli, _, err := s.deps.Hosts.EngineClient(ctx, h.ID); err == nil {
			_, pingErr := cli.Ping(ctx)
			engineOK = pingErr == nil
		}
		resp.EngineOK = &engineOK
		if !engineOK {
			resp.Status = "degraded"
		}
		break
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

// writeJSONError sends a plain JSON error body with the given status.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
