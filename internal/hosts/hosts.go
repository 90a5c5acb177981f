// Package hosts holds the inventory of engines the service manages and
// hands out Docker clients for the directly reachable ones. Hosts come
// from a JSON inventory file; agent-managed hosts are also registered
// dynamically when their agent connects.
package hosts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/darthnorse/dockmon-update-service/internal/docker"
	"github.com/darthnorse/dockmon-update-service/internal/update"
)

// Host describes one engine the service manages.
type Host struct {
	ID      string                `json:"id"`
	Name    string                `json:"name,omitempty"`
	Kind    update.ConnectionKind `json:"kind"`
	Address string                `json:"address,omitempty"` // tcp://host:port for remote engines

	TLSCAFile   string `json:"tls_ca_file,omitempty"`
	TLSCertFile string `json:"tls_cert_file,omitempty"`
	TLSKeyFile  string `json:"tls_key_file,omitempty"`

	LastSeen time.Time `json:"last_seen,omitempty"` // Agent hosts only

	// PEM material loaded from the *_file paths
	tlsCA   string
	tlsCert string
	tlsKey  string
}

// Validate checks the host entry for configuration mistakes.
func (h *Host) Validate() error {
	if h.ID == "" {
		return fmt.Errorf("host entry missing id")
	}
	switch h.Kind {
	case update.KindLocal, update.KindAgent:
	case update.KindRemote:
		if h.Address == "" {
			return fmt.Errorf("remote host %s missing address", h.ID)
		}
	default:
		return fmt.Errorf("host %s has unknown kind %q", h.ID, h.Kind)
	}

	tlsFiles := 0
	for _, f := range []string{h.TLSCAFile, h.TLSCertFile, h.TLSKeyFile} {
		if f != "" {
			tlsFiles++
		}
	}
	if tlsFiles != 0 && tlsFiles != 3 {
		return fmt.Errorf("host %s needs all of tls_ca_file, tls_cert_file, tls_key_file or none", h.ID)
	}
	return nil
}

// loadTLS reads the PEM files referenced by the host entry.
func (h *Host) loadTLS() error {
	if h.TLSCAFile == "" {
		return nil
	}
	for _, f := range []struct {
		path string
		dest *string
	}{
		{h.TLSCAFile, &h.tlsCA},
		{h.TLSCertFile, &h.tlsCert},
		{h.TLSKeyFile, &h.tlsKey},
	} {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return fmt.Errorf("host %s: failed to read TLS file: %w", h.ID, err)
		}
		*f.dest = string(data)
	}
	return nil
}

type inventoryFile struct {
	Hosts []*Host `json:"hosts"`
}

type engineEntry struct {
	cli  *client.Client
	caps *update.EngineCaps
}

// Registry is the host inventory. It caches one engine client per
// directly reachable host and implements update.EngineProvider.
type Registry struct {
	mu      sync.RWMutex
	hosts   map[string]*Host
	engines map[string]*engineEntry
	log     *logrus.Logger
}

func NewRegistry(log *logrus.Logger) *Registry {
	return &Registry{
		hosts:   make(map[string]*Host),
		engines: make(map[string]*engineEntry),
		log:     log,
	}
}

// LoadFile reads a JSON inventory and replaces the configured hosts.
// Dynamically registered agent hosts survive the reload.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read hosts file: %w", err)
	}

	var inv inventoryFile
	if err := json.Unmarshal(data, &inv); err != nil {
		return fmt.Errorf("failed to parse hosts file: %w", err)
	}

	seen := make(map[string]bool)
	for _, h := range inv.Hosts {
		if err := h.Validate(); err != nil {
			return err
		}
		if seen[h.ID] {
			return fmt.Errorf("duplicate host id %s in hosts file", h.ID)
		}
		seen[h.ID] = true
		if err := h.loadTLS(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	for _, h := range inv.Hosts {
		r.hosts[h.ID] = h
	}
	r.mu.Unlock()

	r.log.WithField("hosts", len(inv.Hosts)).Info("Loaded host inventory")
	return nil
}

// Add inserts or replaces a host entry.
func (r *Registry) Add(h *Host) error {
	if err := h.Validate(); err != nil {
		return err
	}
	if err := h.loadTLS(); err != nil {
		return err
	}

	r.mu.Lock()
	r.hosts[h.ID] = h
	delete(r.engines, h.ID) // Stale client config, rebuild on next use
	r.mu.Unlock()
	return nil
}

// RegisterAgentHost records an agent-managed host when its agent
// connects. Existing entries just get their name and last-seen updated.
func (r *Registry) RegisterAgentHost(hostID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.hosts[hostID]; ok {
		if name != "" {
			existing.Name = name
		}
		existing.LastSeen = time.Now()
		return
	}

	r.hosts[hostID] = &Host{
		ID:       hostID,
		Name:     name,
		Kind:     update.KindAgent,
		LastSeen: time.Now(),
	}
	r.log.WithFields(logrus.Fields{
		"host_id": hostID,
		"name":    name,
	}).Info("Registered agent host")
}

// Get returns a host by id.
func (r *Registry) Get(hostID string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[hostID]
	return h, ok
}

// Kind returns the connection kind for a host.
func (r *Registry) Kind(hostID string) (update.ConnectionKind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[hostID]
	if !ok {
		return "", fmt.Errorf("unknown host %s", hostID)
	}
	return h.Kind, nil
}

// List returns all hosts sorted by id.
func (r *Registry) List() []*Host {
	r.mu.RLock()
	out := make([]*Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EngineClient returns a Docker client and detected capabilities for a
// directly reachable host. Clients are built once and cached; agent
// hosts have no client here, their engine is only reachable through the
// agent link.
func (r *Registry) EngineClient(ctx context.Context, hostID string) (*client.Client, *update.EngineCaps, error) {
	r.mu.RLock()
	h, ok := r.hosts[hostID]
	if ok {
		if entry, cached := r.engines[hostID]; cached {
			r.mu.RUnlock()
			return entry.cli, entry.caps, nil
		}
	}
	r.mu.RUnlock()

	if !ok {
		return nil, nil, fmt.Errorf("unknown host %s", hostID)
	}
	if h.Kind == update.KindAgent {
		return nil, nil, fmt.Errorf("host %s is agent-managed, no direct engine access", hostID)
	}

	cli, err := r.buildClient(h)
	if err != nil {
		return nil, nil, err
	}
	caps := update.DetectCaps(ctx, cli, r.log)

	r.mu.Lock()
	if entry, cached := r.engines[hostID]; cached {
		// Another request built the client first
		r.mu.Unlock()
		cli.Close()
		return entry.cli, entry.caps, nil
	}
	r.engines[hostID] = &engineEntry{cli: cli, caps: caps}
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"host_id":     hostID,
		"kind":        h.Kind,
		"api_version": caps.APIVersion,
		"podman":      caps.IsPodman,
	}).Info("Connected to engine")
	return cli, caps, nil
}

func (r *Registry) buildClient(h *Host) (*client.Client, error) {
	switch h.Kind {
	case update.KindLocal:
		cli, err := docker.CreateLocalClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create local engine client: %w", err)
		}
		return cli, nil
	case update.KindRemote:
		cli, err := docker.CreateRemoteClient(h.Address, h.tlsCA, h.tlsCert, h.tlsKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create engine client for %s: %w", h.ID, err)
		}
		return cli, nil
	default:
		return nil, fmt.Errorf("host %s has no direct engine", h.ID)
	}
}

// DropEngine evicts a cached client, closing it. Called when a host's
// engine becomes unreachable so the next use rebuilds the connection.
func (r *Registry) DropEngine(hostID string) {
	r.mu.Lock()
	entry, ok := r.engines[hostID]
	delete(r.engines, hostID)
	r.mu.Unlock()

	if ok {
		entry.cli.Close()
	}
}

// Close releases every cached engine client.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := make([]*engineEntry, 0, len(r.engines))
	for _, entry := range r.engines {
		entries = append(entries, entry)
	}
	r.engines = make(map[string]*engineEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.cli.Close()
	}
}
