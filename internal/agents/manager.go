package agents

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager tracks the live link per agent host. Exactly one link exists
// per host id; registering a newer link closes and replaces the older
// one, so a reconnecting agent always wins over its stale predecessor.
type Manager struct {
	mu    sync.RWMutex
	links map[string]*Link
	log   *logrus.Logger
}

func NewManager(log *logrus.Logger) *Manager {
	return &Manager{
		links: make(map[string]*Link),
		log:   log,
	}
}

// Register installs the link as the live connection for its host and
// closes any previous link for the same host.
func (m *Manager) Register(link *Link) {
	m.mu.Lock()
	old := m.links[link.HostID]
	m.links[link.HostID] = link
	m.mu.Unlock()

	if old != nil {
		// Close outside the lock; the old read pump unregisters itself
		// but finds the newer link already installed
		old.Close()
		m.log.WithFields(logrus.Fields{
			"host_id":  link.HostID,
			"agent_id": link.AgentID,
		}).Info("Replaced stale agent link")
		return
	}

	m.log.WithFields(logrus.Fields{
		"host_id":  link.HostID,
		"agent_id": link.AgentID,
		"hostname": link.Hostname,
		"version":  link.Version,
	}).Info("Agent link registered")
}

// Unregister removes the link if it is still the live one for its host.
// A link replaced by a newer connection leaves the newer one untouched.
func (m *Manager) Unregister(link *Link) {
	m.mu.Lock()
	current, ok := m.links[link.HostID]
	if ok && current == link {
		delete(m.links, link.HostID)
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok {
		m.log.WithField("host_id", link.HostID).Info("Agent link unregistered")
	}
}

// Link returns the live link for a host, if any.
func (m *Manager) Link(hostID string) (*Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	link, ok := m.links[hostID]
	return link, ok
}

// Connected returns the host ids with a live link, sorted.
func (m *Manager) Connected() []string {
	m.mu.RLock()
	hosts := make([]string, 0, len(m.links))
	for hostID := range m.links {
		hosts = append(hosts, hostID)
	}
	m.mu.RUnlock()

	sort.Strings(hosts)
	return hosts
}

// Count returns the number of live links.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

// CloseAll tears down every link, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	m.links = make(map[string]*Link)
	m.mu.Unlock()

	for _, link := range links {
		link.Close()
	}
}
