// Package events fans service events out to WebSocket subscribers.
// Agent-relayed events (progress, completions, container state) and
// locally generated ones share the same envelope.
package events

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrSubscriberLimit is returned when the broadcaster is full.
var ErrSubscriberLimit = errors.New("event subscriber limit reached")

// Service-generated event types. Agent-relayed events keep the protocol
// names from pkg/types.
const (
	EventUpdateAvailable   = "update_available"
	EventAgentConnected    = "agent_connected"
	EventAgentDisconnected = "agent_disconnected"
)

const (
	defaultMaxSubscribers = 100
	subscriberWriteWait   = 10 * time.Second
)

// Event is the envelope sent to subscribers.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Broadcaster delivers events to every subscribed WebSocket connection.
// Each connection gets its own write mutex so one slow subscriber only
// stalls its own delivery.
type Broadcaster struct {
	mu             sync.RWMutex
	connections    map[*websocket.Conn]*sync.Mutex
	maxConnections int
	log            *logrus.Logger
}

func NewBroadcaster(log *logrus.Logger) *Broadcaster {
	return &Broadcaster{
		connections:    make(map[*websocket.Conn]*sync.Mutex),
		maxConnections: defaultMaxSubscribers,
		log:            log,
	}
}

// AddConnection registers a subscriber.
func (b *Broadcaster) AddConnection(conn *websocket.Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.connections) >= b.maxConnections {
		b.log.WithField("limit", b.maxConnections).Warn("Rejecting event subscriber, limit reached")
		return ErrSubscriberLimit
	}

	b.connections[conn] = &sync.Mutex{}
	b.log.WithField("subscribers", len(b.connections)).Debug("Event subscriber connected")
	return nil
}

// RemoveConnection unregisters a subscriber. The caller closes the
// connection.
func (b *Broadcaster) RemoveConnection(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.connections, conn)
	b.log.WithField("subscribers", len(b.connections)).Debug("Event subscriber disconnected")
}

// Broadcast sends one event to every subscriber. Connections that fail
// to accept the write are dropped and closed.
func (b *Broadcaster) Broadcast(event string, payload interface{}) {
	data, err := json.Marshal(Event{
		Type:      event,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		b.log.WithError(err).Error("Failed to marshal event")
		return
	}

	b.mu.RLock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(b.connections))
	for conn, mu := range b.connections {
		targets[conn] = mu
	}
	b.mu.RUnlock()

	var dead []*websocket.Conn
	for conn, mu := range targets {
		mu.Lock()
		conn.SetWriteDeadline(time.Now().Add(subscriberWriteWait))
		err := conn.WriteMessage(websocket.TextMessage, data)
		conn.SetWriteDeadline(time.Time{})
		mu.Unlock()

		if err != nil {
			dead = append(dead, conn)
		}
	}

	if len(dead) == 0 {
		return
	}

	// Drop dead subscribers under the lock, close them outside it
	b.mu.Lock()
	var toClose []*websocket.Conn
	for _, conn := range dead {
		if _, exists := b.connections[conn]; exists {
			delete(b.connections, conn)
			toClose = append(toClose, conn)
		}
	}
	b.mu.Unlock()

	for _, conn := range toClose {
		conn.Close()
	}
	b.log.WithField("dropped", len(toClose)).Debug("Dropped dead event subscribers")
}

// ConnectionCount returns the number of live subscribers.
func (b *Broadcaster) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connections)
}

// CloseAll disconnects every subscriber, for shutdown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	toClose := make([]*websocket.Conn, 0, len(b.connections))
	for conn := range b.connections {
		toClose = append(toClose, conn)
	}
	b.connections = make(map[*websocket.Conn]*sync.Mutex)
	b.mu.Unlock()

	// Closing can block on network I/O, keep it outside the lock
	for _, conn := range toClose {
		conn.Close()
	}
}
