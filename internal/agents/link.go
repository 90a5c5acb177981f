// Package agents holds the server side of the persistent agent links:
// one WebSocket connection per agent-managed host, a registry of live
// links, and the command dispatch path with per-host circuit breaking
// and retry.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/darthnorse/dockmon-update-service/internal/protocol"
	"github.com/darthnorse/dockmon-update-service/internal/update"
	"github.com/darthnorse/dockmon-update-service/pkg/types"
)

const (
	writeTimeout   = 10 * time.Second // Per-write deadline
	pingInterval   = 30 * time.Second // Agents ping on this cadence
	pongTimeout    = 10 * time.Second // Grace beyond the ping cadence
	maxMessageSize = 1 << 20          // 1MB cap on inbound messages

	// DefaultAckTimeout bounds the wait for a command acknowledgment.
	// Acks are immediate on the agent side (long work is backgrounded),
	// so a slow ack means a dead or wedged link.
	DefaultAckTimeout = 30 * time.Second
)

// EventSink receives events relayed by agents for fan-out to subscribers.
type EventSink interface {
	Broadcast(event string, payload interface{})
}

// LinkConfig carries the identity of a registered agent connection.
type LinkConfig struct {
	HostID   string
	AgentID  string
	Hostname string
	Version  string
}

// Link is one live agent connection. All writes go through writeMessage
// under the write mutex (gorilla allows only 1 concurrent writer); reads
// happen only in Run. Commands are correlated to their acknowledgments
// by envelope ID through the pending table.
type Link struct {
	HostID      string
	AgentID     string
	Hostname    string
	Version     string
	ConnectedAt time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex
	log     *logrus.Logger

	registry *update.PendingRegistry
	events   EventSink

	pendingMu sync.Mutex
	pending   map[string]chan *types.Message

	closed    chan struct{}
	closeOnce sync.Once

	// AckTimeout overrides DefaultAckTimeout when set (tests).
	AckTimeout time.Duration
}

// NewLink wraps an upgraded WebSocket connection for a registered agent.
// The caller owns the registration handshake; the link takes over once
// identity is established.
func NewLink(conn *websocket.Conn, cfg LinkConfig, registry *update.PendingRegistry, events EventSink, log *logrus.Logger) *Link {
	return &Link{
		HostID:      cfg.HostID,
		AgentID:     cfg.AgentID,
		Hostname:    cfg.Hostname,
		Version:     cfg.Version,
		ConnectedAt: time.Now(),
		conn:        conn,
		log:         log,
		registry:    registry,
		events:      events,
		pending:     make(map[string]chan *types.Message),
		closed:      make(chan struct{}),
	}
}

// Run is the read pump. It consumes inbound messages until the connection
// drops or ctx is canceled, then closes the link. Callers run it in its
// own goroutine and unregister the link when it returns.
func (l *Link) Run(ctx context.Context) error {
	defer l.Close()

	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	l.conn.SetPingHandler(func(appData string) error {
		// Agent pings drive liveness; answer and extend the deadline
		l.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		return l.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closed:
			return nil
		default:
		}

		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.closed:
				return nil
			default:
			}
			return fmt.Errorf("agent link read failed: %w", err)
		}
		l.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			l.log.WithFields(logrus.Fields{
				"host_id": l.HostID,
				"error":   err,
			}).Warn("Dropping malformed agent message")
			continue
		}

		l.handleMessage(msg)
	}
}

// Close tears the connection down. Safe to call multiple times and from
// any goroutine; pending command waiters fail with ErrAgentNotConnected.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
	})
}

// Closed reports whether the link has been torn down.
func (l *Link) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// SendCommand writes a command envelope and waits for the correlated
// acknowledgment. The returned payload is the acknowledgment body
// re-encoded as JSON (nil when the agent sent none). Error responses
// surface as *update.CommandError carrying the agent's error code.
func (l *Link) SendCommand(ctx context.Context, command string, payload interface{}) (json.RawMessage, error) {
	msg := protocol.NewCommand(command, payload)

	ackCh := make(chan *types.Message, 1)
	l.pendingMu.Lock()
	l.pending[msg.ID] = ackCh
	l.pendingMu.Unlock()
	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, msg.ID)
		l.pendingMu.Unlock()
	}()

	if err := l.writeMessage(msg); err != nil {
		return nil, err
	}

	timeout := l.AckTimeout
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ackCh:
		if resp.Error != "" {
			return nil, &update.CommandError{Code: resp.Code, Message: resp.Error}
		}
		if resp.Payload == nil {
			return nil, nil
		}
		data, err := json.Marshal(resp.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode acknowledgment payload: %w", err)
		}
		return data, nil
	case <-timer.C:
		return nil, update.ErrAckTimeout
	case <-l.closed:
		return nil, update.ErrAgentNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// writeMessage serializes and writes one envelope.
// Must hold WRITE lock for WebSocket writes (gorilla allows only 1 concurrent writer)
func (l *Link) writeMessage(msg *types.Message) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = l.conn.WriteMessage(websocket.TextMessage, data)
	l.conn.SetWriteDeadline(time.Time{}) // Clear deadline
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// WriteRegistration sends the flat registration response, which sits
// outside the envelope protocol. It shares the write mutex with command
// dispatch so a command racing the handshake cannot interleave frames.
func (l *Link) WriteRegistration(payload interface{}) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := l.conn.WriteJSON(payload)
	l.conn.SetWriteDeadline(time.Time{}) // Clear deadline
	return err
}

func (l *Link) handleMessage(msg *types.Message) {
	switch msg.Type {
	case types.TypeResponse:
		l.pendingMu.Lock()
		ch, ok := l.pending[msg.ID]
		l.pendingMu.Unlock()
		if !ok {
			// Waiter already gave up or never existed
			l.log.WithFields(logrus.Fields{
				"host_id": l.HostID,
				"id":      msg.ID,
			}).Debug("Dropping response with no pending command")
			return
		}
		select {
		case ch <- msg:
		default:
		}

	case types.TypeEvent:
		l.handleEvent(msg)

	default:
		l.log.WithFields(logrus.Fields{
			"host_id": l.HostID,
			"type":    msg.Type,
		}).Warn("Unexpected message type from agent")
	}
}

// handleEvent dispatches inbound agent events. The host id on every
// payload is overwritten with the link's registered identity so one
// agent cannot signal on behalf of another host.
func (l *Link) handleEvent(msg *types.Message) {
	switch msg.Command {
	case types.EventUpdateComplete:
		var ev types.UpdateCompleteEvent
		if err := protocol.ParsePayload(msg, &ev); err != nil {
			l.log.WithError(err).Warn("Malformed update_complete payload")
			return
		}
		ev.HostID = l.HostID
		if l.registry != nil {
			l.registry.SignalComplete(ev.HostID, ev.OldContainerID, ev.NewContainerID, ev.Success, ev.Error, ev.RolledBack)
		}
		l.broadcast(types.EventUpdateComplete, ev)

	case types.EventUpdateProgress:
		var ev types.UpdateProgressEvent
		if err := protocol.ParsePayload(msg, &ev); err != nil {
			l.log.WithError(err).Warn("Malformed update_progress payload")
			return
		}
		ev.HostID = l.HostID
		l.broadcast(types.EventUpdateProgress, ev)

	case types.EventContainerState:
		var ev types.ContainerEvent
		if err := protocol.ParsePayload(msg, &ev); err != nil {
			l.log.WithError(err).Warn("Malformed container event payload")
			return
		}
		ev.HostID = l.HostID
		l.broadcast(types.EventContainerState, ev)

	default:
		l.log.WithFields(logrus.Fields{
			"host_id": l.HostID,
			"event":   msg.Command,
		}).Debug("Unhandled agent event")
	}
}

func (l *Link) broadcast(event string, payload interface{}) {
	if l.events != nil {
		l.events.Broadcast(event, payload)
	}
}
