package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/darthnorse/dockmon-update-service/internal/protocol"
	"github.com/darthnorse/dockmon-update-service/internal/update"
	"github.com/darthnorse/dockmon-update-service/pkg/types"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// recordingSink captures broadcasts for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

type sinkEvent struct {
	name    string
	payload interface{}
}

func (s *recordingSink) Broadcast(event string, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{name: event, payload: payload})
}

func (s *recordingSink) snapshot() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkEvent, len(s.events))
	copy(out, s.events)
	return out
}

// newTestLink builds a real WebSocket pair: the returned link wraps the
// server side, the returned conn is the fake agent's side.
func newTestLink(t *testing.T, cfg LinkConfig, registry *update.PendingRegistry, events EventSink) (*Link, *websocket.Conn, func()) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	agentConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("Failed to dial test server: %v", err)
	}

	var serverConn *websocket.Conn
	select {
	case serverConn = <-connCh:
	case <-time.After(2 * time.Second):
		agentConn.Close()
		srv.Close()
		t.Fatal("Timed out waiting for server-side connection")
	}

	link := NewLink(serverConn, cfg, registry, events, quietLog())
	cleanup := func() {
		link.Close()
		agentConn.Close()
		srv.Close()
	}
	return link, agentConn, cleanup
}

// respondingAgent reads command envelopes off the fake agent connection
// and writes back whatever respond returns, until the connection drops.
func respondingAgent(conn *websocket.Conn, respond func(msg *types.Message) *types.Message) {
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.DecodeMessage(data)
			if err != nil || msg.Type != types.TypeCommand {
				continue
			}
			resp := respond(msg)
			if resp == nil {
				continue
			}
			out, err := protocol.EncodeMessage(resp)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}()
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestLinkCommandAck(t *testing.T) {
	link, agentConn, cleanup := newTestLink(t, LinkConfig{HostID: "host-1", AgentID: "agent-1"}, nil, nil)
	defer cleanup()
	go link.Run(context.Background())

	respondingAgent(agentConn, func(msg *types.Message) *types.Message {
		if msg.Command != types.CommandUpdateContainer {
			return nil
		}
		return protocol.NewCommandResponse(msg.ID, types.CommandAck{Status: "update_started"}, nil)
	})

	payload, err := link.SendCommand(context.Background(), types.CommandUpdateContainer, types.UpdateCommand{
		HostID:      "host-1",
		ContainerID: "abc123def456",
		TargetImage: "nginx:1.26",
	})
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}

	var ack types.CommandAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		t.Fatalf("Failed to decode ack payload: %v", err)
	}
	if ack.Status != "update_started" {
		t.Errorf("Expected status update_started, got %q", ack.Status)
	}
}

func TestLinkCommandErrorResponse(t *testing.T) {
	link, agentConn, cleanup := newTestLink(t, LinkConfig{HostID: "host-1"}, nil, nil)
	defer cleanup()
	go link.Run(context.Background())

	respondingAgent(agentConn, func(msg *types.Message) *types.Message {
		return &types.Message{
			Type:  types.TypeResponse,
			ID:    msg.ID,
			Error: "update already in progress",
			Code:  types.CodeBusy,
		}
	})

	_, err := link.SendCommand(context.Background(), types.CommandUpdateContainer, types.UpdateCommand{
		HostID:      "host-1",
		ContainerID: "abc123def456",
		TargetImage: "nginx:1.26",
	})
	if err == nil {
		t.Fatal("Expected error from busy agent")
	}

	var cmdErr *update.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Expected CommandError, got %T: %v", err, err)
	}
	if cmdErr.Code != types.CodeBusy {
		t.Errorf("Expected code %q, got %q", types.CodeBusy, cmdErr.Code)
	}
	if !update.IsRetryable(err) {
		t.Error("Busy rejection should be retryable")
	}
}

func TestLinkAckTimeout(t *testing.T) {
	link, agentConn, cleanup := newTestLink(t, LinkConfig{HostID: "host-1"}, nil, nil)
	defer cleanup()
	go link.Run(context.Background())
	link.AckTimeout = 50 * time.Millisecond

	// Agent reads the command but never acknowledges
	respondingAgent(agentConn, func(msg *types.Message) *types.Message {
		return nil
	})

	start := time.Now()
	_, err := link.SendCommand(context.Background(), types.CommandUpdateContainer, types.UpdateCommand{
		HostID:      "host-1",
		ContainerID: "abc123def456",
		TargetImage: "nginx:1.26",
	})
	if !errors.Is(err, update.ErrAckTimeout) {
		t.Fatalf("Expected ErrAckTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Ack timeout took %v, expected under 1s", elapsed)
	}
}

func TestLinkCloseFailsPendingCommands(t *testing.T) {
	link, agentConn, cleanup := newTestLink(t, LinkConfig{HostID: "host-1"}, nil, nil)
	defer cleanup()
	go link.Run(context.Background())

	respondingAgent(agentConn, func(msg *types.Message) *types.Message {
		return nil
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		link.Close()
	}()

	_, err := link.SendCommand(context.Background(), types.CommandUpdateContainer, types.UpdateCommand{
		HostID:      "host-1",
		ContainerID: "abc123def456",
		TargetImage: "nginx:1.26",
	})
	if !errors.Is(err, update.ErrAgentNotConnected) {
		t.Fatalf("Expected ErrAgentNotConnected after close, got %v", err)
	}
	if !link.Closed() {
		t.Error("Link should report closed")
	}
}

func TestLinkUpdateCompleteSignalsRegistry(t *testing.T) {
	registry := update.NewPendingRegistry(quietLog())
	sink := &recordingSink{}
	link, agentConn, cleanup := newTestLink(t, LinkConfig{HostID: "host-1"}, registry, sink)
	defer cleanup()
	go link.Run(context.Background())

	op := registry.Register("host-1", "abc123def456", "web")

	// The agent reports a bogus host id; the link must replace it with
	// the registered identity before signaling
	ev := protocol.NewEvent(types.EventUpdateComplete, types.UpdateCompleteEvent{
		HostID:         "spoofed-host",
		OldContainerID: "abc123def456",
		NewContainerID: "deadbeef0000",
		ContainerName:  "web",
		Success:        true,
	})
	data, err := protocol.EncodeMessage(ev)
	if err != nil {
		t.Fatalf("Failed to encode event: %v", err)
	}
	if err := agentConn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to write event: %v", err)
	}

	if err := registry.WaitForCompletion(context.Background(), op, 2*time.Second); err != nil {
		t.Fatalf("WaitForCompletion failed: %v", err)
	}
	if !op.Success {
		t.Error("Expected successful completion")
	}
	if op.NewContainerID != "deadbeef0000" {
		t.Errorf("Expected new container id deadbeef0000, got %q", op.NewContainerID)
	}

	waitFor(t, 2*time.Second, "update_complete broadcast", func() bool {
		return len(sink.snapshot()) > 0
	})
	got := sink.snapshot()[0]
	if got.name != types.EventUpdateComplete {
		t.Errorf("Expected %s broadcast, got %s", types.EventUpdateComplete, got.name)
	}
	complete, ok := got.payload.(types.UpdateCompleteEvent)
	if !ok {
		t.Fatalf("Expected UpdateCompleteEvent payload, got %T", got.payload)
	}
	if complete.HostID != "host-1" {
		t.Errorf("Expected host id host-1 after override, got %q", complete.HostID)
	}
}

func TestLinkProgressEventBroadcast(t *testing.T) {
	sink := &recordingSink{}
	link, agentConn, cleanup := newTestLink(t, LinkConfig{HostID: "host-1"}, nil, sink)
	defer cleanup()
	go link.Run(context.Background())

	ev := protocol.NewEvent(types.EventUpdateProgress, types.UpdateProgressEvent{
		ContainerID: "abc123def456",
		Stage:       "pulling",
		Percent:     15,
		Message:     "Pulling image",
	})
	data, err := protocol.EncodeMessage(ev)
	if err != nil {
		t.Fatalf("Failed to encode event: %v", err)
	}
	if err := agentConn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to write event: %v", err)
	}

	waitFor(t, 2*time.Second, "progress broadcast", func() bool {
		return len(sink.snapshot()) > 0
	})
	got := sink.snapshot()[0]
	progress, ok := got.payload.(types.UpdateProgressEvent)
	if !ok {
		t.Fatalf("Expected UpdateProgressEvent payload, got %T", got.payload)
	}
	if progress.HostID != "host-1" {
		t.Errorf("Expected link host id on progress event, got %q", progress.HostID)
	}
	if progress.Stage != "pulling" || progress.Percent != 15 {
		t.Errorf("Unexpected progress fields: %+v", progress)
	}
}

func TestLinkMalformedMessageIgnored(t *testing.T) {
	link, agentConn, cleanup := newTestLink(t, LinkConfig{HostID: "host-1"}, nil, nil)
	defer cleanup()
	go link.Run(context.Background())

	if err := agentConn.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatalf("Failed to write garbage: %v", err)
	}

	respondingAgent(agentConn, func(msg *types.Message) *types.Message {
		return protocol.NewCommandResponse(msg.ID, types.CommandAck{Status: "update_started"}, nil)
	})

	// The pump must survive the garbage frame and still route the ack
	if _, err := link.SendCommand(context.Background(), types.CommandUpdateContainer, types.UpdateCommand{
		HostID:      "host-1",
		ContainerID: "abc123def456",
		TargetImage: "nginx:1.26",
	}); err != nil {
		t.Fatalf("SendCommand after garbage frame failed: %v", err)
	}
}
