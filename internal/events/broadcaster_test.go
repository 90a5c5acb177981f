package events

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// subscriber dials the test server and returns both conn ends.
type subscriber struct {
	client *websocket.Conn
	server *websocket.Conn
}

func newSubscriber(t *testing.T) (*subscriber, func()) {
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
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("Failed to dial: %v", err)
	}

	var server *websocket.Conn
	select {
	case server = <-connCh:
	case <-time.After(2 * time.Second):
		client.Close()
		srv.Close()
		t.Fatal("Timed out waiting for server conn")
	}

	sub := &subscriber{client: client, server: server}
	cleanup := func() {
		client.Close()
		server.Close()
		srv.Close()
	}
	return sub, cleanup
}

func (s *subscriber) readEvent(t *testing.T) Event {
	t.Helper()
	s.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := s.client.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	return ev
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster(quietLog())

	first, cleanup1 := newSubscriber(t)
	defer cleanup1()
	second, cleanup2 := newSubscriber(t)
	defer cleanup2()

	if err := b.AddConnection(first.server); err != nil {
		t.Fatalf("AddConnection failed: %v", err)
	}
	if err := b.AddConnection(second.server); err != nil {
		t.Fatalf("AddConnection failed: %v", err)
	}

	b.Broadcast("update_progress", map[string]interface{}{"stage": "pulling", "percent": 15})

	for _, sub := range []*subscriber{first, second} {
		ev := sub.readEvent(t)
		if ev.Type != "update_progress" {
			t.Errorf("Expected update_progress, got %q", ev.Type)
		}
		if ev.Timestamp.IsZero() {
			t.Error("Expected a timestamp on the envelope")
		}
	}
}

func TestBroadcastDropsDeadSubscribers(t *testing.T) {
	b := NewBroadcaster(quietLog())

	live, cleanup1 := newSubscriber(t)
	defer cleanup1()
	dead, cleanup2 := newSubscriber(t)
	defer cleanup2()

	b.AddConnection(live.server)
	b.AddConnection(dead.server)

	// Kill the server side so writes to it fail
	dead.server.Close()

	b.Broadcast("container_event", map[string]string{"action": "die"})
	live.readEvent(t)

	deadline := time.Now().Add(2 * time.Second)
	for b.ConnectionCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := b.ConnectionCount(); got != 1 {
		t.Errorf("Expected 1 subscriber after dead cleanup, got %d", got)
	}
}

func TestSubscriberLimit(t *testing.T) {
	b := NewBroadcaster(quietLog())
	b.maxConnections = 1

	first, cleanup1 := newSubscriber(t)
	defer cleanup1()
	second, cleanup2 := newSubscriber(t)
	defer cleanup2()

	if err := b.AddConnection(first.server); err != nil {
		t.Fatalf("First subscriber should be accepted: %v", err)
	}
	if err := b.AddConnection(second.server); !errors.Is(err, ErrSubscriberLimit) {
		t.Fatalf("Expected ErrSubscriberLimit, got %v", err)
	}
}

func TestRemoveConnection(t *testing.T) {
	b := NewBroadcaster(quietLog())
	sub, cleanup := newSubscriber(t)
	defer cleanup()

	b.AddConnection(sub.server)
	b.RemoveConnection(sub.server)

	if got := b.ConnectionCount(); got != 0 {
		t.Errorf("Expected 0 subscribers, got %d", got)
	}
}

func TestCloseAll(t *testing.T) {
	b := NewBroadcaster(quietLog())
	first, cleanup1 := newSubscriber(t)
	defer cleanup1()
	second, cleanup2 := newSubscriber(t)
	defer cleanup2()

	b.AddConnection(first.server)
	b.AddConnection(second.server)
	b.CloseAll()

	if got := b.ConnectionCount(); got != 0 {
		t.Errorf("Expected 0 subscribers after CloseAll, got %d", got)
	}

	// Client reads should fail once the server side is closed
	first.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.client.ReadMessage(); err == nil {
		t.Error("Expected read error after CloseAll")
	}
}
