package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// relayServer is a minimal stand-in for the relay: every event received
// from any client is rebroadcast to all connected clients.
type relayServer struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newRelayServer() *relayServer {
	return &relayServer{conns: make(map[*websocket.Conn]struct{})}
}

func (r *relayServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			return
		}

		r.mu.Lock()
		for c := range r.conns {
			_ = c.WriteJSON(event)
		}
		r.mu.Unlock()
	}
}

func TestWSFeedPublishReachesSubscribers(t *testing.T) {
	server := httptest.NewServer(newRelayServer())
	t.Cleanup(server.Close)
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	sender, err := DialWSFeed(url)
	if err != nil {
		t.Fatalf("dial sender feed: %v", err)
	}
	t.Cleanup(func() { _ = sender.Close() })

	receiver, err := DialWSFeed(url)
	if err != nil {
		t.Fatalf("dial receiver feed: %v", err)
	}
	t.Cleanup(func() { _ = receiver.Close() })

	events := make(chan Event, 1)
	sub := receiver.Subscribe(ResourceMessages, "conv-1", func(event Event) {
		events <- event
	})
	defer sub.Close()

	if err := sender.Publish(Event{
		Resource: ResourceMessages,
		Action:   ActionInsert,
		Filter:   "conv-1",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case event := <-events:
		if event.Action != ActionInsert {
			t.Fatalf("expected insert action, got %q", event.Action)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for relayed event")
	}
}

func TestWSFeedPublishAfterCloseFails(t *testing.T) {
	server := httptest.NewServer(newRelayServer())
	t.Cleanup(server.Close)
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	feed, err := DialWSFeed(url)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}

	if err := feed.Close(); err != nil {
		t.Fatalf("close feed: %v", err)
	}
	if err := feed.Publish(Event{Resource: ResourceMessages}); err == nil {
		t.Fatalf("expected error publishing on closed feed")
	}
}
