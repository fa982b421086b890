package ws

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBroadcast_DeliversToClients(t *testing.T) {
	hub := NewHub(testLogger())
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn := dial(t, url)
	defer conn.Close()
	waitFor(t, func() bool { return hub.clientCount() == 1 }, "client never registered")

	hub.Broadcast(Message{Type: "trade_executed", MarketID: "m1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if !strings.Contains(string(data), `"market_id":"m1"`) {
		t.Errorf("unexpected payload: %s", data)
	}
}

func TestBroadcast_SurvivesDroppedConnection(t *testing.T) {
	hub := NewHub(testLogger())
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	alive := dial(t, url)
	defer alive.Close()
	dropped := dial(t, url)
	waitFor(t, func() bool { return hub.clientCount() == 2 }, "clients never registered")

	// Kill the second connection under the hub, then keep broadcasting.
	dropped.UnderlyingConn().Close()
	hub.Broadcast(Message{Type: "trade_executed", MarketID: "m1"})
	waitFor(t, func() bool { return hub.clientCount() == 1 }, "dead client never removed")

	hub.Broadcast(Message{Type: "market_resolved", MarketID: "m2"})

	alive.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := alive.ReadMessage()
		if err != nil {
			t.Fatalf("surviving client read: %v", err)
		}
		if strings.Contains(string(data), `"market_id":"m2"`) {
			return
		}
	}
}
