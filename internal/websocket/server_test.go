package websocket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saveenergy/tunnelbench/internal/bench"
	"github.com/saveenergy/tunnelbench/pkg/types"
)

func TestServerAllowedOriginWildcard(t *testing.T) {
	s := NewServer()
	defer s.Close()
	s.SetAllowedOrigins([]string{"*.example.com"})

	if !s.isAllowedOrigin("https://foo.example.com", "foo.example.com") {
		t.Fatalf("expected wildcard origin to be allowed")
	}
}

func TestServerAllowedOriginHostMatch(t *testing.T) {
	s := NewServer()
	defer s.Close()
	s.SetAllowedOrigins([]string{"foo.example.com"})

	if !s.isAllowedOrigin("https://foo.example.com:8443", "foo.example.com:8443") {
		t.Fatalf("expected host-only origin to be allowed")
	}
}

func TestServerSameOriginDefault(t *testing.T) {
	s := NewServer()
	defer s.Close()

	if !s.isAllowedOrigin("http://127.0.0.1:8787", "127.0.0.1:8787") {
		t.Fatal("expected same origin to be allowed")
	}
	if s.isAllowedOrigin("https://evil.example", "127.0.0.1:8787") {
		t.Fatal("expected cross origin to be rejected")
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestFeedReplaysBacklogAndStreams(t *testing.T) {
	s := NewServer()
	defer s.Close()
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s.Publish(bench.Event{Type: bench.EventRunStarted, RunID: "run-1", Total: 2})
	s.Publish(bench.Event{Type: bench.EventConfigStarted, RunID: "run-1", Config: "se-got-wg-001", Index: 1})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if msg := readEvent(t, conn); msg["type"] != "connected" || msg["backlog"] != float64(2) {
		t.Fatalf("unexpected greeting %v", msg)
	}
	if msg := readEvent(t, conn); msg["type"] != "run_started" {
		t.Fatalf("unexpected first backlog event %v", msg)
	}
	if msg := readEvent(t, conn); msg["config"] != "se-got-wg-001" {
		t.Fatalf("unexpected second backlog event %v", msg)
	}

	res := types.MeasurementResult{ServerName: "Bahnhof", ServerID: "3687", Download: 93.46, Ping: 12}
	s.Publish(bench.Event{Type: bench.EventMeasurement, RunID: "run-1", Config: "se-got-wg-001", Result: &res})
	msg := readEvent(t, conn)
	result, ok := msg["result"].(map[string]any)
	if msg["type"] != "measurement" || !ok || result["download_speed"] != 93.46 {
		t.Fatalf("unexpected live event %v", msg)
	}
}

func TestHealth(t *testing.T) {
	s := NewServer()
	defer s.Close()
	mux := http.NewServeMux()
	s.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("health: %d %s", rec.Code, rec.Body)
	}
}

func TestServeListenerStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeListener(ctx, ln, http.NotFoundHandler()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServeListener: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func dialFeed(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for s.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestCloseFlushesQueuedEvents(t *testing.T) {
	s := NewServer()
	conn := dialFeed(t, s)

	s.Publish(bench.Event{Type: bench.EventRunStarted, RunID: "run-1", Total: 1})
	s.Publish(bench.Event{Type: bench.EventRunFinished, RunID: "run-1", Total: 1})
	s.Close()

	if msg := readEvent(t, conn); msg["type"] != "connected" {
		t.Fatalf("unexpected greeting %v", msg)
	}
	if msg := readEvent(t, conn); msg["type"] != "run_started" {
		t.Fatalf("unexpected event %v", msg)
	}
	if msg := readEvent(t, conn); msg["type"] != "run_finished" {
		t.Fatalf("last event lost on close: %v", msg)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	if n := s.Clients(); n != 0 {
		t.Fatalf("clients after close = %d", n)
	}
}

func TestPublishDropsStalledClient(t *testing.T) {
	s := NewServer()
	defer s.Close()

	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	defer srv.Close()
	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()
	conn := <-conns

	// No writer drains an unbuffered queue, like a peer that stopped reading.
	stalled := &clientConn{conn: conn, send: make(chan []byte), closed: make(chan struct{})}
	s.mu.Lock()
	s.clients[conn] = stalled
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.Publish(bench.Event{Type: bench.EventRunStarted, RunID: "run-1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled client")
	}

	if n := s.Clients(); n != 0 {
		t.Fatalf("stalled client still registered: %d", n)
	}
	select {
	case <-stalled.closed:
	default:
		t.Fatal("stalled client was not closed")
	}
}
