// Package websocket publishes run progress to WebSocket subscribers.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saveenergy/tunnelbench/internal/bench"
	"github.com/saveenergy/tunnelbench/internal/logging"
)

const (
	writeTimeout  = 2 * time.Second
	backlogSize   = 256
	sendQueueSize = 64
)

// Server fans run events out to every connected client. Clients that
// connect mid-run first receive the events they missed. Each client has
// its own send queue; a client whose queue is full is disconnected.
type Server struct {
	upgrader       websocket.Upgrader
	clients        map[*websocket.Conn]*clientConn
	backlog        []json.RawMessage
	allowedOrigins []string
	pingInterval   time.Duration
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
	writers        sync.WaitGroup
	mu             sync.RWMutex
}

type clientConn struct {
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newClientConn(conn *websocket.Conn) *clientConn {
	return &clientConn{
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
}

func (c *clientConn) close() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func NewServer() *Server {
	server := &Server{
		clients:      make(map[*websocket.Conn]*clientConn),
		pingInterval: 30 * time.Second,
		stopCh:       make(chan struct{}),
	}
	server.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return server.isAllowedOrigin(r.Header.Get("Origin"), r.Host)
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	server.startPingLoop()
	return server
}

func (s *Server) SetAllowedOrigins(origins []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowedOrigins = origins
}

func (s *Server) SetPingInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingInterval = interval
}

// Register mounts GET /ws and GET /health on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.HandleFeed)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}

func (s *Server) HandleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("WebSocket upgrade error", logging.F("error", err))
		return
	}
	client := newClientConn(conn)
	defer client.close()

	// Clients only send control frames.
	conn.SetReadLimit(4096)

	// Snapshot and register under the lock so no event is missed or sent twice.
	s.mu.Lock()
	backlog := append([]json.RawMessage(nil), s.backlog...)
	s.clients[conn] = client
	s.writers.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.writers.Done()
		client.writeLoop(backlog)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.removeClient(conn)
}

// Publish implements bench.EventSink. It only queues; slow clients are
// dropped instead of delaying the run.
func (s *Server) Publish(e bench.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		logging.Warn("WebSocket event marshal failed",
			logging.F("type", e.Type), logging.F("error", err))
		return
	}

	s.mu.Lock()
	if e.Type == bench.EventRunStarted {
		s.backlog = s.backlog[:0]
	}
	if len(s.backlog) >= backlogSize {
		s.backlog = s.backlog[1:]
	}
	s.backlog = append(s.backlog, data)
	for conn, client := range s.clients {
		select {
		case client.send <- data:
		default:
			delete(s.clients, conn)
			client.close()
			logging.Warn("WebSocket client too slow, disconnecting",
				logging.F("remote", conn.RemoteAddr().String()))
		}
	}
	s.mu.Unlock()
}

// Clients returns the number of connected subscribers.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) startPingLoop() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		interval := s.getPingInterval()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.pingClients()
				next := s.getPingInterval()
				if next != interval {
					ticker.Stop()
					interval = next
					ticker = time.NewTicker(interval)
				}
			}
		}
	}()
}

// Close stops the ping loop, flushes every client's queue, sends a close
// frame and disconnects.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[*websocket.Conn]*clientConn)
	for _, client := range clients {
		close(client.send)
	}
	s.mu.Unlock()
	s.writers.Wait()
}

func (s *Server) getPingInterval() time.Duration {
	s.mu.RLock()
	interval := s.pingInterval
	s.mu.RUnlock()
	if interval <= 0 {
		return 30 * time.Second
	}
	return interval
}

func (s *Server) pingClients() {
	s.mu.RLock()
	refs := make([]*clientConn, 0, len(s.clients))
	for _, client := range s.clients {
		refs = append(refs, client)
	}
	s.mu.RUnlock()

	for _, client := range refs {
		if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
			s.removeClient(client.conn)
			client.close()
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, conn)
}

func (s *Server) isAllowedOrigin(origin string, host string) bool {
	if origin == "" {
		return true
	}

	s.mu.RLock()
	allowedOrigins := append([]string(nil), s.allowedOrigins...)
	s.mu.RUnlock()

	if len(allowedOrigins) == 0 {
		return sameOrigin(origin, host)
	}

	originHostValue := originHost(origin)
	for _, allowed := range allowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == "*" {
			return true
		}
		if strings.EqualFold(allowed, origin) {
			return true
		}
		if strings.HasPrefix(allowed, "*.") {
			suffix := strings.TrimPrefix(allowed, "*.")
			if originHostValue != "" && (originHostValue == suffix || strings.HasSuffix(originHostValue, "."+suffix)) {
				return true
			}
		}
		allowedHost := originHost(allowed)
		if allowedHost != "" && originHostValue != "" && strings.EqualFold(allowedHost, originHostValue) {
			return true
		}
	}
	return false
}

func sameOrigin(origin string, host string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(stripHostPort(parsed.Host), stripHostPort(host))
}

// originHost returns the lower-cased host of an origin or a bare host.
func originHost(origin string) string {
	if !strings.Contains(origin, "://") {
		origin = "http://" + origin
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return strings.ToLower(stripHostPort(parsed.Host))
}

func stripHostPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

type connectedMessage struct {
	Type    string `json:"type"`
	Time    int64  `json:"time"`
	Backlog int    `json:"backlog"`
}

// writeLoop is the only writer of data frames on c.conn. It sends the
// greeting and backlog, then the queue until it is closed.
func (c *clientConn) writeLoop(backlog []json.RawMessage) {
	defer c.close()
	if err := c.writeConnected(backlog); err != nil {
		return
	}
	for {
		select {
		case <-c.closed:
			return
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
					time.Now().Add(writeTimeout))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (c *clientConn) writeConnected(backlog []json.RawMessage) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(connectedMessage{Type: "connected", Time: time.Now().Unix(), Backlog: len(backlog)}); err != nil {
		return err
	}
	for _, data := range backlog {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// ServeListener runs an HTTP server for h on ln until ctx is done, then
// shuts it down gracefully.
func ServeListener(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logging.Info("progress feed listening", logging.F("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
