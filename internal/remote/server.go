package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/steveyegge/beads-live/internal/query"
	"github.com/steveyegge/beads-live/internal/store"
)

// maxMessageSize bounds a single frame; snapshots of expanded pages are large.
const maxMessageSize = 16 << 20

const writeTimeout = 5 * time.Second

// Backend is the store a Server exposes.
type Backend interface {
	Watch(ctx context.Context, q query.Query) (query.Subscription, error)
	Stats(ctx context.Context) (*store.Stats, error)
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":8080"; use "127.0.0.1:0" for a random port)
	Addr string

	// Logger for server activity (default: disabled)
	Logger *zerolog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{Addr: ":8080"}
}

// Server serves live queries to WebSocket clients and broadcasts store events
type Server struct {
	backend  Backend
	addr     string
	listener net.Listener
	server   *http.Server

	// WebSocket client management
	clients   map[*websocket.Conn]*client
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log zerolog.Logger
}

// client is one connection and the live queries it opened.
type client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	subs   map[string]query.Subscription
	closed bool
}

// NewServer creates a new WebSocket server over backend
func NewServer(backend Backend, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	addr := config.Addr
	if addr == "" {
		addr = ":8080"
	}
	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "server").Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		backend:   backend,
		addr:      addr,
		clients:   make(map[*websocket.Conn]*client),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
	}
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info().Str("addr", ln.Addr().String()).Msg("server listening")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("server error")
		}
	}()

	return nil
}

// Stop closes every connection and live query, then shuts the server down
func (s *Server) Stop() error {
	s.log.Info().Msg("stopping server")

	s.cancel()

	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for conn, c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()
	for _, c := range clients {
		c.release()
		_ = c.conn.Close(websocket.StatusGoingAway, "Server shutting down")
	}

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := s.server.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("server shutdown error: %w", serr)
		}
	}

	s.wg.Wait()
	s.log.Info().Msg("server stopped")
	return err
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.log.Warn().Str("type", string(msg.Type)).Msg("broadcast channel full, dropping message")
	}
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Error().Err(err).Msg("failed to marshal message")
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				if err := s.write(conn, data); err != nil {
					s.log.Debug().Err(err).Msg("failed to send to client")
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) writeMessage(conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.write(conn, data)
}

// handleWebSocket upgrades the connection and serves it until it closes
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &client{conn: conn, subs: make(map[string]query.Subscription)}
	s.clientsMu.Lock()
	s.clients[conn] = c
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Info().Int("clients", clientCount).Msg("client connected")

	if stats, err := s.backend.Stats(s.ctx); err == nil {
		if welcome, err := NewMessage(MessageTypeStats, "", stats); err == nil {
			_ = s.writeMessage(conn, welcome)
		}
	}

	s.readLoop(c)
}

// readLoop dispatches client requests until the connection fails
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c.conn)

	for {
		_, data, err := c.conn.Read(s.ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn().Err(err).Msg("ignoring malformed client message")
			continue
		}

		switch msg.Type {
		case MessageTypeWatch:
			s.openWatch(c, msg)
		case MessageTypeUnwatch:
			c.unwatch(msg.ID)
		default:
			s.log.Debug().Str("type", string(msg.Type)).Msg("ignoring client message")
		}
	}
}

// openWatch starts the live query named by msg.ID and streams its updates.
func (s *Server) openWatch(c *client, msg Message) {
	if msg.ID == "" {
		s.log.Warn().Msg("ignoring watch without id")
		return
	}
	if s.ctx.Err() != nil {
		return
	}

	var req WatchRequest
	err := msg.Decode(&req)
	var sub query.Subscription
	if err == nil {
		sub, err = s.backend.Watch(s.ctx, req.Query)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("watch", msg.ID).Msg("failed to open live query")
		s.sendUpdate(c.conn, msg.ID, query.Update{Status: query.StatusError, Err: err})
		return
	}

	if !c.add(msg.ID, sub) {
		sub.Close()
		return
	}
	s.log.Debug().Str("watch", msg.ID).Msg("live query opened")

	s.wg.Add(1)
	go s.stream(c, msg.ID, sub)
}

// stream forwards one subscription to the client. A stream that ends without
// a terminal update is reported as done.
func (s *Server) stream(c *client, id string, sub query.Subscription) {
	defer s.wg.Done()
	defer c.remove(id, sub)

	for u := range sub.Updates() {
		if err := s.sendUpdate(c.conn, id, u); err != nil {
			sub.Close()
			return
		}
		if u.Failed() {
			return
		}
	}
	if c.has(id, sub) {
		_ = s.sendUpdate(c.conn, id, query.Update{Status: query.StatusDone})
	}
}

func (s *Server) sendUpdate(conn *websocket.Conn, id string, u query.Update) error {
	msg, err := NewMessage(MessageTypeUpdate, id, u)
	if err != nil {
		return err
	}
	return s.writeMessage(conn, msg)
}

// removeClient safely removes a client connection and closes its live queries
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	c, exists := s.clients[conn]
	if !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	c.release()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.log.Info().Int("clients", clientCount).Msg("client disconnected")
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":        "ok",
		"clients":       s.ClientCount(),
		"subscriptions": s.SubscriptionCount(),
	})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>beads-live</title>
</head>
<body>
    <h1>beads-live server</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Send a <code>watch</code> message to open a live query.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// SubscriptionCount returns the number of open live queries across clients
func (s *Server) SubscriptionCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	n := 0
	for _, c := range s.clients {
		c.mu.Lock()
		n += len(c.subs)
		c.mu.Unlock()
	}
	return n
}

func (c *client) add(id string, sub query.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if old, ok := c.subs[id]; ok {
		old.Close()
	}
	c.subs[id] = sub
	return true
}

func (c *client) has(id string, sub query.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id] == sub
}

func (c *client) remove(id string, sub query.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[id] == sub {
		delete(c.subs, id)
	}
}

func (c *client) unwatch(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *client) release() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]query.Subscription)
	c.closed = true
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
