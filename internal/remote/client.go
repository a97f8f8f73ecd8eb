package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/steveyegge/beads-live/internal/query"
)

var (
	// ErrNotConnected is returned by Watch while the client has no connection.
	ErrNotConnected = errors.New("not connected")

	// ErrDisconnected ends every live query when the connection drops.
	ErrDisconnected = errors.New("connection lost")
)

// ClientConfig holds client configuration
type ClientConfig struct {
	// URL of the server WebSocket endpoint, e.g. ws://localhost:8080/ws
	URL string

	// DialTimeout bounds a single connection attempt
	DialTimeout time.Duration

	// InitialBackoff and MaxBackoff bound the delay between reconnect attempts
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnConnect, if set, runs after every successful connection
	OnConnect func()

	// OnEvent, if set, receives broadcast messages (entity, sync, stats)
	OnEvent func(Message)

	// Logger for client activity (default: disabled)
	Logger *zerolog.Logger
}

// DefaultClientConfig returns sensible defaults for url
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:            url,
		DialTimeout:    5 * time.Second,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Client consumes live queries from a Server. It reconnects on its own; live
// queries do not survive a reconnect and end with ErrDisconnected.
type Client struct {
	config *ClientConfig
	log    zerolog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	subs  map[string]*remoteSub
	ready chan struct{} // closed while connected

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client. Call Start to connect.
func NewClient(config *ClientConfig) *Client {
	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "client").Logger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config: config,
		log:    log,
		subs:   make(map[string]*remoteSub),
		ready:  make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins connecting in the background
func (c *Client) Start() {
	c.wg.Add(1)
	go c.connectLoop()
}

// Close disconnects and ends every live query
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	c.wg.Wait()
	return nil
}

// Connected reports whether the client currently holds a connection
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// WaitConnected blocks until the client is connected or ctx ends
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrNotConnected
	}
}

func (c *Client) connectLoop() {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.InitialBackoff
	bo.MaxInterval = c.config.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			c.log.Debug().Err(err).Dur("retry_in", wait).Msg("connect failed")
			select {
			case <-time.After(wait):
				continue
			case <-c.ctx.Done():
				return
			}
		}
		bo.Reset()

		c.mu.Lock()
		c.conn = conn
		close(c.ready)
		c.mu.Unlock()
		c.log.Info().Str("url", c.config.URL).Msg("connected")

		if c.config.OnConnect != nil {
			c.config.OnConnect()
		}

		err = c.readLoop(conn)
		c.dropConn(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("connection lost")
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, c.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.config.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("ignoring malformed server message")
			continue
		}

		if msg.Type != MessageTypeUpdate {
			if c.config.OnEvent != nil {
				c.config.OnEvent(msg)
			}
			continue
		}

		var u query.Update
		if err := msg.Decode(&u); err != nil {
			c.log.Warn().Err(err).Str("watch", msg.ID).Msg("ignoring malformed update")
			continue
		}
		c.mu.Lock()
		sub := c.subs[msg.ID]
		if sub != nil && u.Failed() {
			delete(c.subs, msg.ID)
		}
		c.mu.Unlock()
		if sub != nil {
			sub.deliver(u)
		}
	}
}

// dropConn forgets conn and fails its live queries.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.ready = make(chan struct{})
	subs := c.subs
	c.subs = make(map[string]*remoteSub)
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	for _, sub := range subs {
		sub.deliver(query.Update{Status: query.StatusError, Err: ErrDisconnected})
	}
}

// Watch opens a live query on the server. The subscription ends when ctx
// ends, on Close, or when the connection drops.
func (c *Client) Watch(ctx context.Context, q query.Query) (query.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	sub := &remoteSub{
		client:  c,
		conn:    conn,
		id:      ulid.Make().String(),
		updates: make(chan query.Update, 1),
		done:    make(chan struct{}),
	}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	msg, err := NewMessage(MessageTypeWatch, sub.id, WatchRequest{Query: q})
	if err == nil {
		err = c.write(conn, msg)
	}
	if err != nil {
		c.forget(sub)
		return nil, fmt.Errorf("failed to open live query: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (c *Client) write(conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// forget removes sub and reports whether it was still registered.
func (c *Client) forget(sub *remoteSub) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[sub.id] != sub {
		return false
	}
	delete(c.subs, sub.id)
	return true
}

// SubscriptionCount returns the number of open live queries
func (c *Client) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// remoteSub is a live query held open on the server. Undelivered snapshots
// are replaced by newer ones.
type remoteSub struct {
	client *Client
	conn   *websocket.Conn
	id     string

	mu      sync.Mutex
	updates chan query.Update
	done    chan struct{}
	closed  bool
}

func (s *remoteSub) Updates() <-chan query.Update {
	return s.updates
}

func (s *remoteSub) deliver(u query.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.updates:
	default:
	}
	s.updates <- u
	if u.Failed() {
		s.closeLocked()
	}
}

func (s *remoteSub) closeLocked() {
	s.closed = true
	close(s.updates)
	close(s.done)
}

func (s *remoteSub) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closeLocked()
	s.mu.Unlock()

	if !s.client.forget(s) {
		return
	}
	go func() {
		msg, err := NewMessage(MessageTypeUnwatch, s.id, nil)
		if err != nil {
			return
		}
		if err := s.client.write(s.conn, msg); err != nil {
			s.client.log.Debug().Err(err).Str("watch", s.id).Msg("failed to send unwatch")
		}
	}()
}
