// Package channel owns the publish/subscribe transport lifecycle: a single
// WebSocket connection to the broker, connection-state queries, raw publish
// and subscribe primitives, and fan-out of inbound messages to registered
// handlers.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"conecta-bridge/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
)

// ErrNotConnected is returned by Publish when the connection is not in
// StatusConnected. No queuing and no retry happen on this path.
var ErrNotConnected = errors.New("channel: not connected")

// Status is the connection state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Handler receives one inbound message per invocation.
type Handler func(topic, payload string)

// Backoff bounds the reconnect loop. MaxRetries 0 disables reconnection,
// matching the original client which never retried.
type Backoff struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.BaseDelay
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type statusEntry struct {
	id uint64
	fn func(Status)
}

// Conn is a connection to the broker. Construct with New, start with
// Connect; the connection result is observed via Status and OnStatus.
type Conn struct {
	url     string
	token   string
	backoff Backoff
	log     zerolog.Logger
	dialer  *websocket.Dialer

	done chan struct{} // closed once on Close

	mu        sync.Mutex
	status    Status
	ws        *websocket.Conn
	closed    bool
	running   bool
	topics    map[string]bool
	handlers  []handlerEntry
	statusFns []statusEntry
	nextID    uint64

	writeMu sync.Mutex
}

// Option configures a Conn.
type Option func(*Conn)

// WithToken appends a token query parameter to the dial URL, for brokers
// that require authenticated connections.
func WithToken(token string) Option {
	return func(c *Conn) { c.token = token }
}

// WithBackoff sets the reconnect bounds.
func WithBackoff(b Backoff) Option {
	return func(c *Conn) { c.backoff = b }
}

// WithLogger sets the connection logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Conn) { c.log = log }
}

// New builds a Conn for the given ws:// or wss:// endpoint. It does not dial.
func New(url string, opts ...Option) *Conn {
	c := &Conn{
		url:    url,
		log:    zerolog.Nop(),
		dialer: websocket.DefaultDialer,
		topics: make(map[string]bool),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts the connection loop. Idempotent: calling while already
// connecting or connected does not create a second transport.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.closed || c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()
	c.notifyStatus(StatusConnecting)

	go c.run()
}

// Status returns the current connection status. Safe to call at any time.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Publish sends payload on topic. It fails immediately when the connection
// is not established or the transport reports a write error; nothing is
// queued and nothing is retried.
func (c *Conn) Publish(topic, payload string) error {
	c.mu.Lock()
	if c.status != StatusConnected || c.ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ws := c.ws
	c.mu.Unlock()

	frame := models.Frame{Type: models.FramePublish, Topic: topic, Payload: payload}
	if err := c.writeFrame(ws, frame); err != nil {
		c.log.Warn().Str("topic", topic).Err(err).Msg("publish failed")
		return fmt.Errorf("channel: publish on %s: %w", topic, err)
	}
	c.log.Debug().Str("topic", topic).Msg("published")
	return nil
}

// Subscribe adds topics to the desired subscription set and, when connected,
// registers the new ones with the broker. Re-subscribing to an already
// subscribed topic is a no-op. The desired set is re-sent after every
// reconnect, since broker subscriptions do not survive a transport drop.
func (c *Conn) Subscribe(topics ...string) error {
	c.mu.Lock()
	var added []string
	for _, t := range topics {
		if !c.topics[t] {
			c.topics[t] = true
			added = append(added, t)
		}
	}
	ws := c.ws
	connected := c.status == StatusConnected && ws != nil
	c.mu.Unlock()

	if len(added) == 0 || !connected {
		return nil
	}
	frame := models.Frame{Type: models.FrameSubscribe, Topics: added}
	if err := c.writeFrame(ws, frame); err != nil {
		return fmt.Errorf("channel: subscribe: %w", err)
	}
	return nil
}

// OnEvent registers a handler invoked once per inbound message. Handlers
// fire in registration order; the returned subscription revokes the
// registration on Cancel.
func (c *Conn) OnEvent(h Handler) *Subscription {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, handlerEntry{id: id, fn: h})
	c.mu.Unlock()

	return newSubscription(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.handlers {
			if e.id == id {
				c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
				return
			}
		}
	})
}

// OnStatus registers a handler invoked on every status transition.
func (c *Conn) OnStatus(fn func(Status)) *Subscription {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.statusFns = append(c.statusFns, statusEntry{id: id, fn: fn})
	c.mu.Unlock()

	return newSubscription(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.statusFns {
			if e.id == id {
				c.statusFns = append(c.statusFns[:i], c.statusFns[i+1:]...)
				return
			}
		}
	})
}

// Close tears the connection down and stops any reconnect attempts.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		ws.Close()
	}
	c.notifyStatus(StatusDisconnected)
}

func (c *Conn) run() {
	attempt := 0
	for {
		ws, err := c.dial()
		if err != nil {
			attempt++
			c.log.Warn().Int("attempt", attempt).Err(err).Msg("dial failed")
			if attempt > c.backoff.MaxRetries {
				c.finish(StatusError)
				return
			}
			if !c.sleep(c.backoff.delay(attempt)) {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			return
		}
		c.ws = ws
		desired := make([]string, 0, len(c.topics))
		for t := range c.topics {
			desired = append(desired, t)
		}
		c.setStatusLocked(StatusConnected)
		c.mu.Unlock()
		c.notifyStatus(StatusConnected)

		c.log.Info().Str("url", c.url).Msg("connected")
		attempt = 0

		// Re-arm subscriptions; they do not survive a reconnect.
		if len(desired) > 0 {
			frame := models.Frame{Type: models.FrameSubscribe, Topics: desired}
			if err := c.writeFrame(ws, frame); err != nil {
				c.log.Warn().Err(err).Msg("subscribe after connect failed")
			}
		}

		quit := make(chan struct{})
		go c.pingLoop(ws, quit)
		c.readLoop(ws)
		close(quit)

		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		closed := c.closed
		c.mu.Unlock()
		ws.Close()

		if closed {
			return
		}
		c.log.Info().Msg("connection lost")
		if c.backoff.MaxRetries == 0 {
			c.finish(StatusDisconnected)
			return
		}
		c.setStatus(StatusConnecting)
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	url := c.url
	if c.token != "" {
		url += "?token=" + c.token
	}
	ws, _, err := c.dialer.Dial(url, nil)
	return ws, err
}

// sleep waits for d, returning false if the connection was closed meanwhile.
func (c *Conn) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.done:
		return false
	}
}

// finish ends the run loop with a terminal status.
func (c *Conn) finish(s Status) {
	c.mu.Lock()
	c.running = false
	c.setStatusLocked(s)
	c.mu.Unlock()
	c.notifyStatus(s)
}

func (c *Conn) setStatus(s Status) {
	c.mu.Lock()
	c.setStatusLocked(s)
	c.mu.Unlock()
	c.notifyStatus(s)
}

// setStatusLocked updates the status without firing handlers; callers that
// hold the lock must notify after releasing it.
func (c *Conn) setStatusLocked(s Status) {
	c.status = s
}

func (c *Conn) notifyStatus(s Status) {
	c.mu.Lock()
	fns := make([]func(Status), len(c.statusFns))
	for i, e := range c.statusFns {
		fns[i] = e.fn
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Warn().Err(err).Msg("bad frame")
			continue
		}
		if frame.Type != models.FrameMessage {
			continue
		}
		c.fanout(frame.Topic, frame.Payload)
	}
}

func (c *Conn) fanout(topic, payload string) {
	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers))
	for i, e := range c.handlers {
		handlers[i] = e.fn
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn, quit chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-quit:
			return
		}
	}
}

func (c *Conn) writeFrame(ws *websocket.Conn, frame models.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}
