// Package broker implements a minimal WebSocket topic broker: clients
// subscribe to topic strings and publications fan out to every subscriber.
// It stands in for the external MQTT-over-WebSocket broker the mobile app
// talks to, and backs the channel package's tests.
package broker

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"conecta-bridge/middleware"
	"conecta-bridge/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	topicsMu sync.RWMutex
	topics   map[string]bool
}

type publication struct {
	topic   string
	payload string
}

type Hub struct {
	clients     map[*client]bool
	publish     chan publication
	register    chan *client
	unregister  chan *client
	requireAuth bool
	mu          sync.RWMutex
	log         zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		publish:    make(chan publication, 256),
		register:   make(chan *client, 16),
		unregister: make(chan *client, 16),
		log:        log,
	}
}

// RequireAuth makes HandleWebSocket reject upgrades without a valid token
// query parameter. Call before the hub starts serving.
func (h *Hub) RequireAuth() {
	h.requireAuth = true
}

func (h *Hub) Run() {
	h.log.Info().Msg("hub started")
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Str("client", c.id).Int("clients", count).Msg("client registered")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Str("client", c.id).Int("clients", count).Msg("client unregistered")

		case pub := <-h.publish:
			h.deliver(pub)
		}
	}
}

func (h *Hub) deliver(pub publication) {
	data, err := json.Marshal(models.Frame{
		Type:    models.FrameMessage,
		Topic:   pub.topic,
		Payload: pub.payload,
	})
	if err != nil {
		return
	}

	var stale []*client
	sent := 0
	h.mu.RLock()
	for c := range h.clients {
		if !c.isSubscribed(pub.topic) {
			continue
		}
		select {
		case c.send <- data:
			sent++
		default:
			h.log.Warn().Str("client", c.id).Msg("client buffer full, marking stale")
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	if len(stale) > 0 {
		h.mu.Lock()
		for _, c := range stale {
			if _, ok := h.clients[c]; ok {
				close(c.send)
				delete(h.clients, c)
			}
		}
		h.mu.Unlock()
	}

	h.log.Debug().Str("topic", pub.topic).Int("subscribers", sent).Msg("delivered")
}

// Publish routes a payload to every client subscribed to topic.
func (h *Hub) Publish(topic, payload string) {
	h.publish <- publication{topic: topic, payload: payload}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := uuid.NewString()

	if h.requireAuth {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "Token required", http.StatusUnauthorized)
			return
		}
		claims, err := middleware.ValidateToken(token)
		if err != nil {
			h.log.Warn().Str("remote", r.RemoteAddr).Err(err).Msg("rejected connection: invalid token")
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		clientID = claims.ClientID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Str("remote", r.RemoteAddr).Err(err).Msg("upgrade failed")
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		id:     clientID,
		topics: make(map[string]bool),
	}

	welcome, _ := json.Marshal(models.Frame{Type: models.FrameWelcome})
	if err := conn.WriteMessage(websocket.TextMessage, welcome); err != nil {
		h.log.Warn().Str("client", c.id).Err(err).Msg("welcome write failed")
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()

	h.register <- c
}

func (c *client) isSubscribed(topic string) bool {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	return c.topics[topic]
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Warn().Str("client", c.id).Err(err).Msg("read error")
			}
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.hub.log.Warn().Str("client", c.id).Err(err).Msg("bad frame")
			continue
		}

		switch frame.Type {
		case models.FramePublish:
			c.hub.Publish(frame.Topic, frame.Payload)
		case models.FrameSubscribe:
			c.topicsMu.Lock()
			for _, t := range frame.Topics {
				c.topics[t] = true
			}
			c.topicsMu.Unlock()
			c.hub.log.Debug().Str("client", c.id).Strs("topics", frame.Topics).Msg("subscribed")
		case models.FrameUnsubscribe:
			c.topicsMu.Lock()
			for _, t := range frame.Topics {
				delete(c.topics, t)
			}
			c.topicsMu.Unlock()
		default:
			c.hub.log.Debug().Str("client", c.id).Str("type", frame.Type).Msg("unknown frame type")
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
