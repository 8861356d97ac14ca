package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/robot-starter/internal/infrastructure/config"
	"github.com/nerrad567/robot-starter/internal/infrastructure/logging"
)

// Message types exchanged with WebSocket clients.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeStatus      = "status"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Broadcast channels. Supervisor events go out on ChannelPrefix+<event
// type>, e.g. "round.state_changed"; ChannelAll matches all of them.
const (
	ChannelPrefix = "round."
	ChannelAll    = "round.*"
	ChannelAck    = "command.ack"
)

// outboxSize bounds how far a slow client may fall behind before
// broadcasts to it are dropped.
const outboxSize = 256

// WSMessage is the envelope for every frame in both directions.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// inbound mirrors WSMessage with the payload left undecoded.
type inbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are policed by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub tracks connected WebSocket clients and fans broadcasts out to the
// ones subscribed to each channel.
type Hub struct {
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub creates an empty hub.
func NewHub(_ config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shutdown()
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.shutdown()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Broadcast sends payload as an event frame on channel. Clients whose
// outbox is full miss the frame.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: now(),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.wants(channel) {
			c.enqueue(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type wsClient struct {
	hub      *Hub
	conn     *websocket.Conn
	subject  string     // token subject, empty when auth is off
	snapshot func() any // answers status frames

	// outbox is closed by shutdown; done guards enqueue against the close.
	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	channels map[string]struct{}
}

// handleWebSocket upgrades an already-authenticated request.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		hub:      s.hub,
		conn:     conn,
		snapshot: func() any { return s.status.Status() },
		outbox:   make(chan []byte, outboxSize),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		c.subject = claims.Subject
	}

	s.hub.add(c)
	go c.writeLoop(s.wsCfg)
	go c.readLoop(s.wsCfg)
}

func (c *wsClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.outbox <- data:
	default:
	}
}

func (c *wsClient) readLoop(cfg config.WebSocketConfig) {
	defer c.hub.remove(c)

	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	extend() //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "subject", c.subject, "error", err)
			}
			return
		}
		// Application frames count as liveness for clients that ignore pings.
		extend() //nolint:errcheck
		c.handle(data)
	}
}

func (c *wsClient) writeLoop(cfg config.WebSocketConfig) {
	ping := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer ping.Stop()
	writeWait := time.Duration(cfg.PongTimeout) * time.Second

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write reports it
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-c.done:
			write(websocket.CloseMessage, nil) //nolint:errcheck // connection is going away
			return
		case data := <-c.outbox:
			if err := write(websocket.TextMessage, data); err != nil {
				c.shutdown()
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *wsClient) handle(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, errorBody("invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &sub) != nil {
			c.reply(msg.ID, WSTypeError, errorBody("invalid "+msg.Type+" payload"))
			return
		}
		subscribing := msg.Type == WSTypeSubscribe
		c.setChannels(sub.Channels, subscribing)
		key := "unsubscribed"
		if subscribing {
			key = "subscribed"
			c.hub.logger.Info("websocket client subscribed", "channels", sub.Channels, "subject", c.subject)
		}
		c.reply(msg.ID, WSTypeResponse, map[string]any{key: sub.Channels})
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	case WSTypeStatus:
		c.reply(msg.ID, WSTypeStatus, c.snapshot())
	default:
		c.reply(msg.ID, WSTypeError, errorBody("unknown message type: "+msg.Type))
	}
}

func (c *wsClient) setChannels(channels []string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		if on {
			c.channels[ch] = struct{}{}
		} else {
			delete(c.channels, ch)
		}
	}
}

// wants reports whether channel is subscribed, directly or via ChannelAll.
func (c *wsClient) wants(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.channels[channel]; ok {
		return true
	}
	_, all := c.channels[ChannelAll]
	return all && strings.HasPrefix(channel, ChannelPrefix)
}

func (c *wsClient) reply(id, kind string, payload any) {
	data, err := json.Marshal(WSMessage{Type: kind, ID: id, Timestamp: now(), Payload: payload})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"message": msg}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
