package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gavelhouse/gavel/internal/realtime"
)

// frame mirrors the wire format the client transport speaks
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// hub fans auction events out to connected WebSocket clients and
// answers presence subscriptions with rosters and join/leave notices
type hub struct {
	mu       sync.Mutex
	upgrader websocket.Upgrader
	clients  map[*client]bool
}

type client struct {
	id       string
	member   realtime.Member
	conn     *websocket.Conn
	send     chan []byte
	channels map[string]bool
	hub      *hub
}

func newHub() *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
	}
}

// handleWS upgrades a connection and runs its pumps
func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "anonymous"
	}

	c := &client{
		id:       uuid.New().String(),
		member:   realtime.Member{ID: uuid.New().String()[:8], Name: name},
		conn:     conn,
		send:     make(chan []byte, 64),
		channels: make(map[string]bool),
		hub:      h,
	}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	log.Info().Str("client_id", c.id).Str("name", name).Msg("client connected")

	go c.writePump()
	go c.readPump()
}

// broadcast sends an event to every client subscribed to the channel
func (h *hub) broadcast(channel, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to marshal broadcast payload")
		return
	}
	message, err := json.Marshal(frame{Event: event, Channel: channel, Data: data})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal frame")
		return
	}

	h.mu.Lock()
	var targets []*client
	for c := range h.clients {
		if c.channels[channel] {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- message:
		default:
			log.Warn().Str("client_id", c.id).Msg("send buffer full, dropping client")
			h.drop(c)
		}
	}

	log.Debug().
		Str("channel", channel).
		Str("event", event).
		Int("clients", len(targets)).
		Msg("event broadcast")
}

// roster returns the members subscribed to a presence channel
func (h *hub) roster(channel string) []realtime.Member {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := make([]realtime.Member, 0)
	for c := range h.clients {
		if c.channels[channel] {
			members = append(members, c.member)
		}
	}
	return members
}

func (h *hub) drop(c *client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	channels := make([]string, 0, len(c.channels))
	for name := range c.channels {
		channels = append(channels, name)
	}
	h.mu.Unlock()

	close(c.send)
	c.conn.Close()

	for _, name := range channels {
		if isPresenceChannel(name) {
			h.broadcast(name, "presence.leaving", c.member)
		}
	}
	log.Info().Str("client_id", c.id).Msg("client disconnected")
}

func isPresenceChannel(name string) bool {
	return strings.HasPrefix(name, "presence-")
}

func (c *client) readPump() {
	defer c.hub.drop(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("unexpected close")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		c.handleFrame(message)
	}
}

func (c *client) handleFrame(message []byte) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		log.Warn().Err(err).Str("client_id", c.id).Msg("dropping bad frame")
		return
	}

	switch f.Event {
	case "subscribe":
		c.hub.mu.Lock()
		c.channels[f.Channel] = true
		c.hub.mu.Unlock()

		if isPresenceChannel(f.Channel) {
			members := c.hub.roster(f.Channel)
			c.sendEvent(f.Channel, "presence.here", map[string]any{"members": members})
			c.hub.broadcast(f.Channel, "presence.joining", c.member)
		}
		log.Debug().Str("client_id", c.id).Str("channel", f.Channel).Msg("subscribed")

	case "unsubscribe":
		c.hub.mu.Lock()
		delete(c.channels, f.Channel)
		c.hub.mu.Unlock()

		if isPresenceChannel(f.Channel) {
			c.hub.broadcast(f.Channel, "presence.leaving", c.member)
		}
		log.Debug().Str("client_id", c.id).Str("channel", f.Channel).Msg("unsubscribed")

	default:
		log.Debug().Str("client_id", c.id).Str("event", f.Event).Msg("ignoring client frame")
	}
}

func (c *client) sendEvent(channel, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	message, err := json.Marshal(frame{Event: event, Channel: channel, Data: data})
	if err != nil {
		return
	}
	select {
	case c.send <- message:
	default:
	}
}

func (c *client) writePump() {
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Warn().Err(err).Str("client_id", c.id).Msg("write failed")
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
