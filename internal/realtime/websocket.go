package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketConfig holds configuration for the WebSocket transport
type WebSocketConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
}

// DefaultWebSocketConfig returns default WebSocket transport configuration
func DefaultWebSocketConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// wsFrame is the wire format: one JSON object per message
type wsFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Names of the protocol-level presence events carried inside a
// presence channel's frame stream
const (
	presenceHereEvent    = "presence.here"
	presenceJoiningEvent = "presence.joining"
	presenceLeavingEvent = "presence.leaving"
)

// WebSocketTransport implements Transport over a single WebSocket
// connection carrying JSON frames multiplexed by channel name
type WebSocketTransport struct {
	mu      sync.Mutex
	writeMu sync.Mutex

	config   WebSocketConfig
	conn     *websocket.Conn
	channels map[string]*localChannel
	closed   bool
	gen      int // invalidates pumps from a previous connection

	onConnect    func()
	onDisconnect func(err error)
	onError      func(err error)
}

// NewWebSocketTransport creates a disconnected transport; call Connect
func NewWebSocketTransport(config WebSocketConfig) *WebSocketTransport {
	return &WebSocketTransport{
		config:   config,
		channels: make(map[string]*localChannel),
	}
}

// Connect dials the server and starts the read and ping pumps. All
// channels subscribed before or across a reconnect are (re)announced.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: t.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.config.URL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.gen++
	gen := t.gen
	names := make([]string, 0, len(t.channels))
	for name := range t.channels {
		names = append(names, name)
	}
	onConnect := t.onConnect
	t.mu.Unlock()

	for _, name := range names {
		if err := t.writeFrame(wsFrame{Event: "subscribe", Channel: name}); err != nil {
			log.Warn().Err(err).Str("channel", name).Msg("failed to announce subscription")
		}
	}

	go t.readPump(conn, gen)
	go t.pingPump(conn, gen)

	log.Info().Str("url", t.config.URL).Msg("websocket transport connected")
	if onConnect != nil {
		onConnect()
	}
	return nil
}

// Channel subscribes to a public channel, announcing it on first use
func (t *WebSocketTransport) Channel(name string) Channel {
	return t.channel(name, false)
}

// PresenceChannel subscribes to a presence channel
func (t *WebSocketTransport) PresenceChannel(name string) PresenceChannel {
	return t.channel(name, true)
}

func (t *WebSocketTransport) channel(name string, presence bool) *localChannel {
	t.mu.Lock()
	ch, ok := t.channels[name]
	if !ok {
		ch = &localChannel{name: name, presence: presence, handlers: make(map[string][]func([]byte))}
		t.channels[name] = ch
	}
	connected := t.conn != nil
	t.mu.Unlock()

	if !ok && connected {
		if err := t.writeFrame(wsFrame{Event: "subscribe", Channel: name}); err != nil {
			log.Warn().Err(err).Str("channel", name).Msg("failed to subscribe")
		}
	}
	return ch
}

// Leave unsubscribes from a channel entirely
func (t *WebSocketTransport) Leave(name string) {
	t.mu.Lock()
	_, ok := t.channels[name]
	delete(t.channels, name)
	connected := t.conn != nil
	t.mu.Unlock()

	if ok && connected {
		if err := t.writeFrame(wsFrame{Event: "unsubscribe", Channel: name}); err != nil {
			log.Warn().Err(err).Str("channel", name).Msg("failed to unsubscribe")
		}
	}
}

// Close tears the connection down
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.gen++
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *WebSocketTransport) OnConnect(fn func()) {
	t.mu.Lock()
	t.onConnect = fn
	t.mu.Unlock()
}

func (t *WebSocketTransport) OnDisconnect(fn func(err error)) {
	t.mu.Lock()
	t.onDisconnect = fn
	t.mu.Unlock()
}

func (t *WebSocketTransport) OnError(fn func(err error)) {
	t.mu.Lock()
	t.onError = fn
	t.mu.Unlock()
}

func (t *WebSocketTransport) writeFrame(frame wsFrame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	return conn.WriteJSON(frame)
}

// readPump reads frames until the connection fails, then reports the
// disconnect. A stale pump from a replaced connection exits silently.
func (t *WebSocketTransport) readPump(conn *websocket.Conn, gen int) {
	conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			stale := gen != t.gen
			if !stale {
				t.conn = nil
			}
			onDisconnect := t.onDisconnect
			closed := t.closed
			t.mu.Unlock()

			if !stale && !closed {
				log.Warn().Err(err).Msg("websocket read failed")
				if onDisconnect != nil {
					onDisconnect(err)
				}
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		t.dispatch(message)
	}
}

func (t *WebSocketTransport) pingPump(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		t.mu.Lock()
		stale := gen != t.gen || t.conn != conn
		t.mu.Unlock()
		if stale {
			return
		}

		t.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		t.writeMu.Unlock()
		if err != nil {
			log.Warn().Err(err).Msg("websocket ping failed")
			return
		}
	}
}

// dispatch routes a decoded frame to the handlers registered on its
// channel. Undecodable frames are logged and dropped, never fatal.
func (t *WebSocketTransport) dispatch(message []byte) {
	var frame wsFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		log.Warn().Err(err).Msg("dropping undecodable frame")
		t.mu.Lock()
		onError := t.onError
		t.mu.Unlock()
		if onError != nil {
			onError(err)
		}
		return
	}

	t.mu.Lock()
	ch := t.channels[frame.Channel]
	t.mu.Unlock()
	if ch == nil {
		log.Debug().Str("channel", frame.Channel).Str("event", frame.Event).Msg("frame for unsubscribed channel dropped")
		return
	}

	ch.dispatch(frame.Event, frame.Data)
}
