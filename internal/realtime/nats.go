package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for the NATS transport
type NATSConfig struct {
	URL           string
	SubjectPrefix string // e.g. "auction.events"
	MaxReconnects int
	ReconnectWait time.Duration
	RosterTimeout time.Duration
}

// DefaultNATSConfig returns default NATS transport configuration
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:           url,
		SubjectPrefix: "auction.events",
		MaxReconnects: -1, // infinite
		ReconnectWait: 2 * time.Second,
		RosterTimeout: 5 * time.Second,
	}
}

// natsEnvelope is the payload published on a channel's subject. The
// channel itself is the subject; the envelope names the event.
type natsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NATSTransport implements Transport over a NATS connection. Each
// channel maps to one subject under the configured prefix; presence
// rosters are fetched with a request/reply on the channel's roster
// subject. NATS redelivers on reconnect, so delivery is at least once.
type NATSTransport struct {
	mu sync.Mutex

	config   NATSConfig
	nc       *nats.Conn
	channels map[string]*localChannel
	subs     map[string]*nats.Subscription
	closed   bool

	onConnect    func()
	onDisconnect func(err error)
	onError      func(err error)
}

// NewNATSTransport creates a disconnected transport; call Connect
func NewNATSTransport(config NATSConfig) *NATSTransport {
	return &NATSTransport{
		config:   config,
		channels: make(map[string]*localChannel),
		subs:     make(map[string]*nats.Subscription),
	}
}

// Connect establishes the NATS connection and subscribes every channel
// registered so far
func (t *NATSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if t.nc != nil && t.nc.IsConnected() {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	opts := []nats.Option{
		nats.MaxReconnects(t.config.MaxReconnects),
		nats.ReconnectWait(t.config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			t.mu.Lock()
			fn := t.onDisconnect
			t.mu.Unlock()
			log.Warn().Err(err).Msg("nats disconnected")
			if fn != nil {
				fn(err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.mu.Lock()
			fn := t.onConnect
			t.mu.Unlock()
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
			if fn != nil {
				fn()
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			t.mu.Lock()
			fn := t.onError
			t.mu.Unlock()
			log.Error().Err(err).Msg("nats error")
			if fn != nil {
				fn(err)
			}
		}),
	}

	nc, err := nats.Connect(t.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	t.mu.Lock()
	t.nc = nc
	names := make([]string, 0, len(t.channels))
	for name := range t.channels {
		names = append(names, name)
	}
	onConnect := t.onConnect
	t.mu.Unlock()

	for _, name := range names {
		if err := t.subscribe(name); err != nil {
			log.Warn().Err(err).Str("channel", name).Msg("failed to subscribe channel")
		}
	}

	log.Info().Str("url", t.config.URL).Msg("nats transport connected")
	if onConnect != nil {
		onConnect()
	}
	return nil
}

// Channel subscribes to a public channel
func (t *NATSTransport) Channel(name string) Channel {
	return t.channel(name, false)
}

// PresenceChannel subscribes to a presence channel and requests the
// initial roster
func (t *NATSTransport) PresenceChannel(name string) PresenceChannel {
	ch := t.channel(name, true)
	go t.requestRoster(ch)
	return ch
}

func (t *NATSTransport) channel(name string, presence bool) *localChannel {
	t.mu.Lock()
	ch, ok := t.channels[name]
	if !ok {
		ch = &localChannel{name: name, presence: presence, handlers: make(map[string][]func([]byte))}
		t.channels[name] = ch
	}
	connected := t.nc != nil
	t.mu.Unlock()

	if !ok && connected {
		if err := t.subscribe(name); err != nil {
			log.Warn().Err(err).Str("channel", name).Msg("failed to subscribe channel")
		}
	}
	return ch
}

// Leave unsubscribes from a channel entirely
func (t *NATSTransport) Leave(name string) {
	t.mu.Lock()
	sub := t.subs[name]
	delete(t.subs, name)
	delete(t.channels, name)
	t.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("channel", name).Msg("failed to unsubscribe")
		}
	}
}

// Close drains the connection
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	nc := t.nc
	t.nc = nil
	t.subs = make(map[string]*nats.Subscription)
	t.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
	return nil
}

func (t *NATSTransport) OnConnect(fn func()) {
	t.mu.Lock()
	t.onConnect = fn
	t.mu.Unlock()
}

func (t *NATSTransport) OnDisconnect(fn func(err error)) {
	t.mu.Lock()
	t.onDisconnect = fn
	t.mu.Unlock()
}

func (t *NATSTransport) OnError(fn func(err error)) {
	t.mu.Lock()
	t.onError = fn
	t.mu.Unlock()
}

// subject builds the NATS subject carrying a channel's envelopes
func (t *NATSTransport) subject(channel string) string {
	return t.config.SubjectPrefix + "." + channel
}

func (t *NATSTransport) subscribe(name string) error {
	t.mu.Lock()
	nc := t.nc
	ch := t.channels[name]
	_, already := t.subs[name]
	t.mu.Unlock()

	if nc == nil || ch == nil || already {
		return nil
	}

	sub, err := nc.Subscribe(t.subject(name), func(msg *nats.Msg) {
		var envelope natsEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			log.Warn().Err(err).Str("channel", name).Msg("dropping undecodable envelope")
			return
		}
		ch.dispatch(envelope.Event, envelope.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", t.subject(name), err)
	}

	t.mu.Lock()
	t.subs[name] = sub
	t.mu.Unlock()
	return nil
}

// requestRoster fetches the current presence roster with a
// request/reply and dispatches it as the channel's initial member set
func (t *NATSTransport) requestRoster(ch *localChannel) {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()
	if nc == nil {
		return
	}

	msg, err := nc.Request(t.subject(ch.name)+".roster", nil, t.config.RosterTimeout)
	if err != nil {
		log.Warn().Err(err).Str("channel", ch.name).Msg("presence roster request failed")
		return
	}
	ch.dispatch(presenceHereEvent, msg.Data)
}
