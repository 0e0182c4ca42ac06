package realtime

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// localChannel is one subscribed channel and its registered handlers,
// shared by the WebSocket and NATS transports. Protocol-level presence
// events are routed to the presence hooks; everything else goes to the
// per-event handlers.
type localChannel struct {
	mu       sync.Mutex
	name     string
	presence bool
	handlers map[string][]func([]byte)

	here    []func([]Member)
	joining []func(Member)
	leaving []func(Member)
}

func (c *localChannel) Name() string { return c.name }

func (c *localChannel) Listen(event string, handler func(data []byte)) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.mu.Unlock()
}

func (c *localChannel) Here(handler func(members []Member)) {
	c.mu.Lock()
	c.here = append(c.here, handler)
	c.mu.Unlock()
}

func (c *localChannel) Joining(handler func(member Member)) {
	c.mu.Lock()
	c.joining = append(c.joining, handler)
	c.mu.Unlock()
}

func (c *localChannel) Leaving(handler func(member Member)) {
	c.mu.Lock()
	c.leaving = append(c.leaving, handler)
	c.mu.Unlock()
}

func (c *localChannel) dispatch(event string, data []byte) {
	switch event {
	case presenceHereEvent:
		var payload struct {
			Members []Member `json:"members"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			log.Warn().Err(err).Str("channel", c.name).Msg("bad presence roster payload")
			return
		}
		c.mu.Lock()
		handlers := append([]func([]Member){}, c.here...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(payload.Members)
		}
	case presenceJoiningEvent, presenceLeavingEvent:
		var member Member
		if err := json.Unmarshal(data, &member); err != nil {
			log.Warn().Err(err).Str("channel", c.name).Msg("bad presence member payload")
			return
		}
		c.mu.Lock()
		var handlers []func(Member)
		if event == presenceJoiningEvent {
			handlers = append(handlers, c.joining...)
		} else {
			handlers = append(handlers, c.leaving...)
		}
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(member)
		}
	default:
		c.mu.Lock()
		handlers := append([]func([]byte){}, c.handlers[event]...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(data)
		}
	}
}
