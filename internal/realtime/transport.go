// Package realtime provides the publish/subscribe transport layer for
// the live-auction client: the Transport abstraction with WebSocket and
// NATS implementations, the re-resolvable transport Handle, the
// connection-quality monitor, and the presence tracker.
package realtime

import "context"

// Member is one participant on a presence channel
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Channel is a named event stream. Delivery is at least once and
// ordering across distinct event names is not guaranteed; consumers
// must be idempotent.
type Channel interface {
	Name() string

	// Listen registers a handler for one event name on this channel.
	// Handlers receive the raw wire payload; decoding into typed events
	// is the caller's concern.
	Listen(event string, handler func(data []byte))
}

// PresenceChannel is a channel that additionally reports the set of
// currently connected participants
type PresenceChannel interface {
	Channel

	// Here delivers the initial membership set on subscription
	Here(handler func(members []Member))

	// Joining fires for each participant that joins after subscription
	Joining(handler func(member Member))

	// Leaving fires for each participant that leaves
	Leaving(handler func(member Member))
}

// Transport is the opaque publish/subscribe primitive. Implementations
// may be torn down and recreated across reconnections; consumers must
// reach them through a Handle rather than holding an instance directly.
type Transport interface {
	// Connect establishes the underlying connection
	Connect(ctx context.Context) error

	// Channel subscribes to a public channel, creating it on first use
	Channel(name string) Channel

	// PresenceChannel subscribes to a presence channel
	PresenceChannel(name string) PresenceChannel

	// Leave unsubscribes the transport from a channel entirely
	Leave(name string)

	// Close tears the connection down
	Close() error

	// Connection signal hooks, each replacing any previous hook
	OnConnect(fn func())
	OnDisconnect(fn func(err error))
	OnError(fn func(err error))
}
