package realtime

import (
	"context"
	"encoding/json"
	"sync"
)

// memTransport is an in-memory Transport for tests. Events are injected
// with emit; connects, closes and channel leaves are recorded.
type memTransport struct {
	mu       sync.Mutex
	channels map[string]*localChannel

	connects   int
	closed     bool
	left       []string
	connectErr error

	onConnect    func()
	onDisconnect func(err error)
	onError      func(err error)
}

func newMemTransport() *memTransport {
	return &memTransport{channels: make(map[string]*localChannel)}
}

func (t *memTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connects++
	err := t.connectErr
	fn := t.onConnect
	t.mu.Unlock()

	if err != nil {
		return err
	}
	if fn != nil {
		fn()
	}
	return nil
}

func (t *memTransport) channel(name string, presence bool) *localChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[name]
	if !ok {
		ch = &localChannel{name: name, handlers: make(map[string][]func([]byte))}
		t.channels[name] = ch
	}
	if presence {
		ch.presence = true
	}
	return ch
}

func (t *memTransport) Channel(name string) Channel { return t.channel(name, false) }

func (t *memTransport) PresenceChannel(name string) PresenceChannel { return t.channel(name, true) }

func (t *memTransport) Leave(name string) {
	t.mu.Lock()
	delete(t.channels, name)
	t.left = append(t.left, name)
	t.mu.Unlock()
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *memTransport) OnConnect(fn func()) {
	t.mu.Lock()
	t.onConnect = fn
	t.mu.Unlock()
}

func (t *memTransport) OnDisconnect(fn func(err error)) {
	t.mu.Lock()
	t.onDisconnect = fn
	t.mu.Unlock()
}

func (t *memTransport) OnError(fn func(err error)) {
	t.mu.Lock()
	t.onError = fn
	t.mu.Unlock()
}

// emit injects a raw event into a subscribed channel
func (t *memTransport) emit(channel, event string, data []byte) {
	t.mu.Lock()
	ch := t.channels[channel]
	t.mu.Unlock()
	if ch != nil {
		ch.dispatch(event, data)
	}
}

func (t *memTransport) emitHere(channel string, members []Member) {
	data, _ := json.Marshal(struct {
		Members []Member `json:"members"`
	}{members})
	t.emit(channel, presenceHereEvent, data)
}

func (t *memTransport) emitJoining(channel string, member Member) {
	data, _ := json.Marshal(member)
	t.emit(channel, presenceJoiningEvent, data)
}

func (t *memTransport) emitLeaving(channel string, member Member) {
	data, _ := json.Marshal(member)
	t.emit(channel, presenceLeavingEvent, data)
}

func (t *memTransport) fireDisconnect(err error) {
	t.mu.Lock()
	fn := t.onDisconnect
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (t *memTransport) fireError(err error) {
	t.mu.Lock()
	fn := t.onError
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (t *memTransport) leaves() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.left...)
}

func (t *memTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
