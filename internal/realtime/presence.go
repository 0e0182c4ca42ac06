package realtime

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// PresenceTracker maintains the set of participants currently present
// on an auction's presence channel via join/leave notifications
type PresenceTracker struct {
	mu sync.Mutex

	channel string
	members map[string]Member

	onJoin  func(Member)
	onLeave func(Member)

	unsubscribe func()
}

// NewPresenceTracker creates a tracker for one presence channel. Call
// Track to subscribe.
func NewPresenceTracker(channel string) *PresenceTracker {
	return &PresenceTracker{
		channel: channel,
		members: make(map[string]Member),
	}
}

// OnJoin registers a callback fired when a participant joins
func (t *PresenceTracker) OnJoin(fn func(Member)) {
	t.mu.Lock()
	t.onJoin = fn
	t.mu.Unlock()
}

// OnLeave registers a callback fired when a participant leaves
func (t *PresenceTracker) OnLeave(fn func(Member)) {
	t.mu.Lock()
	t.onLeave = fn
	t.mu.Unlock()
}

// Track subscribes through the handle. The initial membership set
// replaces any previous state; joins and leaves patch it incrementally.
func (t *PresenceTracker) Track(handle *Handle) {
	t.mu.Lock()
	if t.unsubscribe != nil {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	unsub := handle.Presence(t.channel, t.here, t.joining, t.leaving)

	t.mu.Lock()
	t.unsubscribe = unsub
	t.mu.Unlock()

	log.Debug().Str("channel", t.channel).Msg("presence tracking started")
}

// Leave withdraws only this tracker's interest in the channel; other
// subscribers sharing the channel keep their subscriptions
func (t *PresenceTracker) Leave() {
	t.mu.Lock()
	unsub := t.unsubscribe
	t.unsubscribe = nil
	t.members = make(map[string]Member)
	t.mu.Unlock()

	if unsub != nil {
		unsub()
		log.Debug().Str("channel", t.channel).Msg("presence tracking stopped")
	}
}

// Participants returns the present members ordered by name
func (t *PresenceTracker) Participants() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Count returns the number of present participants
func (t *PresenceTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

func (t *PresenceTracker) here(members []Member) {
	t.mu.Lock()
	t.members = make(map[string]Member, len(members))
	for _, m := range members {
		t.members[m.ID] = m
	}
	count := len(t.members)
	t.mu.Unlock()

	log.Debug().Str("channel", t.channel).Int("count", count).Msg("presence roster received")
}

func (t *PresenceTracker) joining(member Member) {
	t.mu.Lock()
	_, known := t.members[member.ID]
	t.members[member.ID] = member
	fn := t.onJoin
	t.mu.Unlock()

	// Joins can be redelivered; only notify on a genuinely new member
	if !known && fn != nil {
		fn(member)
	}
}

func (t *PresenceTracker) leaving(member Member) {
	t.mu.Lock()
	_, known := t.members[member.ID]
	delete(t.members, member.ID)
	fn := t.onLeave
	t.mu.Unlock()

	if known && fn != nil {
		fn(member)
	}
}
