package auction

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func liveSnapshot() Snapshot {
	return Snapshot{
		ID:             "a1",
		Status:         StatusLive,
		CurrentBid:     ptr(dec("1000")),
		MinimumNextBid: dec("1100"),
		BidIncrement:   dec("100"),
		BidCount:       3,
		StartingBid:    dec("500"),
	}
}

func ptr[T any](v T) *T { return &v }

func bidPlaced(id, bidder, amount string, count int) BidPlacedEvent {
	var e BidPlacedEvent
	e.Bid.ID = id
	e.Bid.BidderName = bidder
	e.Bid.Amount = dec(amount)
	e.Bid.BidTime = time.Now()
	e.Auction.CurrentBid = dec(amount)
	e.Auction.MinimumBid = dec(amount).Add(dec("100"))
	e.Auction.BidCount = count
	e.Auction.Status = StatusLive
	return e
}

func TestHappyPathBidThenEcho(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewReconciler(liveSnapshot(), WithClock(clock))

	// Successful submission applies the speculative patch
	r.ApplyLocalBid(dec("1100"), "alice", dec("1200"))

	snap := r.Snapshot()
	require.NotNil(t, snap.CurrentBid)
	assert.True(t, snap.CurrentBid.Equal(dec("1100")))
	assert.True(t, snap.MinimumNextBid.Equal(dec("1200")))
	assert.Equal(t, 4, snap.BidCount)

	bids := r.Bids()
	require.Len(t, bids, 1)
	assert.False(t, bids[0].Confirmed())
	assert.True(t, bids[0].IsMine)

	// The broadcast echo promotes the speculative entry in place
	r.Apply(bidPlaced("b42", "alice", "1100", 4))

	bids = r.Bids()
	require.Len(t, bids, 1)
	assert.Equal(t, "b42", bids[0].ID)
	assert.True(t, bids[0].IsMine)
	assert.Equal(t, 4, r.Snapshot().BidCount)
}

func TestEchoBeforeResponseDoesNotDuplicate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewReconciler(liveSnapshot(), WithClock(clock))

	// Broadcast lands before the HTTP response resolves
	r.Apply(bidPlaced("b42", "alice", "1100", 4))
	r.ApplyLocalBid(dec("1100"), "alice", dec("1200"))

	bids := r.Bids()
	require.Len(t, bids, 1)
	assert.Equal(t, "b42", bids[0].ID)
	assert.True(t, bids[0].IsMine, "existing entry should be claimed as ours")
	assert.Equal(t, 4, r.Snapshot().BidCount, "counter must not advance twice")
}

func TestEchoInterleavingsYieldSingleEntry(t *testing.T) {
	// Either ordering of HTTP response and broadcast echo, plus a
	// redelivered echo, must leave exactly one confirmed entry
	orderings := map[string]func(r *Reconciler){
		"response then echo": func(r *Reconciler) {
			r.ApplyLocalBid(dec("1100"), "alice", dec("1200"))
			r.Apply(bidPlaced("b42", "alice", "1100", 4))
		},
		"echo then response": func(r *Reconciler) {
			r.Apply(bidPlaced("b42", "alice", "1100", 4))
			r.ApplyLocalBid(dec("1100"), "alice", dec("1200"))
		},
	}
	for name, interleave := range orderings {
		t.Run(name, func(t *testing.T) {
			r := NewReconciler(liveSnapshot())
			interleave(r)
			r.Apply(bidPlaced("b42", "alice", "1100", 4)) // redelivery

			bids := r.Bids()
			require.Len(t, bids, 1)
			assert.Equal(t, "b42", bids[0].ID)
			assert.True(t, bids[0].IsMine)
			assert.Equal(t, 4, r.Snapshot().BidCount)
			assert.True(t, r.Snapshot().IsLive())
			assert.False(t, r.Snapshot().HasEnded())
		})
	}
}

func TestIdempotentBidEvent(t *testing.T) {
	r := NewReconciler(liveSnapshot())

	e := bidPlaced("b42", "bob", "1100", 4)
	r.Apply(e)
	r.Apply(e)

	assert.Len(t, r.Bids(), 1)
	assert.Equal(t, 4, r.Snapshot().BidCount)
}

func TestOtherBiddersAppend(t *testing.T) {
	r := NewReconciler(liveSnapshot())

	r.Apply(bidPlaced("b1", "bob", "1100", 4))
	r.Apply(bidPlaced("b2", "carol", "1200", 5))

	bids := r.Bids()
	require.Len(t, bids, 2)
	assert.Equal(t, "b2", bids[0].ID, "newest bid first")
	assert.Equal(t, 5, r.Snapshot().BidCount)
}

func TestBidCountNeverRegresses(t *testing.T) {
	r := NewReconciler(liveSnapshot())
	r.Apply(bidPlaced("b1", "bob", "1100", 5))

	// A stale event with a lower count is rejected outright
	r.Apply(bidPlaced("b0", "dave", "1050", 4))

	assert.Equal(t, 5, r.Snapshot().BidCount)
	assert.Len(t, r.Bids(), 1)
}

func TestStaleEventWithTerminalStatusWins(t *testing.T) {
	r := NewReconciler(liveSnapshot())
	r.Apply(bidPlaced("b1", "bob", "1100", 5))

	stale := bidPlaced("b0", "dave", "1050", 4)
	stale.Auction.Status = StatusEnded
	r.Apply(stale)

	snap := r.Snapshot()
	assert.Equal(t, StatusEnded, snap.Status)
	assert.Equal(t, 5, snap.BidCount, "stale counters still rejected")
	assert.Len(t, r.Bids(), 1, "stale bid not appended")
}

func TestTerminalStateLock(t *testing.T) {
	snap := liveSnapshot()
	snap.Status = StatusEnded
	r := NewReconciler(snap)

	var started StartedEvent
	started.Auction.ActualStart = time.Now()
	r.Apply(started)

	assert.Equal(t, StatusEnded, r.Snapshot().Status)
}

func TestMergeWindowBoundsPromotion(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewReconciler(liveSnapshot(), WithClock(clock), WithMergeWindow(10*time.Second))

	r.ApplyLocalBid(dec("1100"), "alice", dec("1200"))

	// A matching broadcast outside the window is a different bid
	clock.Advance(30 * time.Second)
	r.Apply(bidPlaced("b9", "alice", "1100", 5))

	bids := r.Bids()
	require.Len(t, bids, 2)
	assert.Equal(t, "b9", bids[0].ID)
	assert.False(t, bids[1].Confirmed())
}

func TestEndedEventSetsOutcome(t *testing.T) {
	r := NewReconciler(liveSnapshot())

	var e EndedEvent
	e.Auction.WinnerName = ptr("alice")
	e.Auction.FinalPrice = ptr(dec("1500"))
	r.Apply(e)

	snap := r.Snapshot()
	assert.Equal(t, StatusEnded, snap.Status)
	require.NotNil(t, snap.WinnerName)
	assert.Equal(t, "alice", *snap.WinnerName)
	require.NotNil(t, snap.FinalPrice)
	assert.True(t, snap.FinalPrice.Equal(dec("1500")))
	assert.True(t, snap.HasEnded())
	assert.False(t, snap.IsLive())
}

func TestExtendedEventMovesDeadline(t *testing.T) {
	r := NewReconciler(liveSnapshot())

	end := time.Now().Add(2 * time.Minute)
	var e ExtendedEvent
	e.Auction.NewEndTime = end
	e.Auction.ExtensionsUsed = 1
	r.Apply(e)

	snap := r.Snapshot()
	assert.Equal(t, StatusExtended, snap.Status)
	require.NotNil(t, snap.ScheduledEnd)
	assert.True(t, snap.ScheduledEnd.Equal(end))
	assert.Equal(t, 1, snap.ExtensionsUsed)
	assert.True(t, snap.IsLive(), "extended is still biddable")
}

func TestPauseResume(t *testing.T) {
	r := NewReconciler(liveSnapshot())

	r.Apply(PausedEvent{Reason: "technical difficulties"})
	assert.Equal(t, StatusPaused, r.Snapshot().Status)
	assert.False(t, r.Snapshot().IsLive())

	r.Apply(ResumedEvent{})
	assert.Equal(t, StatusLive, r.Snapshot().Status)
}

func TestResumeAfterExtensionReturnsToExtended(t *testing.T) {
	snap := liveSnapshot()
	snap.Status = StatusPaused
	snap.ExtensionsUsed = 2
	r := NewReconciler(snap)

	r.Apply(ResumedEvent{})
	assert.Equal(t, StatusExtended, r.Snapshot().Status)
}

func TestRemoveLocalBidRollsBack(t *testing.T) {
	r := NewReconciler(liveSnapshot())
	r.ApplyLocalBid(dec("1100"), "alice", dec("1200"))

	r.RemoveLocalBid(dec("1100"), "alice")

	snap := r.Snapshot()
	assert.Equal(t, 3, snap.BidCount)
	assert.Empty(t, r.Bids())
	require.NotNil(t, snap.CurrentBid)
	assert.True(t, snap.CurrentBid.Equal(dec("1000")), "displaced current bid restored")
	assert.True(t, snap.MinimumNextBid.Equal(dec("1100")))
}

func TestRemoveLocalBidNoOpOncePromoted(t *testing.T) {
	r := NewReconciler(liveSnapshot())
	r.ApplyLocalBid(dec("1100"), "alice", dec("1200"))
	r.Apply(bidPlaced("b42", "alice", "1100", 4))

	r.RemoveLocalBid(dec("1100"), "alice")

	assert.Len(t, r.Bids(), 1, "promoted entry is authoritative")
	assert.Equal(t, 4, r.Snapshot().BidCount)
}

func TestAnnouncementStored(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewReconciler(liveSnapshot(), WithClock(clock))

	r.Apply(AnnouncementEvent{Message: "final call", Type: "urgent"})

	a := r.Announcement()
	require.NotNil(t, a)
	assert.Equal(t, "final call", a.Message)
	assert.Equal(t, "urgent", a.Kind)
	assert.Equal(t, clock.Now(), a.ReceivedAt)
}

func TestOnChangeFires(t *testing.T) {
	r := NewReconciler(liveSnapshot())

	var got []Snapshot
	r.OnChange(func(s Snapshot) { got = append(got, s) })

	r.Apply(bidPlaced("b1", "bob", "1100", 4))
	r.Apply(bidPlaced("b1", "bob", "1100", 4)) // duplicate, no change

	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].BidCount)
}

func TestStatusTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusScheduled, StatusLive, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusScheduled, StatusEnded, false},
		{StatusLive, StatusExtended, true},
		{StatusLive, StatusPaused, true},
		{StatusLive, StatusEnded, true},
		{StatusLive, StatusCancelled, true},
		{StatusExtended, StatusPaused, true},
		{StatusExtended, StatusEnded, true},
		{StatusExtended, StatusLive, false},
		{StatusPaused, StatusLive, true},
		{StatusPaused, StatusExtended, true},
		{StatusPaused, StatusCancelled, true},
		{StatusEnded, StatusCompleted, true},
		{StatusEnded, StatusLive, false},
		{StatusCompleted, StatusLive, false},
		{StatusCancelled, StatusLive, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
