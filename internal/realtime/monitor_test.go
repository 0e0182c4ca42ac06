package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProber returns scripted latency samples
type fakeProber struct {
	mu      sync.Mutex
	latency time.Duration
	err     error
	calls   int
}

func (f *fakeProber) Ping(ctx context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.latency, f.err
}

func (f *fakeProber) pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestClassifyQuality(t *testing.T) {
	cases := []struct {
		latency time.Duration
		offline bool
		want    Quality
	}{
		{0, false, QualityExcellent},
		{99 * time.Millisecond, false, QualityExcellent},
		{100 * time.Millisecond, false, QualityGood},
		{299 * time.Millisecond, false, QualityGood},
		{300 * time.Millisecond, false, QualityFair},
		{799 * time.Millisecond, false, QualityFair},
		{800 * time.Millisecond, false, QualityPoor},
		{5 * time.Second, false, QualityPoor},
		{50 * time.Millisecond, true, QualityOffline},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyQuality(tc.latency, tc.offline), "latency=%s offline=%v", tc.latency, tc.offline)
	}
}

func TestMonitorFollowsTransportSignals(t *testing.T) {
	transport := newMemTransport()
	h := NewHandle(transport)
	m := NewMonitor(h, &fakeProber{}, WithMonitorClock(clockwork.NewFakeClock()))

	assert.Equal(t, StateConnecting, m.State())

	require.NoError(t, h.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())
	assert.NotNil(t, m.Metrics().LastConnectedAt)

	transport.fireDisconnect(errors.New("read: connection reset"))
	assert.Equal(t, StateDisconnected, m.State())
	assert.NotNil(t, m.Metrics().LastDisconnectedAt)

	transport.fireError(errors.New("bad frame"))
	assert.Equal(t, StateError, m.State())
}

func TestMonitorStateChangeCallback(t *testing.T) {
	transport := newMemTransport()
	h := NewHandle(transport)
	m := NewMonitor(h, &fakeProber{}, WithMonitorClock(clockwork.NewFakeClock()))

	states := make(chan ConnState, 8)
	m.OnStateChange(func(s ConnState) { states <- s })

	require.NoError(t, h.Connect(context.Background()))
	select {
	case s := <-states:
		assert.Equal(t, StateConnected, s)
	case <-time.After(time.Second):
		t.Fatal("no state change delivered")
	}
}

func TestRetryConnectionIdempotentWhileConnecting(t *testing.T) {
	transport := newMemTransport()
	h := NewHandle(transport)
	m := NewMonitor(h, &fakeProber{}, WithMonitorClock(clockwork.NewFakeClock()))

	// Initial state is connecting; a retry is a no-op
	require.NoError(t, m.RetryConnection(context.Background()))
	assert.Equal(t, 0, m.Metrics().ReconnectAttempts)
	assert.Equal(t, 0, transport.connects)

	require.NoError(t, h.Connect(context.Background()))
	transport.fireDisconnect(nil)
	require.Equal(t, StateDisconnected, m.State())

	require.NoError(t, m.RetryConnection(context.Background()))
	assert.Equal(t, 1, m.Metrics().ReconnectAttempts)
	assert.Equal(t, StateConnected, m.State())
}

func TestRetryConnectionFailureYieldsErrorState(t *testing.T) {
	transport := newMemTransport()
	transport.connectErr = errors.New("dial tcp: refused")
	h := NewHandle(transport)
	m := NewMonitor(h, &fakeProber{}, WithMonitorClock(clockwork.NewFakeClock()))

	transport.fireDisconnect(nil)
	err := m.RetryConnection(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, m.State())
	assert.Equal(t, 1, m.Metrics().ReconnectAttempts)
}

func TestSetOnlineTransitions(t *testing.T) {
	transport := newMemTransport()
	h := NewHandle(transport)
	m := NewMonitor(h, &fakeProber{}, WithMonitorClock(clockwork.NewFakeClock()))

	require.NoError(t, h.Connect(context.Background()))

	m.SetOnline(false)
	assert.Equal(t, StateDisconnected, m.State())
	assert.True(t, m.Offline())
	assert.Equal(t, QualityOffline, m.Quality(), "offline wins over any latency reading")

	m.SetOnline(true)
	assert.Equal(t, StateReconnecting, m.State())
	assert.False(t, m.Offline())

	// Repeated hints are absorbed
	m.SetOnline(true)
	assert.Equal(t, StateReconnecting, m.State())
}

func TestReportNetworkErrorOnlyFlipsConnected(t *testing.T) {
	transport := newMemTransport()
	h := NewHandle(transport)
	m := NewMonitor(h, &fakeProber{}, WithMonitorClock(clockwork.NewFakeClock()))

	m.ReportNetworkError()
	assert.Equal(t, StateConnecting, m.State(), "only a connected state is downgraded")

	require.NoError(t, h.Connect(context.Background()))
	m.ReportNetworkError()
	assert.Equal(t, StateError, m.State())
}

func TestSamplingOnlyWhileConnected(t *testing.T) {
	transport := newMemTransport()
	h := NewHandle(transport)
	clock := clockwork.NewFakeClock()
	prober := &fakeProber{latency: 150 * time.Millisecond}
	m := NewMonitor(h, prober, WithMonitorClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)
	clock.BlockUntil(1)

	// Not connected yet; the tick is swallowed without a probe
	clock.Advance(DefaultSampleInterval)
	require.Never(t, func() bool { return prober.pings() > 0 }, 50*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, h.Connect(context.Background()))
	clock.Advance(DefaultSampleInterval)
	require.Eventually(t, func() bool { return prober.pings() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 150*time.Millisecond, m.Metrics().Latency)
	assert.Equal(t, QualityGood, m.Quality())
}

func TestFailedProbeCountsPacketLoss(t *testing.T) {
	transport := newMemTransport()
	h := NewHandle(transport)
	clock := clockwork.NewFakeClock()
	prober := &fakeProber{err: errors.New("probe timeout")}
	m := NewMonitor(h, prober, WithMonitorClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)
	clock.BlockUntil(1)

	require.NoError(t, h.Connect(context.Background()))
	clock.Advance(DefaultSampleInterval)
	require.Eventually(t, func() bool { return m.Metrics().PacketsLost == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, time.Duration(0), m.Metrics().Latency)
}
