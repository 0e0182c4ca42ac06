package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ConnState is the transport connection state
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateDisconnected ConnState = "disconnected"
	StateError        ConnState = "error"
)

// Quality classifies measured round-trip latency
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// ClassifyQuality is the pure latency-to-quality function. A reported
// offline condition forces offline regardless of latency.
func ClassifyQuality(latency time.Duration, offline bool) Quality {
	if offline {
		return QualityOffline
	}
	switch {
	case latency < 100*time.Millisecond:
		return QualityExcellent
	case latency < 300*time.Millisecond:
		return QualityGood
	case latency < 800*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}

// ConnectionMetrics tracks connection health counters. Mutated only by
// the Monitor; read-only to everyone else.
type ConnectionMetrics struct {
	Latency            time.Duration `json:"latency_ms"`
	PacketsLost        int           `json:"packets_lost"`
	ReconnectAttempts  int           `json:"reconnect_attempts"`
	LastConnectedAt    *time.Time    `json:"last_connected_at,omitempty"`
	LastDisconnectedAt *time.Time    `json:"last_disconnected_at,omitempty"`
}

// Prober performs the lightweight round trip used to measure latency.
// *apiclient.Client satisfies it.
type Prober interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// DefaultSampleInterval is how often latency is probed while connected
const DefaultSampleInterval = 10 * time.Second

// Monitor tracks transport connection state and quality. It reaches
// the transport only through a Handle, so transport replacement across
// reconnections never leaves it holding a dead instance.
type Monitor struct {
	mu sync.Mutex

	clock    clockwork.Clock
	handle   *Handle
	prober   Prober
	interval time.Duration

	state   ConnState
	online  bool
	metrics ConnectionMetrics

	onStateChange func(ConnState)
}

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor)

// WithMonitorClock injects a clock for the sampling loop
func WithMonitorClock(clock clockwork.Clock) MonitorOption {
	return func(m *Monitor) { m.clock = clock }
}

// WithSampleInterval overrides the latency sampling interval
func WithSampleInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// NewMonitor creates a connection monitor over a transport handle
func NewMonitor(handle *Handle, prober Prober, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		clock:    clockwork.NewRealClock(),
		handle:   handle,
		prober:   prober,
		interval: DefaultSampleInterval,
		state:    StateConnecting,
		online:   true,
	}
	for _, opt := range opts {
		opt(m)
	}

	handle.OnConnect(m.handleConnect)
	handle.OnDisconnect(m.handleDisconnect)
	handle.OnError(m.handleTransportError)

	return m
}

// OnStateChange registers a callback fired on every state transition
func (m *Monitor) OnStateChange(fn func(ConnState)) {
	m.mu.Lock()
	m.onStateChange = fn
	m.mu.Unlock()
}

// State returns the current connection state
func (m *Monitor) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Offline reports whether the environment has signalled no connectivity
func (m *Monitor) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.online
}

// Quality classifies the latest latency sample
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ClassifyQuality(m.metrics.Latency, !m.online)
}

// Metrics returns a copy of the connection metrics
func (m *Monitor) Metrics() ConnectionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// Start runs the latency sampling loop until the context is cancelled.
// Samples are only taken while connected.
func (m *Monitor) Start(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.interval).Msg("connection monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection monitor stopped")
			return
		case <-ticker.Chan():
			if m.State() != StateConnected {
				continue
			}
			m.sample(ctx)
		}
	}
}

// sample probes once and records the measured latency
func (m *Monitor) sample(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	latency, err := m.prober.Ping(probeCtx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.metrics.PacketsLost++
		log.Warn().Err(err).Int("packets_lost", m.metrics.PacketsLost).Msg("latency probe failed")
		return
	}

	m.metrics.Latency = latency
	log.Debug().
		Dur("latency", latency).
		Str("quality", string(ClassifyQuality(latency, !m.online))).
		Msg("latency sampled")
}

// RetryConnection is the explicit user-triggered reconnect. Idempotent
// while a connection attempt is already underway.
func (m *Monitor) RetryConnection(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.metrics.ReconnectAttempts++
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if err := m.handle.Connect(ctx); err != nil {
		m.mu.Lock()
		m.setStateLocked(StateError)
		m.mu.Unlock()
		return err
	}
	return nil
}

// SetOnline feeds environment-level connectivity hints. Going offline
// forces disconnected; coming back online moves to reconnecting until
// a transport-level connect signal confirms the connection.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online

	if !online {
		m.setStateLocked(StateDisconnected)
		now := m.clock.Now()
		m.metrics.LastDisconnectedAt = &now
		return
	}
	if m.state == StateDisconnected || m.state == StateError {
		m.setStateLocked(StateReconnecting)
	}
}

// ReportNetworkError flips the displayed state when a remote call
// failed for network-class reasons
func (m *Monitor) ReportNetworkError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected {
		m.setStateLocked(StateError)
	}
}

func (m *Monitor) handleConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.metrics.LastConnectedAt = &now
	m.setStateLocked(StateConnected)
}

func (m *Monitor) handleDisconnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.metrics.LastDisconnectedAt = &now
	if err != nil {
		log.Warn().Err(err).Msg("transport disconnected")
	}
	m.setStateLocked(StateDisconnected)
}

func (m *Monitor) handleTransportError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Error().Err(err).Msg("transport error")
	m.setStateLocked(StateError)
}

// setStateLocked transitions the state and fires the change callback.
// Caller holds the lock.
func (m *Monitor) setStateLocked(state ConnState) {
	if m.state == state {
		return
	}
	log.Info().
		Str("from", string(m.state)).
		Str("to", string(state)).
		Msg("connection state changed")
	m.state = state
	if m.onStateChange != nil {
		fn := m.onStateChange
		go fn(state)
	}
}
