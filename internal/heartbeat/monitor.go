package heartbeat

import (
	"sync"
	"time"

	"github.com/campuspay/fulfillment/internal/clock"
	"github.com/campuspay/fulfillment/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// recentPollCap bounds the poll history kept for the status endpoint.
const recentPollCap = 32

// Snapshot is a point-in-time view of verification device liveness.
type Snapshot struct {
	Connected   bool          `json:"connected"`
	LastPollAt  *time.Time    `json:"last_poll_at,omitempty"`
	Threshold   time.Duration `json:"threshold"`
	PollCount   int64         `json:"poll_count"`
	RecentPolls []time.Time   `json:"recent_polls,omitempty"`
}

// Monitor tracks the verification device heartbeat. The device proves
// liveness implicitly by polling for pending work; there is no dedicated
// ping endpoint. Connectivity is derived, never stored: the device is
// connected iff its last poll landed within the threshold window.
type Monitor struct {
	clock     clock.Clock
	log       *zap.Logger
	threshold time.Duration

	mu        sync.Mutex
	lastPoll  time.Time
	polled    bool
	pollCount int64
	recent    []time.Time
}

// Params holds monitor dependencies.
type Params struct {
	fx.In

	Clock  clock.Clock
	Log    *zap.Logger
	Config config.Config
}

// NewMonitor builds the liveness monitor from the configured threshold.
func NewMonitor(p Params) *Monitor {
	threshold := p.Config.HeartbeatThreshold
	if threshold <= 0 {
		threshold = 30 * time.Second
	}
	return &Monitor{
		clock:     p.Clock,
		log:       p.Log.Named("heartbeat.monitor"),
		threshold: threshold,
	}
}

// RecordPoll registers a device poll and reports whether this poll
// re-established a lapsed (or never-established) connection.
func (m *Monitor) RecordPoll() bool {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	wasConnected := m.polled && now.Sub(m.lastPoll) <= m.threshold

	m.lastPoll = now
	m.polled = true
	m.pollCount++
	m.recent = append(m.recent, now)
	if len(m.recent) > recentPollCap {
		m.recent = m.recent[len(m.recent)-recentPollCap:]
	}

	if !wasConnected {
		m.log.Info("verification device connected", zap.Time("poll_at", now))
	}
	return !wasConnected
}

// Connected reports whether the device polled within the threshold window.
func (m *Monitor) Connected() bool {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polled && now.Sub(m.lastPoll) <= m.threshold
}

// Threshold returns the configured liveness window.
func (m *Monitor) Threshold() time.Duration {
	return m.threshold
}

// Snapshot returns the current liveness view.
func (m *Monitor) Snapshot() Snapshot {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Connected: m.polled && now.Sub(m.lastPoll) <= m.threshold,
		Threshold: m.threshold,
		PollCount: m.pollCount,
	}
	if m.polled {
		last := m.lastPoll
		snap.LastPollAt = &last
	}
	snap.RecentPolls = append([]time.Time(nil), m.recent...)
	return snap
}
