package heartbeat

import (
	"context"
	"sync"
	"time"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/mailbox"
)

// Source lists the current heartbeat markers. *mailbox.Mailbox implements it.
type Source interface {
	Heartbeats() ([]*mailbox.Heartbeat, error)
}

// Config configures a Monitor.
type Config struct {
	// Timeout after which a marker is stale. Keep it well above the
	// workers' heartbeat interval. Default: 60s
	Timeout time.Duration

	// CheckInterval between scans in Run. Default: 15s
	CheckInterval time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       60 * time.Second,
		CheckInterval: 15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	return c
}

// Monitor scans heartbeat markers and reports stale ones.
type Monitor struct {
	source Source
	config Config
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastSeen map[string]*mailbox.Heartbeat
	// reported holds the timestamp of the marker already reported per
	// agent. A refreshed marker clears it.
	reported map[string]time.Time
	deadCBs  []func(*mailbox.Heartbeat)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor over src.
func NewMonitor(src Source, cfg Config, opts ...Option) (*Monitor, error) {
	if src == nil {
		return nil, swarmerr.Validation("heartbeat monitor needs a source")
	}
	m := &Monitor{
		source:   src,
		config:   cfg.withDefaults(),
		logger:   logging.New(),
		now:      time.Now,
		lastSeen: make(map[string]*mailbox.Heartbeat),
		reported: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("heartbeat")
	return m, nil
}

// OnDead registers a callback run once per stale marker.
func (m *Monitor) OnDead(cb func(hb *mailbox.Heartbeat)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, cb)
	m.mu.Unlock()
}

// Check scans the markers once, runs the callbacks for markers that went
// stale since the last report and returns them.
func (m *Monitor) Check() ([]*mailbox.Heartbeat, error) {
	beats, err := m.source.Heartbeats()
	if err != nil {
		return nil, err
	}
	now := m.now()

	m.mu.Lock()
	seen := make(map[string]*mailbox.Heartbeat, len(beats))
	var stale []*mailbox.Heartbeat
	for _, hb := range beats {
		seen[hb.AgentID] = hb
		if hb.Age(now) <= m.config.Timeout {
			delete(m.reported, hb.AgentID)
			continue
		}
		if at, ok := m.reported[hb.AgentID]; ok && at.Equal(hb.Timestamp) {
			continue
		}
		m.reported[hb.AgentID] = hb.Timestamp
		stale = append(stale, hb)
	}
	// Agents whose marker vanished finished or were reclaimed.
	for id := range m.reported {
		if _, ok := seen[id]; !ok {
			delete(m.reported, id)
		}
	}
	m.lastSeen = seen
	callbacks := make([]func(*mailbox.Heartbeat), len(m.deadCBs))
	copy(callbacks, m.deadCBs)
	m.mu.Unlock()

	for _, hb := range stale {
		m.logger.Warn("agent heartbeat stale", map[string]interface{}{
			"agent":   hb.AgentID,
			"task_id": hb.TaskID,
			"age":     hb.Age(now).Round(time.Second).String(),
		})
		for _, cb := range callbacks {
			cb(hb)
		}
	}
	return stale, nil
}

// Run checks every CheckInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()
	for {
		if _, err := m.Check(); err != nil {
			m.logger.Warn("heartbeat scan failed", map[string]interface{}{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// IsAlive reports whether agentID held a fresh marker at the last check.
func (m *Monitor) IsAlive(agentID string) bool {
	m.mu.Lock()
	hb, ok := m.lastSeen[agentID]
	m.mu.Unlock()
	return ok && hb.Age(m.now()) <= m.config.Timeout
}

// LastHeartbeat returns agentID's marker from the last check, or nil.
func (m *Monitor) LastHeartbeat(agentID string) *mailbox.Heartbeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	hb, ok := m.lastSeen[agentID]
	if !ok {
		return nil
	}
	cp := *hb
	return &cp
}
