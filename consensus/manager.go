package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/swarmkit/bus"
	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/metrics"
	"github.com/vinayprograms/swarmkit/telemetry"
)

// Config configures a Manager.
type Config struct {
	// NodeID tags events this manager publishes. Default: a random UUID.
	NodeID string

	// SubjectPrefix for the event subjects. Default: "consensus"
	SubjectPrefix string

	// Retention is how long a completed session stays queryable. A
	// mirrored session whose owner never published a result is dropped
	// once its timeout plus Retention has passed. Default: 10m
	Retention time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		NodeID:        uuid.NewString(),
		SubjectPrefix: "consensus",
		Retention:     10 * time.Minute,
	}
}

// Manager runs vote sessions. Sessions are independent: each has its own
// timer and one slow session never delays another.
type Manager struct {
	bus    bus.MessageBus
	config Config

	mu       sync.Mutex
	sessions map[string]*session

	subs    []bus.Subscription
	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	logger  *logging.Logger
	tracer  *telemetry.Tracer
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager publishing on mb. Call Start to take part
// in sessions initiated by other nodes.
func NewManager(mb bus.MessageBus, cfg Config, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if cfg.NodeID == "" {
		cfg.NodeID = defaults.NodeID
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaults.SubjectPrefix
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}

	m := &Manager{
		bus:      mb,
		config:   cfg,
		sessions: make(map[string]*session),
		stopCh:   make(chan struct{}),
		logger:   logging.New(),
		tracer:   telemetry.Noop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("consensus").With(map[string]interface{}{"node": cfg.NodeID})
	return m
}

// NodeID returns the origin tag of this manager.
func (m *Manager) NodeID() string { return m.config.NodeID }

func (m *Manager) InitiatedSubject() string { return m.config.SubjectPrefix + ".initiated" }
func (m *Manager) VoteSubject() string      { return m.config.SubjectPrefix + ".vote" }
func (m *Manager) ResultsSubject() string   { return m.config.SubjectPrefix + ".results" }

// Start subscribes to the event subjects. Events stop being processed when
// ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	if m.stopped.Load() {
		return swarmerr.New(swarmerr.ErrCodeUnavailable, "consensus manager stopped")
	}
	if !m.started.CompareAndSwap(false, true) {
		return swarmerr.New(swarmerr.ErrCodePrecondition, "consensus manager already started")
	}

	for _, subject := range []string{m.InitiatedSubject(), m.VoteSubject(), m.ResultsSubject()} {
		sub, err := m.bus.Subscribe(subject)
		if err != nil {
			for _, s := range m.subs {
				s.Unsubscribe()
			}
			m.subs = nil
			m.started.Store(false)
			return swarmerr.WrapWithCode(err, swarmerr.ErrCodeUnavailable, "subscribe "+subject)
		}
		m.subs = append(m.subs, sub)
	}
	for _, sub := range m.subs {
		m.wg.Add(1)
		go m.listen(ctx, sub)
	}
	m.logger.Info("started", map[string]interface{}{"prefix": m.config.SubjectPrefix})
	return nil
}

// Stop ends the subscriptions and disarms every pending timeout. Sessions
// still active stay active; Wait callers get UNAVAILABLE.
func (m *Manager) Stop() error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(m.stopCh)
	for _, sub := range m.subs {
		sub.Unsubscribe()
	}
	m.wg.Wait()

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
	}
	m.mu.Unlock()
	m.logger.Info("stopped")
	return nil
}

// InitiateVote opens a session owned by this manager, arms its timeout and
// announces it on the bus.
func (m *Manager) InitiateVote(ctx context.Context, topic string, choices []string, quorum int, timeout time.Duration, initiatedBy string) (*Session, error) {
	if m.stopped.Load() {
		return nil, swarmerr.New(swarmerr.ErrCodeUnavailable, "consensus manager stopped")
	}
	if err := validateSession(topic, choices, quorum, timeout); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ctx, span := m.tracer.StartVoteSpan(ctx, "initiate", id, topic)
	defer telemetry.End(span, nil)

	s := &session{
		info: Session{
			SessionID:      id,
			Topic:          topic,
			Choices:        append([]string(nil), choices...),
			Quorum:         quorum,
			TimeoutSeconds: timeout.Seconds(),
			InitiatedBy:    initiatedBy,
			Status:         StatusActive,
			CreatedAt:      m.now(),
			Owned:          true,
		},
		votes: make(map[string]Vote),
		done:  make(chan struct{}),
	}

	m.mu.Lock()
	m.prune()
	m.sessions[id] = s
	s.timer = time.AfterFunc(timeout, func() { m.finalize(id, TriggerTimeout) })
	snap := s.snapshot()
	m.mu.Unlock()

	m.logger.Info("vote initiated", map[string]interface{}{
		"session_id": id, "topic": topic, "quorum": quorum, "timeout": timeout.String(),
	})
	m.publish(ctx, EventVoteInitiated, id, InitiatedEvent{
		SessionID:      id,
		Topic:          topic,
		Choices:        snap.Choices,
		Quorum:         quorum,
		TimeoutSeconds: snap.TimeoutSeconds,
		InitiatedBy:    initiatedBy,
	})
	return &snap, nil
}

func validateSession(topic string, choices []string, quorum int, timeout time.Duration) error {
	if strings.TrimSpace(topic) == "" {
		return swarmerr.Validation("vote topic is required")
	}
	if len(choices) == 0 {
		return swarmerr.Validation("at least one choice is required")
	}
	seen := make(map[string]bool, len(choices))
	for _, c := range choices {
		if c == "" {
			return swarmerr.Validation("choices must be non-empty")
		}
		if seen[c] {
			return swarmerr.Validation(fmt.Sprintf("duplicate choice %q", c))
		}
		seen[c] = true
	}
	if quorum < 1 {
		return swarmerr.Validation("quorum must be at least 1")
	}
	if timeout <= 0 {
		return swarmerr.Validation("timeout must be positive")
	}
	return nil
}

// CastVote records agentID's vote, replacing any earlier one, and reports
// whether it was accepted. Votes on unknown or completed sessions, for
// undeclared choices, or with confidence outside [0,1] are rejected with no
// effect. On an owned session the vote that reaches quorum finalizes it
// before CastVote returns.
func (m *Manager) CastVote(sessionID, agentID, choice string, confidence float64) bool {
	v := Vote{
		VoteID:     uuid.NewString(),
		SessionID:  sessionID,
		AgentID:    agentID,
		Choice:     choice,
		Confidence: confidence,
		Timestamp:  m.now(),
	}
	accepted, quorum := m.record(v)
	m.metrics.IncVote(accepted)
	if !accepted {
		m.logger.Debug("vote rejected", map[string]interface{}{
			"session_id": sessionID, "agent_id": agentID, "choice": choice,
		})
		return false
	}

	m.publish(context.Background(), EventAgentVote, sessionID, v)
	if quorum {
		m.finalize(sessionID, TriggerQuorum)
	}
	return true
}

// record stores v if the session accepts it. quorum reports that an owned
// session now has enough distinct voters.
func (m *Manager) record(v Vote) (accepted, quorum bool) {
	if v.AgentID == "" || math.IsNaN(v.Confidence) || v.Confidence < 0 || v.Confidence > 1 {
		return false, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[v.SessionID]
	if !ok || s.info.Status != StatusActive || !s.hasChoice(v.Choice) {
		return false, false
	}
	s.votes[v.AgentID] = v
	return true, s.info.Owned && len(s.votes) >= s.info.Quorum
}

// finalize tallies an owned session and publishes the result. Both
// triggers call it; session.complete lets exactly one through.
func (m *Manager) finalize(sessionID, trigger string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.info.Owned {
		m.mu.Unlock()
		return
	}
	votes := make([]Vote, 0, len(s.votes))
	for _, v := range s.votes {
		votes = append(votes, v)
	}
	res := Tally(s.info.Choices, votes, s.info.Quorum)
	completedAt := m.now()
	if !s.complete(&res, completedAt) {
		m.mu.Unlock()
		return
	}
	topic := s.info.Topic
	m.mu.Unlock()

	ctx, span := m.tracer.StartVoteSpan(context.Background(), "finalize", sessionID, topic)
	defer telemetry.End(span, nil)

	m.metrics.IncFinalization(trigger, res.QuorumReached)
	winner := "<none>"
	if res.Winner != nil {
		winner = *res.Winner
	}
	m.logger.Info("vote finalized", map[string]interface{}{
		"session_id":     sessionID,
		"trigger":        trigger,
		"winner":         winner,
		"total_votes":    res.TotalVotes,
		"quorum_reached": res.QuorumReached,
	})
	m.publish(ctx, EventVoteResults, sessionID, ResultsEvent{
		SessionID:   sessionID,
		Topic:       topic,
		Result:      *res.clone(),
		CompletedAt: completedAt,
	})
}

// Wait blocks until the session completes and returns its result.
func (m *Manager) Wait(ctx context.Context, sessionID string) (*Result, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, swarmerr.NotFound("vote session " + sessionID)
	}

	result := func() *Result {
		m.mu.Lock()
		defer m.mu.Unlock()
		return s.info.Result.clone()
	}

	select {
	case <-s.done:
		return result(), nil
	default:
	}
	select {
	case <-s.done:
		return result(), nil
	case <-ctx.Done():
		return nil, swarmerr.Wrap(ctx.Err(), "wait for vote "+sessionID)
	case <-m.stopCh:
		return nil, swarmerr.New(swarmerr.ErrCodeUnavailable, "consensus manager stopped")
	}
}

// Session returns a snapshot of a known session.
func (m *Manager) Session(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Sessions returns snapshots of every known session.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// prune drops sessions past retention. Callers hold m.mu. A Wait already
// holding a pruned session still sees its result.
func (m *Manager) prune() {
	now := m.now()
	for id, s := range m.sessions {
		var expires time.Time
		switch {
		case s.info.Status == StatusCompleted:
			expires = s.info.CompletedAt.Add(m.config.Retention)
		case !s.info.Owned:
			timeout := time.Duration(s.info.TimeoutSeconds * float64(time.Second))
			expires = s.info.CreatedAt.Add(timeout + m.config.Retention)
		default:
			continue
		}
		if now.Before(expires) {
			continue
		}
		delete(m.sessions, id)
		m.logger.Debug("session pruned", map[string]interface{}{"session_id": id, "status": string(s.info.Status)})
	}
}

func (m *Manager) publish(ctx context.Context, eventType, sessionID string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("encode event", map[string]interface{}{"type": eventType, "error": err.Error()})
		return
	}
	env, err := json.Marshal(Envelope{
		Type:      eventType,
		Origin:    m.config.NodeID,
		SessionID: sessionID,
		Data:      data,
	})
	if err != nil {
		m.logger.Error("encode envelope", map[string]interface{}{"type": eventType, "error": err.Error()})
		return
	}

	subject := m.ResultsSubject()
	switch eventType {
	case EventVoteInitiated:
		subject = m.InitiatedSubject()
	case EventAgentVote:
		subject = m.VoteSubject()
	}
	// Local state is already updated; a bus failure only affects remote
	// participants.
	if err := m.bus.Publish(subject, env); err != nil {
		_, span := m.tracer.StartSpan(ctx, "consensus.publish")
		telemetry.End(span, err)
		m.logger.Warn("publish failed", map[string]interface{}{
			"type": eventType, "session_id": sessionID, "error": err.Error(),
		})
	}
}
