package consensus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vinayprograms/swarmkit/bus"
)

func (m *Manager) listen(ctx context.Context, sub bus.Subscription) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			m.handle(msg)
		}
	}
}

// handle applies an event from another node. Malformed events are logged
// and dropped.
func (m *Manager) handle(msg *bus.Message) {
	env, err := DecodeEnvelope(msg.Data)
	if err != nil {
		m.logger.Warn("malformed event", map[string]interface{}{"subject": msg.Subject, "error": err.Error()})
		return
	}
	if env.Origin == m.config.NodeID {
		return
	}

	switch env.Type {
	case EventVoteInitiated:
		var ev InitiatedEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			m.logger.Warn("malformed VOTE_INITIATED", map[string]interface{}{"error": err.Error()})
			return
		}
		m.mirror(ev)

	case EventAgentVote:
		var v Vote
		if err := json.Unmarshal(env.Data, &v); err != nil {
			m.logger.Warn("malformed AGENT_VOTE", map[string]interface{}{"error": err.Error()})
			return
		}
		if v.SessionID == "" {
			v.SessionID = env.SessionID
		}
		accepted, quorum := m.record(v)
		if !accepted {
			return
		}
		m.logger.Debug("remote vote recorded", map[string]interface{}{
			"session_id": v.SessionID, "agent_id": v.AgentID, "origin": env.Origin,
		})
		if quorum {
			m.finalize(v.SessionID, TriggerQuorum)
		}

	case EventVoteResults:
		var ev ResultsEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			m.logger.Warn("malformed VOTE_RESULTS", map[string]interface{}{"error": err.Error()})
			return
		}
		m.completeMirror(ev)

	default:
		m.logger.Debug("unknown event type", map[string]interface{}{"type": env.Type})
	}
}

// mirror registers a session announced by another node. Mirrored sessions
// have no timer; the owner decides when they end.
func (m *Manager) mirror(ev InitiatedEvent) {
	if ev.SessionID == "" || validateSession(ev.Topic, ev.Choices, ev.Quorum, time.Duration(ev.TimeoutSeconds*float64(time.Second))) != nil {
		m.logger.Warn("ignoring invalid session announcement", map[string]interface{}{"session_id": ev.SessionID})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	if _, exists := m.sessions[ev.SessionID]; exists {
		return
	}
	m.sessions[ev.SessionID] = &session{
		info: Session{
			SessionID:      ev.SessionID,
			Topic:          ev.Topic,
			Choices:        append([]string(nil), ev.Choices...),
			Quorum:         ev.Quorum,
			TimeoutSeconds: ev.TimeoutSeconds,
			InitiatedBy:    ev.InitiatedBy,
			Status:         StatusActive,
			CreatedAt:      m.now(),
		},
		votes: make(map[string]Vote),
		done:  make(chan struct{}),
	}
	m.logger.Info("joined remote vote", map[string]interface{}{"session_id": ev.SessionID, "topic": ev.Topic})
}

// completeMirror applies the owner's result to a mirrored session. A result
// for a session never announced here is still kept so Wait can see it.
func (m *Manager) completeMirror(ev ResultsEvent) {
	if ev.SessionID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()

	s, ok := m.sessions[ev.SessionID]
	if !ok {
		s = &session{
			info:  Session{SessionID: ev.SessionID, Topic: ev.Topic, Status: StatusActive, CreatedAt: m.now()},
			votes: make(map[string]Vote),
			done:  make(chan struct{}),
		}
		m.sessions[ev.SessionID] = s
	}
	if s.info.Owned {
		return
	}
	res := ev.Result
	s.complete(res.clone(), ev.CompletedAt)
}
