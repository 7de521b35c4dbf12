package consensus

import (
	"encoding/json"
	"time"
)

// Event types carried in Envelope.Type.
const (
	EventVoteInitiated = "VOTE_INITIATED"
	EventAgentVote     = "AGENT_VOTE"
	EventVoteResults   = "VOTE_RESULTS"
)

// Envelope wraps every event published on the bus.
type Envelope struct {
	Type string `json:"type"`

	// Origin is the NodeID of the publishing manager. Managers ignore
	// their own events.
	Origin    string          `json:"origin"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

// InitiatedEvent announces a new session.
type InitiatedEvent struct {
	SessionID      string   `json:"session_id"`
	Topic          string   `json:"topic"`
	Choices        []string `json:"choices"`
	Quorum         int      `json:"quorum"`
	TimeoutSeconds float64  `json:"timeout_seconds"`
	InitiatedBy    string   `json:"initiated_by"`
}

// ResultsEvent carries a finalized session's outcome.
type ResultsEvent struct {
	SessionID   string    `json:"session_id"`
	Topic       string    `json:"topic"`
	Result      Result    `json:"result"`
	CompletedAt time.Time `json:"completed_at"`
}

// DecodeEnvelope parses a bus payload.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
