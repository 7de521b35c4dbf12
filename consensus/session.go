package consensus

import (
	"math"
	"sort"
	"time"
)

// Status is the lifecycle of a vote session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Finalization triggers.
const (
	TriggerQuorum  = "quorum"
	TriggerTimeout = "timeout"
)

// Vote is one agent's ballot. A later vote by the same agent replaces it.
type Vote struct {
	VoteID     string    `json:"vote_id"`
	SessionID  string    `json:"session_id"`
	AgentID    string    `json:"agent_id"`
	Choice     string    `json:"choice"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Result is the outcome of a finalized session.
type Result struct {
	// Winner is nil when no votes were cast.
	Winner         *string            `json:"winner"`
	VoteCounts     map[string]int     `json:"vote_counts"`
	ConfidenceSums map[string]float64 `json:"confidence_sums"`
	TotalVotes     int                `json:"total_votes"`
	QuorumReached  bool               `json:"quorum_reached"`
}

func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	out := &Result{
		VoteCounts:     make(map[string]int, len(r.VoteCounts)),
		ConfidenceSums: make(map[string]float64, len(r.ConfidenceSums)),
		TotalVotes:     r.TotalVotes,
		QuorumReached:  r.QuorumReached,
	}
	if r.Winner != nil {
		w := *r.Winner
		out.Winner = &w
	}
	for k, v := range r.VoteCounts {
		out.VoteCounts[k] = v
	}
	for k, v := range r.ConfidenceSums {
		out.ConfidenceSums[k] = v
	}
	return out
}

// Session is a snapshot of a vote session.
type Session struct {
	SessionID      string    `json:"session_id"`
	Topic          string    `json:"topic"`
	Choices        []string  `json:"choices"`
	Quorum         int       `json:"quorum"`
	TimeoutSeconds float64   `json:"timeout_seconds"`
	InitiatedBy    string    `json:"initiated_by"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`

	// Owned is true on the node that initiated the session.
	Owned bool `json:"owned"`

	// Votes are ordered by agent id.
	Votes []Vote `json:"votes"`

	Result      *Result   `json:"result,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// session is the manager's mutable record. Guarded by Manager.mu.
type session struct {
	info  Session
	votes map[string]Vote
	timer *time.Timer
	done  chan struct{}
}

func (s *session) hasChoice(choice string) bool {
	for _, c := range s.info.Choices {
		if c == choice {
			return true
		}
	}
	return false
}

func (s *session) snapshot() Session {
	out := s.info
	out.Choices = append([]string(nil), s.info.Choices...)
	out.Votes = make([]Vote, 0, len(s.votes))
	for _, v := range s.votes {
		out.Votes = append(out.Votes, v)
	}
	sort.Slice(out.Votes, func(i, j int) bool { return out.Votes[i].AgentID < out.Votes[j].AgentID })
	out.Result = s.info.Result.clone()
	return out
}

// complete marks the session finished with res. It reports false if the
// session was already complete, which makes it the single check-and-set
// guarding finalization.
func (s *session) complete(res *Result, at time.Time) bool {
	if s.info.Status != StatusActive {
		return false
	}
	s.info.Status = StatusCompleted
	s.info.Result = res
	s.info.CompletedAt = at
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.done)
	return true
}

// Tally counts votes per declared choice and picks the winner: most votes,
// then highest confidence sum, then the lexicographically smallest choice.
func Tally(choices []string, votes []Vote, quorum int) Result {
	res := Result{
		VoteCounts:     make(map[string]int, len(choices)),
		ConfidenceSums: make(map[string]float64, len(choices)),
		TotalVotes:     len(votes),
	}
	for _, c := range choices {
		res.VoteCounts[c] = 0
		res.ConfidenceSums[c] = 0
	}

	agents := make(map[string]bool, len(votes))
	for _, v := range votes {
		res.VoteCounts[v.Choice]++
		res.ConfidenceSums[v.Choice] += v.Confidence
		agents[v.AgentID] = true
	}
	res.QuorumReached = quorum > 0 && len(agents) >= quorum

	var (
		winner    string
		bestCount int
		bestConf  = math.Inf(-1)
	)
	for choice, count := range res.VoteCounts {
		if count == 0 {
			continue
		}
		conf := res.ConfidenceSums[choice]
		switch {
		case count > bestCount,
			count == bestCount && conf > bestConf,
			count == bestCount && conf == bestConf && choice < winner:
			winner, bestCount, bestConf = choice, count, conf
		}
	}
	if bestCount > 0 {
		res.Winner = &winner
	}
	return res
}
