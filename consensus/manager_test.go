package consensus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vinayprograms/swarmkit/bus"
	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/metrics"
)

func newManager(t *testing.T, mb bus.MessageBus, node string, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(mb, Config{NodeID: node}, append([]Option{WithLogger(logging.Discard())}, opts...)...)
	t.Cleanup(func() { m.Stop() })
	return m
}

func waitResult(t *testing.T, m *Manager, id string, within time.Duration) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	res, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return res
}

func TestQuorumFinalizesBeforeTimeout(t *testing.T) {
	m := newManager(t, bus.NewMemoryBus(bus.DefaultConfig()), "n1")
	s, err := m.InitiateVote(context.Background(), "pick", []string{"A", "B", "C"}, 2, time.Hour, "tester")
	if err != nil {
		t.Fatal(err)
	}

	if !m.CastVote(s.SessionID, "a1", "A", 0.7) {
		t.Fatal("first vote rejected")
	}
	if got, _ := m.Session(s.SessionID); got.Status != StatusActive {
		t.Fatal("finalized before quorum")
	}
	if !m.CastVote(s.SessionID, "a2", "A", 0.6) {
		t.Fatal("second vote rejected")
	}

	// Finalized synchronously by the quorum vote; no timeout needed.
	got, _ := m.Session(s.SessionID)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	res := waitResult(t, m, s.SessionID, time.Second)
	if res.Winner == nil || *res.Winner != "A" || !res.QuorumReached {
		t.Errorf("result = %+v", res)
	}
	if res.VoteCounts["A"] != 2 || res.TotalVotes != 2 {
		t.Errorf("counts = %v total = %d", res.VoteCounts, res.TotalVotes)
	}
}

func TestTimeoutWithNoVotes(t *testing.T) {
	m := newManager(t, bus.NewMemoryBus(bus.DefaultConfig()), "n1")
	s, err := m.InitiateVote(context.Background(), "pick", []string{"A", "B", "C"}, 2, 50*time.Millisecond, "tester")
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, m, s.SessionID, 5*time.Second)
	if res.Winner != nil {
		t.Errorf("winner = %q, want nil", *res.Winner)
	}
	if res.QuorumReached || res.TotalVotes != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestTimeoutTieBrokenByConfidence(t *testing.T) {
	m := newManager(t, bus.NewMemoryBus(bus.DefaultConfig()), "n1")
	s, _ := m.InitiateVote(context.Background(), "pick", []string{"A", "B", "C"}, 3, 100*time.Millisecond, "tester")

	m.CastVote(s.SessionID, "a1", "A", 0.9)
	m.CastVote(s.SessionID, "a2", "B", 0.95)

	res := waitResult(t, m, s.SessionID, 5*time.Second)
	if res.VoteCounts["A"] != 1 || res.VoteCounts["B"] != 1 {
		t.Errorf("counts = %v", res.VoteCounts)
	}
	if res.Winner == nil || *res.Winner != "B" {
		t.Errorf("winner = %v, want B", res.Winner)
	}
	if res.QuorumReached {
		t.Error("quorum_reached should be false")
	}
}

func TestCastVoteRejections(t *testing.T) {
	m := newManager(t, bus.NewMemoryBus(bus.DefaultConfig()), "n1")
	s, _ := m.InitiateVote(context.Background(), "pick", []string{"A", "B"}, 5, time.Hour, "tester")

	tests := []struct {
		name       string
		session    string
		agent      string
		choice     string
		confidence float64
	}{
		{"unknown session", "nope", "a1", "A", 0.5},
		{"undeclared choice", s.SessionID, "a1", "Z", 0.5},
		{"empty agent", s.SessionID, "", "A", 0.5},
		{"confidence above one", s.SessionID, "a1", "A", 1.5},
		{"negative confidence", s.SessionID, "a1", "A", -0.1},
	}
	for _, tt := range tests {
		if m.CastVote(tt.session, tt.agent, tt.choice, tt.confidence) {
			t.Errorf("%s: vote accepted", tt.name)
		}
	}
	if got, _ := m.Session(s.SessionID); len(got.Votes) != 0 {
		t.Errorf("rejected votes recorded: %v", got.Votes)
	}
}

func TestRevoteOverwrites(t *testing.T) {
	m := newManager(t, bus.NewMemoryBus(bus.DefaultConfig()), "n1")
	s, _ := m.InitiateVote(context.Background(), "pick", []string{"A", "B"}, 2, time.Hour, "tester")

	m.CastVote(s.SessionID, "a1", "A", 0.5)
	m.CastVote(s.SessionID, "a1", "B", 0.8)

	got, _ := m.Session(s.SessionID)
	if got.Status != StatusActive {
		t.Fatal("one agent voting twice reached quorum")
	}
	if len(got.Votes) != 1 || got.Votes[0].Choice != "B" {
		t.Errorf("votes = %+v", got.Votes)
	}
}

func TestVoteAfterCompletionRejected(t *testing.T) {
	m := newManager(t, bus.NewMemoryBus(bus.DefaultConfig()), "n1")
	s, _ := m.InitiateVote(context.Background(), "pick", []string{"A"}, 1, time.Hour, "tester")
	m.CastVote(s.SessionID, "a1", "A", 1)

	if m.CastVote(s.SessionID, "a2", "A", 1) {
		t.Error("vote accepted on a completed session")
	}
	res := waitResult(t, m, s.SessionID, time.Second)
	if res.TotalVotes != 1 {
		t.Errorf("result changed after completion: %+v", res)
	}
}

func TestInitiateVoteValidation(t *testing.T) {
	m := newManager(t, bus.NewMemoryBus(bus.DefaultConfig()), "n1")
	tests := []struct {
		name    string
		topic   string
		choices []string
		quorum  int
		timeout time.Duration
	}{
		{"no choices", "t", nil, 1, time.Second},
		{"duplicate choice", "t", []string{"A", "A"}, 1, time.Second},
		{"empty choice", "t", []string{""}, 1, time.Second},
		{"zero quorum", "t", []string{"A"}, 0, time.Second},
		{"zero timeout", "t", []string{"A"}, 1, 0},
		{"no topic", " ", []string{"A"}, 1, time.Second},
	}
	for _, tt := range tests {
		_, err := m.InitiateVote(context.Background(), tt.topic, tt.choices, tt.quorum, tt.timeout, "x")
		if !swarmerr.IsValidation(err) {
			t.Errorf("%s: expected validation error, got %v", tt.name, err)
		}
	}
}

// Quorum and timeout racing on the same session publish exactly one result.
func TestFinalizesExactlyOnce(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	results, err := mb.Subscribe("consensus.results")
	if err != nil {
		t.Fatal(err)
	}
	defer results.Unsubscribe()

	reg := prometheus.NewRegistry()
	m := newManager(t, mb, "n1", WithMetrics(metrics.MustNew(reg)))

	const sessions = 20
	for i := 0; i < sessions; i++ {
		s, _ := m.InitiateVote(context.Background(), "race", []string{"A", "B"}, 2, 5*time.Millisecond, "tester")
		var wg sync.WaitGroup
		for _, agent := range []string{"a1", "a2"} {
			wg.Add(1)
			go func(agent string) {
				defer wg.Done()
				time.Sleep(4 * time.Millisecond)
				m.CastVote(s.SessionID, agent, "A", 0.5)
			}(agent)
		}
		wg.Wait()
		waitResult(t, m, s.SessionID, 5*time.Second)
	}

	seen := make(map[string]int)
	deadline := time.After(2 * time.Second)
	for len(seen) < sessions {
		select {
		case msg := <-results.Messages():
			env, err := DecodeEnvelope(msg.Data)
			if err != nil {
				t.Fatal(err)
			}
			seen[env.SessionID]++
		case <-deadline:
			t.Fatalf("saw results for %d of %d sessions", len(seen), sessions)
		}
	}
	// Drain anything late.
	time.Sleep(50 * time.Millisecond)
	for {
		select {
		case msg := <-results.Messages():
			env, _ := DecodeEnvelope(msg.Data)
			seen[env.SessionID]++
			continue
		default:
		}
		break
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("session %s published %d results", id, n)
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var total float64
	for _, f := range families {
		if f.GetName() != "swarm_consensus_finalizations_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	if total != sessions {
		t.Errorf("finalizations counted = %v, want %d", total, sessions)
	}
}

func TestEventsOnBus(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	initiated, _ := mb.Subscribe("votes.initiated")
	votesSub, _ := mb.Subscribe("votes.vote")

	m := NewManager(mb, Config{NodeID: "n1", SubjectPrefix: "votes"}, WithLogger(logging.Discard()))
	defer m.Stop()

	s, _ := m.InitiateVote(context.Background(), "pick", []string{"A", "B"}, 2, time.Hour, "planner")
	m.CastVote(s.SessionID, "a1", "B", 0.4)

	msg := receive(t, initiated)
	env, _ := DecodeEnvelope(msg.Data)
	if env.Type != EventVoteInitiated || env.Origin != "n1" || env.SessionID != s.SessionID {
		t.Errorf("envelope = %+v", env)
	}
	var ev InitiatedEvent
	json.Unmarshal(env.Data, &ev)
	if ev.Quorum != 2 || ev.InitiatedBy != "planner" || len(ev.Choices) != 2 || ev.TimeoutSeconds != 3600 {
		t.Errorf("initiated = %+v", ev)
	}

	msg = receive(t, votesSub)
	env, _ = DecodeEnvelope(msg.Data)
	var v Vote
	json.Unmarshal(env.Data, &v)
	if env.Type != EventAgentVote || v.AgentID != "a1" || v.Choice != "B" || v.VoteID == "" {
		t.Errorf("vote = %+v", v)
	}
}

func receive(t *testing.T, sub bus.Subscription) *bus.Message {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

// Two managers on one bus: a session owned by one is joined and voted on
// by the other, and both see the owner's result.
func TestRemoteParticipation(t *testing.T) {
	mb := bus.NewMemoryBus(bus.DefaultConfig())
	owner := newManager(t, mb, "owner")
	peer := newManager(t, mb, "peer")
	ctx := context.Background()
	if err := owner.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := peer.Start(ctx); err != nil {
		t.Fatal(err)
	}

	s, err := owner.InitiateVote(ctx, "deploy?", []string{"yes", "no"}, 2, time.Hour, "planner")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if mirrored, ok := peer.Session(s.SessionID); ok {
			if mirrored.Owned || mirrored.Quorum != 2 {
				t.Fatalf("mirrored session = %+v", mirrored)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("peer never saw the session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !owner.CastVote(s.SessionID, "agent-a", "yes", 0.9) {
		t.Fatal("local vote rejected")
	}
	if !peer.CastVote(s.SessionID, "agent-b", "yes", 0.8) {
		t.Fatal("peer vote rejected")
	}

	for _, m := range []*Manager{owner, peer} {
		res := waitResult(t, m, s.SessionID, 2*time.Second)
		if res.Winner == nil || *res.Winner != "yes" || !res.QuorumReached || res.TotalVotes != 2 {
			t.Errorf("%s result = %+v", m.NodeID(), res)
		}
	}
	if got, _ := peer.Session(s.SessionID); got.Status != StatusCompleted {
		t.Errorf("peer status = %s", got.Status)
	}
}

func TestWaitErrors(t *testing.T) {
	m := newManager(t, bus.NewMemoryBus(bus.DefaultConfig()), "n1")
	if _, err := m.Wait(context.Background(), "missing"); !swarmerr.Is(err, swarmerr.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}

	s, _ := m.InitiateVote(context.Background(), "pick", []string{"A"}, 1, time.Hour, "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Wait(ctx, s.SessionID); !swarmerr.Is(err, swarmerr.ErrCodeCanceled) {
		t.Errorf("expected CANCELED, got %v", err)
	}

	m.Stop()
	if _, err := m.Wait(context.Background(), s.SessionID); !swarmerr.Is(err, swarmerr.ErrCodeUnavailable) {
		t.Errorf("expected UNAVAILABLE after Stop, got %v", err)
	}
	if _, err := m.InitiateVote(context.Background(), "pick", []string{"A"}, 1, time.Hour, "x"); err == nil {
		t.Error("InitiateVote after Stop succeeded")
	}
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSessionsPrunedAfterRetention(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(bus.NewMemoryBus(bus.DefaultConfig()), Config{NodeID: "n1", Retention: time.Minute},
		WithLogger(logging.Discard()), WithClock(clock.Now))
	t.Cleanup(func() { m.Stop() })
	ctx := context.Background()

	done, err := m.InitiateVote(ctx, "finished", []string{"A"}, 1, time.Hour, "x")
	if err != nil {
		t.Fatal(err)
	}
	m.CastVote(done.SessionID, "agent-1", "A", 1)
	open, err := m.InitiateVote(ctx, "open", []string{"A"}, 5, time.Hour, "x")
	if err != nil {
		t.Fatal(err)
	}
	m.completeMirror(ResultsEvent{
		SessionID:   "remote-done",
		Topic:       "elsewhere",
		Result:      Tally([]string{"A"}, nil, 1),
		CompletedAt: clock.Now(),
	})
	m.mirror(InitiatedEvent{
		SessionID: "remote-open", Topic: "abandoned", Choices: []string{"A"},
		Quorum: 1, TimeoutSeconds: 30, InitiatedBy: "gone",
	})

	known := func() map[string]bool {
		out := make(map[string]bool)
		for _, s := range m.Sessions() {
			out[s.SessionID] = true
		}
		return out
	}

	if got := known(); len(got) != 4 {
		t.Fatalf("sessions = %v, want 4", got)
	}

	clock.Advance(61 * time.Second)
	got := known()
	if got[done.SessionID] || got["remote-done"] {
		t.Errorf("completed sessions kept past retention: %v", got)
	}
	if !got[open.SessionID] || !got["remote-open"] {
		t.Errorf("live sessions pruned early: %v", got)
	}
	if _, err := m.Wait(ctx, done.SessionID); !swarmerr.Is(err, swarmerr.ErrCodeNotFound) {
		t.Errorf("Wait on pruned session = %v, want NOT_FOUND", err)
	}

	// The abandoned mirror goes once its timeout plus retention passes.
	clock.Advance(30 * time.Second)
	got = known()
	if got["remote-open"] || !got[open.SessionID] || len(got) != 1 {
		t.Errorf("sessions = %v, want only the owned open one", got)
	}
}
