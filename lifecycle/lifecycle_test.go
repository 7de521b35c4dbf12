package lifecycle

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/metrics"
)

func newMachine(opts ...Option) *Machine {
	return New("T1", append([]Option{WithLogger(logging.Discard())}, opts...)...)
}

func TestHappyPathThenAbsorbed(t *testing.T) {
	m := newMachine()
	if m.State() != Pending {
		t.Fatalf("initial state = %s", m.State())
	}
	for _, step := range []func() bool{m.SetReceived, m.SetRunning, m.SetCompleted} {
		if !step() {
			t.Fatalf("transition refused at %s", m.State())
		}
	}
	if m.TransitionTo(Running, "retry") {
		t.Error("left a terminal state")
	}
	if m.State() != Completed {
		t.Errorf("state = %s, want COMPLETED", m.State())
	}
	if len(m.History()) != 3 {
		t.Errorf("history length = %d", len(m.History()))
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	for _, terminal := range []State{Completed, Failed, Error, Cancelled} {
		m := newMachine()
		m.TransitionTo(Running, "go")
		if !m.TransitionTo(terminal, "end") {
			t.Fatalf("%s refused", terminal)
		}
		for _, next := range States {
			if m.TransitionTo(next, "again") {
				t.Errorf("%s -> %s accepted", terminal, next)
			}
		}
		if m.State() != terminal || !m.IsTerminal() {
			t.Errorf("state = %s", m.State())
		}
	}
}

func TestRefusedTransitions(t *testing.T) {
	m := newMachine()
	if m.TransitionTo(Pending, "noop") {
		t.Error("same-state transition accepted")
	}
	if m.TransitionTo(State("EXPLODED"), "?") {
		t.Error("unknown state accepted")
	}
	if len(m.History()) != 0 {
		t.Errorf("refused transitions recorded: %v", m.History())
	}
}

func TestPauseResume(t *testing.T) {
	m := newMachine()
	m.SetReceived()
	m.SetRunning()
	if !m.SetPaused() || !m.SetRunning() || !m.SetPaused() {
		t.Fatal("RUNNING <-> PAUSED refused")
	}
	if !m.SetCancelled() {
		t.Fatal("cancel from PAUSED refused")
	}
}

func TestHistoryEntries(t *testing.T) {
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m := newMachine(WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	m.SetReceived()
	m.SetFailed("bad input")

	h := m.History()
	want := []Transition{
		{TaskID: "T1", From: Pending, To: Received, Reason: "task received"},
		{TaskID: "T1", From: Received, To: Failed, Reason: "bad input"},
	}
	for i := range want {
		got := h[i]
		got.Timestamp = time.Time{}
		if got != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, got, want[i])
		}
	}
	if !h[1].Timestamp.After(h[0].Timestamp) {
		t.Error("timestamps not increasing")
	}

	// The returned slice is a copy.
	h[0].Reason = "tampered"
	if m.History()[0].Reason != "task received" {
		t.Error("History exposed internal slice")
	}
}

func TestDefaultReasons(t *testing.T) {
	m := newMachine()
	m.SetError("")
	if got := m.History()[0].Reason; got != "internal error" {
		t.Errorf("reason = %q", got)
	}
}

func TestObservers(t *testing.T) {
	m := newMachine()
	var order []string

	m.On(Running, func(tr Transition) error {
		order = append(order, "running:"+string(tr.From))
		return nil
	})
	m.On(Completed, func(Transition) error {
		order = append(order, "completed")
		return nil
	})
	m.OnAny(func(tr Transition) error {
		order = append(order, "any:"+string(tr.To))
		return nil
	})

	m.SetReceived()
	m.SetRunning()
	m.SetCompleted()
	m.SetRunning() // refused, notifies nobody

	want := []string{"any:RECEIVED", "running:RECEIVED", "any:RUNNING", "completed", "any:COMPLETED"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestObserverFailuresAreIsolated(t *testing.T) {
	m := newMachine()
	var reached []string

	m.On(Received, func(Transition) error { return errors.New("boom") })
	m.On(Received, func(Transition) error { panic("observer bug") })
	m.On(Received, func(Transition) error {
		reached = append(reached, "third")
		return nil
	})
	m.OnAny(func(Transition) error {
		reached = append(reached, "any")
		return nil
	})

	if !m.SetReceived() {
		t.Fatal("transition refused")
	}
	if m.State() != Received {
		t.Errorf("state = %s", m.State())
	}
	if len(reached) != 2 {
		t.Errorf("later observers skipped: %v", reached)
	}
	if !m.SetRunning() {
		t.Error("machine unusable after observer panic")
	}
}

func TestParseState(t *testing.T) {
	if s, err := ParseState(" running "); err != nil || s != Running {
		t.Errorf("ParseState = %v, %v", s, err)
	}
	if _, err := ParseState("sleeping"); err == nil {
		t.Error("expected error")
	}
}

func TestSnapshotJSON(t *testing.T) {
	m := newMachine()
	m.SetReceived()

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.TaskID != "T1" || snap.CurrentState != Received || len(snap.History) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestTransitionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mt := metrics.MustNew(reg)
	m := newMachine(WithMetrics(mt))
	m.SetReceived()
	m.SetRunning()
	m.SetCompleted()
	m.SetRunning()

	expected := `
# HELP swarm_lifecycle_transitions_total Accepted task state transitions by destination state.
# TYPE swarm_lifecycle_transitions_total counter
swarm_lifecycle_transitions_total{to="COMPLETED"} 1
swarm_lifecycle_transitions_total{to="RECEIVED"} 1
swarm_lifecycle_transitions_total{to="RUNNING"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "swarm_lifecycle_transitions_total"); err != nil {
		t.Error(err)
	}
}
