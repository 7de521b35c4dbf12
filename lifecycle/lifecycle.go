package lifecycle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/metrics"
)

// State is a task execution state.
type State string

const (
	Pending   State = "PENDING"
	Received  State = "RECEIVED"
	Running   State = "RUNNING"
	Paused    State = "PAUSED"
	Completed State = "COMPLETED"
	Failed    State = "FAILED"
	Error     State = "ERROR"
	Cancelled State = "CANCELLED"
)

// States lists every state in lifecycle order.
var States = []State{Pending, Received, Running, Paused, Completed, Failed, Error, Cancelled}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s can never be left.
func (s State) IsTerminal() bool {
	return s == Completed || s == Failed || s == Error || s == Cancelled
}

func (s State) String() string { return string(s) }

// ParseState parses a state name case-insensitively.
func ParseState(name string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(name)))
	if !s.Valid() {
		return "", swarmerr.Validation(fmt.Sprintf("unknown lifecycle state %q", name))
	}
	return s, nil
}

// Transition is one accepted state change. Entries are never modified
// after they are appended.
type Transition struct {
	TaskID    string    `json:"task_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer is notified after a transition is recorded.
type Observer func(Transition) error

// Snapshot is the serialisable form of a machine.
type Snapshot struct {
	TaskID       string       `json:"task_id"`
	CurrentState State        `json:"current_state"`
	History      []Transition `json:"history"`
}

// Machine is the state machine for one task.
type Machine struct {
	taskID    string
	current   State
	history   []Transition
	observers map[State][]Observer
	any       []Observer

	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger used for observer failures.
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithMetrics counts transitions by destination state.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New returns a machine for taskID in the PENDING state.
func New(taskID string, opts ...Option) *Machine {
	m := &Machine{
		taskID:    taskID,
		current:   Pending,
		observers: make(map[State][]Observer),
		logger:    logging.New(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("lifecycle")
	return m
}

// TaskID returns the task this machine tracks.
func (m *Machine) TaskID() string { return m.taskID }

// State returns the current state.
func (m *Machine) State() State { return m.current }

// IsTerminal reports whether the machine has reached a terminal state.
func (m *Machine) IsTerminal() bool { return m.current.IsTerminal() }

// History returns a copy of the accepted transitions, oldest first.
func (m *Machine) History() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Snapshot returns the machine's serialisable state.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{TaskID: m.taskID, CurrentState: m.current, History: m.History()}
}

// MarshalJSON encodes the machine as its Snapshot.
func (m *Machine) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

// On registers obs for transitions into state.
func (m *Machine) On(state State, obs Observer) {
	m.observers[state] = append(m.observers[state], obs)
}

// OnAny registers obs for every transition. OnAny observers run after the
// state-specific ones.
func (m *Machine) OnAny(obs Observer) {
	m.any = append(m.any, obs)
}

// TransitionTo moves the machine to state. It returns false, changing
// nothing, when state is unknown, equals the current state, or the current
// state is terminal.
func (m *Machine) TransitionTo(state State, reason string) bool {
	if !state.Valid() {
		m.logger.Warn("unknown state", map[string]interface{}{"task_id": m.taskID, "to": string(state)})
		return false
	}
	if state == m.current || m.current.IsTerminal() {
		return false
	}

	t := Transition{
		TaskID:    m.taskID,
		From:      m.current,
		To:        state,
		Reason:    reason,
		Timestamp: m.now(),
	}
	m.history = append(m.history, t)
	m.current = state
	m.metrics.IncTransition(string(state))
	m.logger.Debug("transition", map[string]interface{}{
		"task_id": m.taskID, "from": string(t.From), "to": string(t.To), "reason": reason,
	})

	for _, obs := range m.observers[state] {
		m.notify(obs, t)
	}
	for _, obs := range m.any {
		m.notify(obs, t)
	}
	return true
}

// notify runs one observer, absorbing its error or panic.
func (m *Machine) notify(obs Observer, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("observer panicked", map[string]interface{}{
				"task_id": t.TaskID, "to": string(t.To), "panic": swarmerr.RecoverPanic(r).Error(),
			})
		}
	}()
	if err := obs(t); err != nil {
		m.logger.Error("observer failed", map[string]interface{}{
			"task_id": t.TaskID, "to": string(t.To), "error": err.Error(),
		})
	}
}

// SetReceived marks the task as picked up by this agent.
func (m *Machine) SetReceived() bool { return m.TransitionTo(Received, "task received") }

// SetRunning marks the start of execution.
func (m *Machine) SetRunning() bool { return m.TransitionTo(Running, "execution started") }

// SetPaused suspends execution; SetRunning resumes it.
func (m *Machine) SetPaused() bool { return m.TransitionTo(Paused, "execution paused") }

// SetCompleted records a successful run.
func (m *Machine) SetCompleted() bool {
	return m.TransitionTo(Completed, "execution completed")
}

// SetFailed records a handler failure; an empty reason gets a default.
func (m *Machine) SetFailed(reason string) bool {
	if reason == "" {
		reason = "execution failed"
	}
	return m.TransitionTo(Failed, reason)
}

// SetError records an internal fault such as a panic.
func (m *Machine) SetError(reason string) bool {
	if reason == "" {
		reason = "internal error"
	}
	return m.TransitionTo(Error, reason)
}

// SetCancelled records that execution was stopped before it finished.
func (m *Machine) SetCancelled() bool { return m.TransitionTo(Cancelled, "execution cancelled") }
