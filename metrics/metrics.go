// Package metrics exposes Prometheus collectors for board, mailbox,
// lifecycle and consensus activity.
//
// Collectors are registered on a caller-supplied registerer. Every method is
// safe on a nil *Metrics, so components record unconditionally and callers
// that do not want metrics simply pass nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "swarm"

// Claim results.
const (
	ClaimClaimed    = "claimed"
	ClaimLostRace   = "lost_race"
	ClaimRejected   = "rejected"
	ClaimUnreadable = "unreadable"
	ClaimError      = "error"
)

// Metrics holds the swarm collectors.
type Metrics struct {
	boardOps          *prometheus.CounterVec
	boardLockWait     *prometheus.HistogramVec
	boardLockTimeouts *prometheus.CounterVec
	claims            *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	tasksActive       prometheus.Gauge
	votes             *prometheus.CounterVec
	finalizations     *prometheus.CounterVec
}

// MustNew constructs the collectors and registers them with reg. A nil reg
// uses a private registry, which is convenient in tests. Registration errors
// panic, mirroring promauto.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		boardOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "board",
			Name:      "operations_total",
			Help:      "Board store operations by operation and result.",
		}, []string{"op", "result"}),
		boardLockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "board",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a board lock.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"board"}),
		boardLockTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "board",
			Name:      "lock_timeouts_total",
			Help:      "Board lock acquisitions that gave up after the lock timeout.",
		}, []string{"board"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "claims_total",
			Help:      "Claim attempts per pool candidate by result.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Accepted task state transitions by destination state.",
		}, []string{"to"}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tasks_active",
			Help:      "Tasks currently held by this worker.",
		}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "votes_total",
			Help:      "Votes cast by result.",
		}, []string{"result"}),
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "finalizations_total",
			Help:      "Finalized vote sessions by trigger and quorum flag.",
		}, []string{"trigger", "quorum_reached"}),
	}

	reg.MustRegister(
		m.boardOps,
		m.boardLockWait,
		m.boardLockTimeouts,
		m.claims,
		m.transitions,
		m.tasksActive,
		m.votes,
		m.finalizations,
	)
	return m
}

// ObserveBoardOp counts a board operation; err decides the result label.
func (m *Metrics) ObserveBoardOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.boardOps.WithLabelValues(op, result).Inc()
}

// ObserveLockWait records how long a board lock acquisition took.
func (m *Metrics) ObserveLockWait(board string, waited time.Duration) {
	if m == nil {
		return
	}
	m.boardLockWait.WithLabelValues(board).Observe(waited.Seconds())
}

// IncLockTimeout counts a lock acquisition that timed out.
func (m *Metrics) IncLockTimeout(board string) {
	if m == nil {
		return
	}
	m.boardLockTimeouts.WithLabelValues(board).Inc()
}

// IncClaim counts one claim attempt with one of the Claim* results.
func (m *Metrics) IncClaim(result string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result).Inc()
}

// IncTransition counts an accepted transition into state.
func (m *Metrics) IncTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// TaskStarted marks a task as held.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksActive.Inc()
}

// TaskFinished marks a held task as released.
func (m *Metrics) TaskFinished() {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
}

// IncVote counts a vote as accepted or rejected.
func (m *Metrics) IncVote(accepted bool) {
	if m == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	m.votes.WithLabelValues(result).Inc()
}

// IncFinalization counts a finalized session. trigger is "quorum" or "timeout".
func (m *Metrics) IncFinalization(trigger string, quorumReached bool) {
	if m == nil {
		return
	}
	m.finalizations.WithLabelValues(trigger, strconv.FormatBool(quorumReached)).Inc()
}
