// Package ledger keeps an append-only SQLite audit trail of task state
// transitions and outcomes.
//
// The ledger is optional. A worker with a ledger attaches Observer to each
// task's state machine, so every accepted transition is recorded, and
// records one outcome row per finished task.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/lifecycle"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL,
	agent_id   TEXT NOT NULL DEFAULT '',
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS transitions_task ON transitions (task_id);

CREATE TABLE IF NOT EXISTS outcomes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL,
	agent_id    TEXT NOT NULL,
	state       TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS outcomes_agent ON outcomes (agent_id);
`

// Entry is one recorded state transition.
type Entry struct {
	TaskID    string
	AgentID   string
	From      lifecycle.State
	To        lifecycle.State
	Reason    string
	Timestamp time.Time
}

// Outcome is the final disposition of a task on one agent.
type Outcome struct {
	TaskID  string
	AgentID string

	// State is the terminal lifecycle state.
	State lifecycle.State

	// Detail is the failure reason, or empty on success.
	Detail     string
	Duration   time.Duration
	RecordedAt time.Time
}

// Ledger is a SQLite-backed audit log. Safe for concurrent use.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path. ":memory:" gives a private
// in-memory ledger.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, swarmerr.Wrap(err, fmt.Sprintf("open ledger %s", path))
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, swarmerr.Wrap(err, "create ledger schema")
	}
	return &Ledger{db: db}, nil
}

// Close releases the database.
func (l *Ledger) Close() error { return l.db.Close() }

// RecordTransition appends a transition. A zero Timestamp means now.
func (l *Ledger) RecordTransition(ctx context.Context, e Entry) error {
	if e.TaskID == "" {
		return swarmerr.Validation("ledger entry needs a task id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO transitions (task_id, agent_id, from_state, to_state, reason, at) VALUES (?,?,?,?,?,?)`,
		e.TaskID, e.AgentID, string(e.From), string(e.To), e.Reason, formatTime(e.Timestamp),
	)
	if err != nil {
		return swarmerr.Wrap(err, "record transition", swarmerr.WithTaskID(e.TaskID))
	}
	return nil
}

// RecordOutcome appends a task outcome. A zero RecordedAt means now.
func (l *Ledger) RecordOutcome(ctx context.Context, o Outcome) error {
	if o.TaskID == "" || o.AgentID == "" {
		return swarmerr.Validation("ledger outcome needs a task id and an agent id")
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO outcomes (task_id, agent_id, state, detail, duration_ms, at) VALUES (?,?,?,?,?,?)`,
		o.TaskID, o.AgentID, string(o.State), o.Detail, o.Duration.Milliseconds(), formatTime(o.RecordedAt),
	)
	if err != nil {
		return swarmerr.Wrap(err, "record outcome", swarmerr.WithTaskID(o.TaskID), swarmerr.WithAgentID(o.AgentID))
	}
	return nil
}

// History returns the transitions recorded for taskID in insertion order.
func (l *Ledger) History(ctx context.Context, taskID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT task_id, agent_id, from_state, to_state, reason, at FROM transitions WHERE task_id = ? ORDER BY id`,
		taskID)
	if err != nil {
		return nil, swarmerr.Wrap(err, "query history", swarmerr.WithTaskID(taskID))
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			from, to string
			at       string
		)
		if err := rows.Scan(&e.TaskID, &e.AgentID, &from, &to, &e.Reason, &at); err != nil {
			return nil, swarmerr.Wrap(err, "scan transition")
		}
		e.From, e.To = lifecycle.State(from), lifecycle.State(to)
		if e.Timestamp, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, swarmerr.Wrap(err, "query history")
	}
	return out, nil
}

// Outcomes returns recorded outcomes for agentID, or for every agent when
// agentID is empty, oldest first.
func (l *Ledger) Outcomes(ctx context.Context, agentID string) ([]Outcome, error) {
	q := `SELECT task_id, agent_id, state, detail, duration_ms, at FROM outcomes`
	var args []any
	if agentID != "" {
		q += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY id`

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, swarmerr.Wrap(err, "query outcomes")
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o     Outcome
			state string
			ms    int64
			at    string
		)
		if err := rows.Scan(&o.TaskID, &o.AgentID, &state, &o.Detail, &ms, &at); err != nil {
			return nil, swarmerr.Wrap(err, "scan outcome")
		}
		o.State = lifecycle.State(state)
		o.Duration = time.Duration(ms) * time.Millisecond
		if o.RecordedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, swarmerr.Wrap(err, "query outcomes")
	}
	return out, nil
}

// Observer returns a lifecycle observer recording every transition under
// agentID. Register it with Machine.OnAny.
func Observer(l *Ledger, agentID string) lifecycle.Observer {
	return func(t lifecycle.Transition) error {
		return l.RecordTransition(context.Background(), Entry{
			TaskID:    t.TaskID,
			AgentID:   agentID,
			From:      t.From,
			To:        t.To,
			Reason:    t.Reason,
			Timestamp: t.Timestamp,
		})
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, swarmerr.Corruption(fmt.Sprintf("ledger timestamp %q", s), swarmerr.WithCause(err))
	}
	return t, nil
}
