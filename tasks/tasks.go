package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Common errors.
var (
	// ErrInvalidTask indicates a record that violates the task schema.
	ErrInvalidTask = errors.New("invalid task")

	// ErrDuplicateID indicates two records sharing a task_id.
	ErrDuplicateID = errors.New("duplicate task_id")
)

// Status is the board-level status string of a task record. Any non-empty
// string is accepted; the constants are the values this module writes.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is a unit of work as stored on a board and in mailbox files.
type Task struct {
	TaskID      string `json:"task_id"`
	Status      Status `json:"status"`
	Description string `json:"description"`
	// Metadata is written as-is, an empty object included. Numbers read
	// back as float64.
	Metadata   map[string]interface{} `json:"metadata"`
	RetryCount int                    `json:"retry_count"`
	CreatedAt  time.Time              `json:"created_at,omitzero"`
	UpdatedAt  time.Time              `json:"updated_at,omitzero"`

	// Extra holds fields this package does not model (for example the
	// failure fields the mailbox appends). They survive a decode/encode
	// round trip unchanged.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownFields are the JSON keys modelled by Task.
var knownFields = map[string]bool{
	"task_id":     true,
	"status":      true,
	"description": true,
	"metadata":    true,
	"retry_count": true,
	"created_at":  true,
	"updated_at":  true,
}

// New creates a pending task stamped with the current time.
func New(taskID, description string) Task {
	now := time.Now().UTC()
	return Task{
		TaskID:      taskID,
		Status:      StatusPending,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// taskAlias breaks the MarshalJSON/UnmarshalJSON recursion.
type taskAlias Task

// MarshalJSON implements json.Marshaler, merging Extra back into the object.
func (t Task) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(taskAlias(t))
	if err != nil || len(t.Extra) == 0 {
		return data, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range t.Extra {
		if !knownFields[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON implements json.Unmarshaler, collecting unknown keys into Extra.
func (t *Task) UnmarshalJSON(data []byte) error {
	var alias taskAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		if alias.Extra == nil {
			alias.Extra = make(map[string]json.RawMessage)
		}
		alias.Extra[k] = v
	}

	*t = Task(alias)
	return nil
}

// Validate checks the typed record against the schema.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.TaskID) == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidTask)
	}
	if strings.TrimSpace(string(t.Status)) == "" {
		return fmt.Errorf("%w: task %s: status is required", ErrInvalidTask, t.TaskID)
	}
	if t.RetryCount < 0 {
		return fmt.Errorf("%w: task %s: retry_count must be >= 0", ErrInvalidTask, t.TaskID)
	}
	return nil
}

// Clone creates a deep copy of the task.
func (t *Task) Clone() Task {
	clone := *t
	if t.Metadata != nil {
		// Round-trip through JSON so nested maps and slices are not shared.
		data, err := json.Marshal(t.Metadata)
		if err == nil {
			var m map[string]interface{}
			if json.Unmarshal(data, &m) == nil {
				clone.Metadata = m
			}
		}
	}
	if t.Extra != nil {
		clone.Extra = make(map[string]json.RawMessage, len(t.Extra))
		for k, v := range t.Extra {
			clone.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return clone
}

// LastModified returns UpdatedAt, falling back to CreatedAt.
func (t *Task) LastModified() time.Time {
	if !t.UpdatedAt.IsZero() {
		return t.UpdatedAt
	}
	return t.CreatedAt
}

// ValidateUnique returns ErrDuplicateID naming every task_id that appears
// more than once.
func ValidateUnique(list []Task) error {
	seen := make(map[string]int, len(list))
	for _, t := range list {
		seen[t.TaskID]++
	}
	var dups []string
	for id, n := range seen {
		if n > 1 {
			dups = append(dups, id)
		}
	}
	if len(dups) == 0 {
		return nil
	}
	sort.Strings(dups)
	return fmt.Errorf("%w: %s", ErrDuplicateID, strings.Join(dups, ", "))
}

// ValidateList validates every record and task_id uniqueness.
func ValidateList(list []Task) error {
	for i := range list {
		if err := list[i].Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return ValidateUnique(list)
}
