package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/internal/fsutil"
	"github.com/vinayprograms/swarmkit/tasks"
	"github.com/vinayprograms/swarmkit/telemetry"
)

// Completion is the record written to the outbox.
type Completion struct {
	TaskID      string      `json:"task_id"`
	AgentID     string      `json:"agent_id"`
	Result      interface{} `json:"result"`
	CompletedAt time.Time   `json:"completed_at"`
	Task        tasks.Task  `json:"task"`
}

// Complete writes the completion record and removes the inbox copy. The
// heartbeat is cleared once no other claim remains. result must be
// JSON-encodable.
func (m *Mailbox) Complete(c *Claim, result interface{}) (err error) {
	_, span := m.tracer.StartTaskSpan(context.Background(), "mailbox.complete", m.agentID, c.Task.TaskID)
	defer func() { telemetry.End(span, err) }()

	done := c.Task.Clone()
	done.Status = tasks.StatusCompleted
	done.UpdatedAt = time.Now().UTC()

	record := Completion{
		TaskID:      c.Task.TaskID,
		AgentID:     m.agentID,
		Result:      result,
		CompletedAt: done.UpdatedAt,
		Task:        done,
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return swarmerr.Wrap(err, "encode completion", swarmerr.WithTaskID(c.Task.TaskID))
	}

	out := filepath.Join(m.outboxPath(), completedPrefix+c.Task.TaskID+fileSuffix)
	if err := fsutil.WriteFileAtomic(out, data, 0o644); err != nil {
		return swarmerr.Wrap(err, "write completion", swarmerr.WithTaskID(c.Task.TaskID), swarmerr.WithAgentID(m.agentID))
	}
	if err := os.Remove(c.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return swarmerr.Wrap(err, "remove inbox copy", swarmerr.WithTaskID(c.Task.TaskID), swarmerr.WithAgentID(m.agentID))
	}

	m.logger.Info("task completed", map[string]interface{}{"task_id": c.Task.TaskID})
	m.settleHeartbeat()
	return nil
}

// Fail moves the claimed file into failed/ (it is never deleted) and then
// rewrites it with failure_reason, failed_by and failed_at. If the rewrite
// fails the moved original is still there.
func (m *Mailbox) Fail(c *Claim, reason string) error {
	return m.fail(c, reason, nil)
}

// FailWithError is Fail with reason taken from cause. The coded form of
// cause is also recorded under failure_error; a plain error is recorded as
// TASK_FAILED.
func (m *Mailbox) FailWithError(c *Claim, cause error) error {
	coded := swarmerr.AsCoordinationError(cause)
	if coded == nil {
		coded = swarmerr.TaskFailed(c.Task.TaskID, cause.Error(),
			swarmerr.WithAgentID(m.agentID), swarmerr.WithCause(cause))
	}
	return m.fail(c, cause.Error(), coded)
}

func (m *Mailbox) fail(c *Claim, reason string, coded swarmerr.CoordinationError) (err error) {
	_, span := m.tracer.StartTaskSpan(context.Background(), "mailbox.fail", m.agentID, c.Task.TaskID)
	defer func() { telemetry.End(span, err) }()

	dst, err := m.moveToFailed(c.Path, filepath.Base(c.Path))
	if err != nil {
		return swarmerr.Wrap(err, "move task to failed", swarmerr.WithTaskID(c.Task.TaskID), swarmerr.WithAgentID(m.agentID))
	}
	c.Path = dst

	failed := c.Task.Clone()
	failed.Status = tasks.StatusFailed
	failed.UpdatedAt = time.Now().UTC()
	if failed.Extra == nil {
		failed.Extra = make(map[string]json.RawMessage)
	}
	fields := map[string]interface{}{
		"failure_reason": reason,
		"failed_by":      m.agentID,
		"failed_at":      failed.UpdatedAt.Format(time.RFC3339Nano),
	}
	if coded != nil {
		fields["failure_error"] = coded
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			m.logger.Warn("failure field dropped", map[string]interface{}{"task_id": c.Task.TaskID, "field": k, "error": err.Error()})
			continue
		}
		failed.Extra[k] = raw
	}

	data, err := json.MarshalIndent(failed, "", "  ")
	if err == nil {
		err = fsutil.WriteFileAtomic(dst, data, 0o644)
	}
	m.settleHeartbeat()
	if err != nil {
		return swarmerr.Wrap(err, "annotate failed task", swarmerr.WithTaskID(c.Task.TaskID), swarmerr.WithAgentID(m.agentID))
	}

	m.logger.Warn("task failed", map[string]interface{}{"task_id": c.Task.TaskID, "reason": reason})
	return nil
}
