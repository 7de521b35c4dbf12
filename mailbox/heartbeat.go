package mailbox

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/internal/fsutil"
	"github.com/vinayprograms/swarmkit/tasks"
)

// Heartbeat is the liveness marker an agent keeps while it holds a task.
type Heartbeat struct {
	AgentID   string    `json:"agent_id"`
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Age returns how long ago the heartbeat was written.
func (h *Heartbeat) Age(now time.Time) time.Duration {
	return now.Sub(h.Timestamp)
}

// UpdateHeartbeat writes this agent's marker. Failures are logged only.
func (m *Mailbox) UpdateHeartbeat(taskID, status string) {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	m.writeHeartbeat(taskID, status)
}

// ClearHeartbeat removes this agent's marker. Failures are logged only.
func (m *Mailbox) ClearHeartbeat() {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	m.removeHeartbeat()
}

// settleHeartbeat runs after a claim leaves the inbox. The marker is
// removed only when no claim remains; otherwise it is rewritten for the
// first remaining one so a crash still leaves a marker to go stale.
func (m *Mailbox) settleHeartbeat() {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()

	remaining, err := m.Inbox()
	if err != nil {
		m.logger.Warn("heartbeat kept: inbox unreadable", map[string]interface{}{"error": err.Error()})
		return
	}
	if len(remaining) == 0 {
		m.removeHeartbeat()
		return
	}
	name := filepath.Base(remaining[0])
	taskID := strings.TrimSuffix(strings.TrimPrefix(name, taskPrefix), fileSuffix)
	m.writeHeartbeat(taskID, string(tasks.StatusClaimed))
}

func (m *Mailbox) writeHeartbeat(taskID, status string) {
	hb := Heartbeat{
		AgentID:   m.agentID,
		TaskID:    taskID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(hb)
	if err == nil {
		err = fsutil.WriteFileAtomic(m.heartbeatPath(m.agentID), data, 0o644)
	}
	if err != nil {
		m.logger.Warn("heartbeat write failed", map[string]interface{}{"task_id": taskID, "error": err.Error()})
	}
}

func (m *Mailbox) removeHeartbeat() {
	if err := os.Remove(m.heartbeatPath(m.agentID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("heartbeat clear failed", map[string]interface{}{"error": err.Error()})
	}
}

// ReadHeartbeat returns agentID's marker, or false if it has none.
func (m *Mailbox) ReadHeartbeat(agentID string) (*Heartbeat, bool, error) {
	if err := ValidateID(agentID); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(m.heartbeatPath(agentID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, swarmerr.Wrap(err, "read heartbeat", swarmerr.WithAgentID(agentID))
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, false, swarmerr.Corruption("heartbeat for "+agentID+" is not valid JSON",
			swarmerr.WithAgentID(agentID), swarmerr.WithCause(err))
	}
	return &hb, true, nil
}
