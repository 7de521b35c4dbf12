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

// Heartbeats returns every agent's marker, sorted by agent id. Markers that
// cannot be decoded are logged and skipped.
func (m *Mailbox) Heartbeats() ([]*Heartbeat, error) {
	entries, err := os.ReadDir(m.heartbeatDirPath())
	if err != nil {
		return nil, swarmerr.Wrap(err, "list heartbeats")
	}
	var out []*Heartbeat
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		hb, ok, err := m.ReadHeartbeat(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			m.logger.Warn("heartbeat skipped", map[string]interface{}{"file": name, "error": err.Error()})
			continue
		}
		if ok {
			out = append(out, hb)
		}
	}
	return out, nil
}

// Reclaim returns the tasks in agentID's inbox to the shared pool with
// retry_count incremented, then removes that agent's heartbeat. It is meant
// for agents presumed dead: if the owner is in fact still running, its task
// may execute twice.
//
// A task whose id is already pooled stays in the inbox. Unreadable inbox
// files are left for an operator. The ids returned are the tasks that made
// it back into the pool.
func (m *Mailbox) Reclaim(agentID string) ([]string, error) {
	if err := ValidateID(agentID); err != nil {
		return nil, err
	}
	inbox := filepath.Join(m.root, agentID, inboxDir)
	files, err := listTaskFiles(inbox)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	log := m.logger.With(map[string]interface{}{"owner": agentID})
	var reclaimed []string
	for _, path := range files {
		t, ok := m.Read(path)
		if !ok {
			continue
		}
		back := t.Clone()
		back.Status = tasks.StatusPending
		back.RetryCount++
		back.UpdatedAt = time.Now().UTC()
		data, err := json.MarshalIndent(back, "", "  ")
		if err != nil {
			log.Warn("reclaim encode failed", map[string]interface{}{"task_id": t.TaskID, "error": err.Error()})
			continue
		}

		dst := filepath.Join(m.poolPath(), taskFileName(t.TaskID))
		if err := fsutil.PublishFile(dst, data, 0o644); err != nil {
			log.Warn("reclaim skipped", map[string]interface{}{"task_id": t.TaskID, "error": err.Error()})
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			// Pooled and still in the inbox: the pool copy wins on the next claim.
			log.Warn("reclaimed task left in inbox", map[string]interface{}{"task_id": t.TaskID, "error": err.Error()})
		}
		m.metrics.IncClaim("reclaimed")
		reclaimed = append(reclaimed, t.TaskID)
	}

	if err := os.Remove(m.heartbeatPath(agentID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("heartbeat clear failed", map[string]interface{}{"error": err.Error()})
	}
	if len(reclaimed) > 0 {
		log.Info("tasks reclaimed", map[string]interface{}{"count": len(reclaimed)})
	}
	return reclaimed, nil
}
