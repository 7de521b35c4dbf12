package mailbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/internal/fsutil"
	"github.com/vinayprograms/swarmkit/metrics"
	"github.com/vinayprograms/swarmkit/tasks"
	"github.com/vinayprograms/swarmkit/telemetry"
)

// ReasonUnreadable is the failure reason recorded for a claimed file that
// could not be decoded.
const ReasonUnreadable = "unreadable task file"

// Filter decides whether a claimed task may run here. Rejected tasks go
// back to the pool.
type Filter func(tasks.Task) bool

// Claim is a task this agent owns.
type Claim struct {
	Task tasks.Task

	// Path is the task file in this agent's inbox.
	Path string

	ClaimedAt time.Time
}

// ClaimNext claims the first available pool task accepted by filter (nil
// accepts everything). It returns false when nothing could be claimed.
// Lost races and per-file I/O errors are logged and skipped. The only
// errors returned are a failure to list the pool and ctx cancellation,
// which is checked between candidates.
func (m *Mailbox) ClaimNext(ctx context.Context, filter Filter) (claim *Claim, ok bool, err error) {
	ctx, span := m.tracer.StartTaskSpan(ctx, "mailbox.claim", m.agentID, "")
	defer func() {
		if claim != nil {
			telemetry.End(span, err, telemetry.AttrTaskID.String(claim.Task.TaskID))
			return
		}
		telemetry.End(span, err)
	}()

	candidates, err := m.Pending()
	if err != nil {
		return nil, false, err
	}

	for _, src := range candidates {
		if ctx.Err() != nil {
			return nil, false, swarmerr.Wrap(ctx.Err(), "claim scan interrupted", swarmerr.WithAgentID(m.agentID))
		}

		name := filepath.Base(src)
		dst := filepath.Join(m.inboxPath(), name)
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				m.metrics.IncClaim(metrics.ClaimLostRace)
				m.logger.Debug("claim lost race", map[string]interface{}{"file": name})
			} else {
				m.metrics.IncClaim(metrics.ClaimError)
				m.logger.Warn("claim skipped", map[string]interface{}{"file": name, "error": err.Error()})
			}
			continue
		}

		t, readable := m.Read(dst)
		if !readable {
			m.metrics.IncClaim(metrics.ClaimUnreadable)
			m.quarantine(dst)
			continue
		}

		c := &Claim{Task: *t, Path: dst, ClaimedAt: time.Now().UTC()}
		if filter != nil && !filter(c.Task) {
			m.metrics.IncClaim(metrics.ClaimRejected)
			if err := m.release(c); err != nil {
				m.logger.Error("release of rejected task failed", map[string]interface{}{
					"task_id": c.Task.TaskID, "error": err.Error(),
				})
			} else {
				m.logger.Debug("claim rejected by filter", map[string]interface{}{"task_id": c.Task.TaskID})
			}
			continue
		}

		m.metrics.IncClaim(metrics.ClaimClaimed)
		m.logger.Info("task claimed", map[string]interface{}{"task_id": c.Task.TaskID})
		m.UpdateHeartbeat(c.Task.TaskID, string(tasks.StatusClaimed))
		return c, true, nil
	}
	return nil, false, nil
}

// quarantine moves an undecodable claimed file to failed/ untouched and
// records the reason beside it.
func (m *Mailbox) quarantine(path string) {
	name := filepath.Base(path)
	dst, err := m.moveToFailed(path, name)
	if err != nil {
		m.logger.Error("quarantine failed", map[string]interface{}{"file": name, "error": err.Error()})
		return
	}
	note := fmt.Sprintf("%s\nfailed_by: %s\nfailed_at: %s\n", ReasonUnreadable, m.agentID, time.Now().UTC().Format(time.RFC3339Nano))
	if err := fsutil.WriteFileAtomic(dst+".reason", []byte(note), 0o644); err != nil {
		m.logger.Warn("quarantine note not written", map[string]interface{}{"file": name, "error": err.Error()})
	}
	m.logger.Warn("task file quarantined", map[string]interface{}{"file": name, "reason": ReasonUnreadable})
}

// moveToFailed moves path into failed/ without replacing an earlier
// failure of the same task; on a name clash the file gets a timestamp
// suffix.
func (m *Mailbox) moveToFailed(path, name string) (string, error) {
	dst := filepath.Join(m.failedPath(), name)
	err := fsutil.MoveNoReplace(path, dst)
	if errors.Is(err, fsutil.ErrExist) {
		base := strings.TrimSuffix(name, fileSuffix)
		dst = filepath.Join(m.failedPath(), fmt.Sprintf("%s.%d%s", base, time.Now().UnixNano(), fileSuffix))
		err = fsutil.MoveNoReplace(path, dst)
	}
	if err != nil {
		return "", err
	}
	return dst, nil
}

// Release returns a claimed task to the pool. The heartbeat is cleared
// once no other claim remains. If
// the pool already holds a task with the same id, the claim stays in the
// inbox and ALREADY_EXISTS is returned.
func (m *Mailbox) Release(c *Claim) error {
	if err := m.release(c); err != nil {
		return err
	}
	m.logger.Info("task released", map[string]interface{}{"task_id": c.Task.TaskID})
	m.settleHeartbeat()
	return nil
}

func (m *Mailbox) release(c *Claim) error {
	dst := filepath.Join(m.poolPath(), filepath.Base(c.Path))
	if err := fsutil.MoveNoReplace(c.Path, dst); err != nil {
		if errors.Is(err, fsutil.ErrExist) {
			return swarmerr.New(swarmerr.ErrCodeAlreadyExists,
				fmt.Sprintf("task %s is already back in the pool", c.Task.TaskID),
				swarmerr.WithTaskID(c.Task.TaskID), swarmerr.WithAgentID(m.agentID))
		}
		return swarmerr.Wrap(err, "release task", swarmerr.WithTaskID(c.Task.TaskID), swarmerr.WithAgentID(m.agentID))
	}
	return nil
}
