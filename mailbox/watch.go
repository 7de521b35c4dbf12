package mailbox

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
)

// WaitForTask blocks until the pool may hold a claimable task: it returns
// immediately if the pool is non-empty, otherwise when a task file appears
// or pollInterval elapses, whichever is first. Filesystem notification is
// an optimisation; the poll interval still bounds the wait if the watcher
// cannot be created or misses an event (network filesystems).
func (m *Mailbox) WaitForTask(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Debug("fsnotify unavailable, polling", map[string]interface{}{"error": err.Error()})
	} else {
		defer watcher.Close()
		if err := watcher.Add(m.poolPath()); err != nil {
			m.logger.Debug("pool watch failed, polling", map[string]interface{}{"error": err.Error()})
		} else {
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	// Checked after the watch is armed so a task submitted in between is
	// not missed.
	if pending, err := m.Pending(); err == nil && len(pending) > 0 {
		return nil
	}

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return swarmerr.Wrap(ctx.Err(), "wait for task", swarmerr.WithAgentID(m.agentID))
		case <-timer.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) != 0 && isTaskFile(filepath.Base(ev.Name)) {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.logger.Debug("pool watch error", map[string]interface{}{"error": err.Error()})
		}
	}
}
