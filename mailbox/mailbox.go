package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/internal/fsutil"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/metrics"
	"github.com/vinayprograms/swarmkit/tasks"
	"github.com/vinayprograms/swarmkit/telemetry"
)

const (
	sharedDir    = "shared"
	poolDir      = "tasks_to_claim"
	heartbeatDir = "heartbeat"
	inboxDir     = "inbox"
	outboxDir    = "outbox"
	failedDir    = "failed"

	taskPrefix      = "task-"
	completedPrefix = "completed-"
	fileSuffix      = ".json"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Config configures a Mailbox.
type Config struct {
	// Root is the directory shared by all agents.
	Root string

	// AgentID names this agent's private directories.
	AgentID string
}

// Mailbox is one agent's view of a shared mailbox root.
type Mailbox struct {
	root    string
	agentID string

	logger  *logging.Logger
	tracer  *telemetry.Tracer
	metrics *metrics.Metrics

	// hbMu serialises this process's writes to the agent's marker.
	hbMu sync.Mutex
}

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Mailbox) { m.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(m *Mailbox) { m.tracer = t }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mailbox) { m.metrics = mt }
}

// ValidateID reports whether id is usable in a mailbox file name. Agent
// ids and task ids share the rule.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) || strings.HasPrefix(id, ".") {
		return swarmerr.Validation(fmt.Sprintf("invalid id %q: want [A-Za-z0-9._-]+ not starting with '.'", id))
	}
	return nil
}

// New creates the directory tree for cfg.AgentID under cfg.Root and checks
// that the pool, inbox and failed directories share a filesystem.
func New(cfg Config, opts ...Option) (*Mailbox, error) {
	if cfg.Root == "" {
		return nil, swarmerr.Validation("mailbox root is required")
	}
	if err := ValidateID(cfg.AgentID); err != nil {
		return nil, err
	}
	if cfg.AgentID == sharedDir {
		return nil, swarmerr.Validation("agent id \"shared\" is reserved")
	}

	m := &Mailbox{
		root:    cfg.Root,
		agentID: cfg.AgentID,
		logger:  logging.New(),
		tracer:  telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("mailbox").With(map[string]interface{}{"agent": cfg.AgentID})

	for _, dir := range []string{m.poolPath(), m.heartbeatDirPath(), m.inboxPath(), m.outboxPath(), m.failedPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, swarmerr.Wrap(err, "create mailbox directory "+dir)
		}
	}
	if err := m.checkSameFilesystem(); err != nil {
		return nil, err
	}
	return m, nil
}

// AgentID returns the agent this mailbox claims for.
func (m *Mailbox) AgentID() string { return m.agentID }

func (m *Mailbox) poolPath() string         { return filepath.Join(m.root, sharedDir, poolDir) }
func (m *Mailbox) heartbeatDirPath() string { return filepath.Join(m.root, sharedDir, heartbeatDir) }
func (m *Mailbox) agentPath() string        { return filepath.Join(m.root, m.agentID) }
func (m *Mailbox) inboxPath() string        { return filepath.Join(m.agentPath(), inboxDir) }
func (m *Mailbox) outboxPath() string       { return filepath.Join(m.agentPath(), outboxDir) }
func (m *Mailbox) failedPath() string       { return filepath.Join(m.agentPath(), failedDir) }

func (m *Mailbox) heartbeatPath(agentID string) string {
	return filepath.Join(m.heartbeatDirPath(), agentID+fileSuffix)
}

func taskFileName(taskID string) string {
	return taskPrefix + taskID + fileSuffix
}

// isTaskFile matches pool and inbox task files, skipping dotfiles.
func isTaskFile(name string) bool {
	return strings.HasPrefix(name, taskPrefix) && strings.HasSuffix(name, fileSuffix) &&
		len(name) > len(taskPrefix)+len(fileSuffix)
}

// checkSameFilesystem renames a probe file pool -> inbox -> failed. EXDEV
// means claims and failures could not be atomic.
func (m *Mailbox) checkSameFilesystem() error {
	probe, err := os.CreateTemp(m.poolPath(), ".probe-"+m.agentID+"-*")
	if err != nil {
		return swarmerr.Wrap(err, "create filesystem probe")
	}
	probe.Close()
	name := filepath.Base(probe.Name())

	hops := []string{probe.Name(), filepath.Join(m.inboxPath(), name), filepath.Join(m.failedPath(), name)}
	defer func() {
		for _, p := range hops {
			os.Remove(p)
		}
	}()

	for i := 0; i+1 < len(hops); i++ {
		if err := os.Rename(hops[i], hops[i+1]); err != nil {
			if errors.Is(err, syscall.EXDEV) {
				return swarmerr.Precondition(
					fmt.Sprintf("mailbox directories %s and %s are on different filesystems; rename would not be atomic",
						filepath.Dir(hops[i]), filepath.Dir(hops[i+1])),
					swarmerr.WithAgentID(m.agentID), swarmerr.WithCause(err))
			}
			return swarmerr.Wrap(err, "filesystem probe", swarmerr.WithAgentID(m.agentID))
		}
	}
	return nil
}

// Submit publishes t into the shared pool and returns its path. The file
// appears complete or not at all; an existing pool entry with the same id
// is never overwritten (ALREADY_EXISTS).
func (m *Mailbox) Submit(t tasks.Task) (string, error) {
	if err := t.Validate(); err != nil {
		return "", swarmerr.Validation(err.Error(), swarmerr.WithTaskID(t.TaskID), swarmerr.WithCause(err))
	}
	if err := ValidateID(t.TaskID); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", swarmerr.Wrap(err, "encode task", swarmerr.WithTaskID(t.TaskID))
	}

	path := filepath.Join(m.poolPath(), taskFileName(t.TaskID))
	if err := fsutil.PublishFile(path, data, 0o644); err != nil {
		if errors.Is(err, fsutil.ErrExist) {
			return "", swarmerr.New(swarmerr.ErrCodeAlreadyExists,
				fmt.Sprintf("task %s is already in the pool", t.TaskID), swarmerr.WithTaskID(t.TaskID))
		}
		return "", swarmerr.Wrap(err, "submit task", swarmerr.WithTaskID(t.TaskID))
	}
	m.logger.Debug("task submitted", map[string]interface{}{"task_id": t.TaskID})
	return path, nil
}

// Pending lists task files waiting in the pool, sorted.
func (m *Mailbox) Pending() ([]string, error) {
	return listTaskFiles(m.poolPath())
}

// Inbox lists this agent's in-flight task files, sorted.
func (m *Mailbox) Inbox() ([]string, error) {
	return listTaskFiles(m.inboxPath())
}

func listTaskFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, swarmerr.Wrap(err, "list "+dir)
	}
	// ReadDir returns entries sorted by name.
	var out []string
	for _, e := range entries {
		if !e.IsDir() && isTaskFile(e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

// Read decodes a task file. Any failure is logged and reported as false so
// a single bad file cannot stop a scan.
func (m *Mailbox) Read(path string) (*tasks.Task, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		m.logger.Warn("task file unreadable", map[string]interface{}{"file": filepath.Base(path), "error": err.Error()})
		return nil, false
	}
	t, err := tasks.DecodeRecord(data)
	if err != nil {
		m.logger.Warn("task file invalid", map[string]interface{}{"file": filepath.Base(path), "error": err.Error()})
		return nil, false
	}
	return &t, true
}
