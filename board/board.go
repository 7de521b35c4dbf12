package board

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/internal/fsutil"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/metrics"
	"github.com/vinayprograms/swarmkit/tasks"
	"github.com/vinayprograms/swarmkit/telemetry"
)

// ErrNoChange may be returned by a Modify callback to finish without
// writing the board.
var ErrNoChange = errors.New("no change")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Config configures a Store.
type Config struct {
	// Dir holds the board files. Created if missing.
	Dir string

	// LockTimeout bounds how long an operation waits for the board lock.
	// Default: 10s
	LockTimeout time.Duration

	// RetryDelay between lock attempts. Default: 50ms
	RetryDelay time.Duration
}

// Store reads and writes task boards in one directory.
type Store struct {
	config  Config
	logger  *logging.Logger
	tracer  *telemetry.Tracer
	metrics *metrics.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l.WithComponent("board") }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Store) { s.tracer = t }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a Store, creating cfg.Dir if needed.
func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Dir == "" {
		return nil, swarmerr.Validation("board directory is required")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, swarmerr.Wrap(err, "create board directory")
	}

	s := &Store{
		config: cfg,
		logger: logging.New().WithComponent("board"),
		tracer: telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ValidateName reports whether name can be used as a board name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) || strings.HasPrefix(name, ".") {
		return swarmerr.Validation(fmt.Sprintf("invalid board name %q", name))
	}
	return nil
}

// Path returns the board file path for name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.config.Dir, name+".json")
}

func (s *Store) lockPath(name string) string {
	return s.Path(name) + ".lock"
}

func (s *Store) backupPath(name string) string {
	return s.Path(name) + ".corrupt"
}

// Write replaces the board with list. The list is validated before the lock
// is taken; a rejected write leaves the file untouched.
func (s *Store) Write(ctx context.Context, name string, list []tasks.Task) (err error) {
	ctx, span := s.tracer.StartBoardSpan(ctx, "write", name)
	defer func() {
		s.metrics.ObserveBoardOp("write", err)
		telemetry.End(span, err)
	}()

	if err := ValidateName(name); err != nil {
		return err
	}
	if verr := tasks.ValidateList(list); verr != nil {
		return swarmerr.Validation(verr.Error(), swarmerr.WithBoard(name), swarmerr.WithCause(verr))
	}

	release, err := s.acquire(ctx, name, lockExclusive)
	if err != nil {
		return err
	}
	defer release()

	return s.store(name, list)
}

// Read returns the board's records. A missing board reads as empty.
// Corrupted content fails with a CORRUPTION error.
func (s *Store) Read(ctx context.Context, name string) (list []tasks.Task, err error) {
	ctx, span := s.tracer.StartBoardSpan(ctx, "read", name)
	defer func() {
		s.metrics.ObserveBoardOp("read", err)
		telemetry.End(span, err)
	}()

	if err := ValidateName(name); err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, name, lockShared)
	if err != nil {
		return nil, err
	}
	defer release()

	return s.load(name)
}

// Modify runs fn on the current records under one exclusive lock and writes
// the result back. fn may return ErrNoChange to skip the write. An error
// from fn is returned unchanged; a result that fails validation is a
// validation error.
func (s *Store) Modify(ctx context.Context, name string, fn func([]tasks.Task) ([]tasks.Task, error)) (err error) {
	ctx, span := s.tracer.StartBoardSpan(ctx, "modify", name)
	defer func() {
		s.metrics.ObserveBoardOp("modify", err)
		telemetry.End(span, err)
	}()
	return s.modify(ctx, name, fn)
}

func (s *Store) modify(ctx context.Context, name string, fn func([]tasks.Task) ([]tasks.Task, error)) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	release, err := s.acquire(ctx, name, lockExclusive)
	if err != nil {
		return err
	}
	defer release()

	current, err := s.load(name)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	if verr := tasks.ValidateList(next); verr != nil {
		return swarmerr.Validation(verr.Error(), swarmerr.WithBoard(name), swarmerr.WithCause(verr))
	}
	return s.store(name, next)
}

// Update shallow-merges updates into the record with taskID and bumps its
// updated_at. It returns false when no such record exists. Changing
// task_id, or producing a record that fails validation, is a validation
// error.
func (s *Store) Update(ctx context.Context, name, taskID string, updates map[string]any) (found bool, err error) {
	ctx, span := s.tracer.StartBoardSpan(ctx, "update", name)
	defer func() {
		s.metrics.ObserveBoardOp("update", err)
		telemetry.End(span, err, telemetry.AttrTaskID.String(taskID))
	}()

	if v, ok := updates["task_id"]; ok && v != taskID {
		return false, swarmerr.Validation("task_id cannot be changed by update",
			swarmerr.WithBoard(name), swarmerr.WithTaskID(taskID))
	}

	err = s.modify(ctx, name, func(list []tasks.Task) ([]tasks.Task, error) {
		for i := range list {
			if list[i].TaskID != taskID {
				continue
			}
			found = true
			merged, err := mergeRecord(list[i], updates)
			if err != nil {
				return nil, swarmerr.Validation(err.Error(),
					swarmerr.WithBoard(name), swarmerr.WithTaskID(taskID), swarmerr.WithCause(err))
			}
			list[i] = merged
			return list, nil
		}
		return nil, ErrNoChange
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func mergeRecord(t tasks.Task, updates map[string]any) (tasks.Task, error) {
	obj, err := tasks.ToObject(t)
	if err != nil {
		return tasks.Task{}, err
	}
	// Round-trip updates through JSON so typed values (time.Time, structs)
	// are stored in their wire form.
	raw, err := json.Marshal(updates)
	if err != nil {
		return tasks.Task{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var normalized map[string]interface{}
	if err := dec.Decode(&normalized); err != nil {
		return tasks.Task{}, err
	}
	for k, v := range normalized {
		obj[k] = v
	}
	obj["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	return tasks.FromObject(obj)
}

// Append adds t to the end of the board under one lock. Missing timestamps
// are set to now. A task_id already on the board is a validation error.
func (s *Store) Append(ctx context.Context, name string, t tasks.Task) (err error) {
	ctx, span := s.tracer.StartBoardSpan(ctx, "append", name)
	defer func() {
		s.metrics.ObserveBoardOp("append", err)
		telemetry.End(span, err, telemetry.AttrTaskID.String(t.TaskID))
	}()

	if verr := t.Validate(); verr != nil {
		return swarmerr.Validation(verr.Error(), swarmerr.WithBoard(name), swarmerr.WithCause(verr))
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	return s.modify(ctx, name, func(list []tasks.Task) ([]tasks.Task, error) {
		for _, existing := range list {
			if existing.TaskID == t.TaskID {
				return nil, swarmerr.Validation(fmt.Sprintf("task %s already on board", t.TaskID),
					swarmerr.WithBoard(name), swarmerr.WithTaskID(t.TaskID))
			}
		}
		return append(list, t), nil
	})
}

// DetectCorruption reports whether the board would fail to Read because of
// its content. A missing board is not corrupt.
func (s *Store) DetectCorruption(ctx context.Context, name string) (corrupt bool, err error) {
	ctx, span := s.tracer.StartBoardSpan(ctx, "detect_corruption", name)
	defer func() {
		s.metrics.ObserveBoardOp("detect_corruption", err)
		telemetry.End(span, err)
	}()

	if err := ValidateName(name); err != nil {
		return false, err
	}
	release, err := s.acquire(ctx, name, lockShared)
	if err != nil {
		return false, err
	}
	defer release()

	_, err = s.load(name)
	if swarmerr.IsCorruption(err) {
		s.logger.Warn("corruption detected", map[string]interface{}{"board": name, "error": err.Error()})
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// load reads and strictly validates the board. Caller holds the lock.
func (s *Store) load(name string) ([]tasks.Task, error) {
	data, err := os.ReadFile(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return []tasks.Task{}, nil
	}
	if err != nil {
		return nil, swarmerr.Wrap(err, "read board "+name, swarmerr.WithBoard(name))
	}

	list, err := decodeBoard(data)
	if err != nil {
		return nil, swarmerr.Corruption(fmt.Sprintf("board %s: %v", name, err),
			swarmerr.WithBoard(name), swarmerr.WithCause(err))
	}
	if err := tasks.ValidateUnique(list); err != nil {
		return nil, swarmerr.Corruption(fmt.Sprintf("board %s: %v", name, err),
			swarmerr.WithBoard(name), swarmerr.WithCause(err))
	}
	return list, nil
}

// store encodes and atomically writes the board. Caller holds the lock.
func (s *Store) store(name string, list []tasks.Task) error {
	data, err := encodeBoard(list)
	if err != nil {
		return swarmerr.Wrap(err, "encode board "+name, swarmerr.WithBoard(name))
	}
	if err := fsutil.WriteFileAtomic(s.Path(name), data, 0o644); err != nil {
		return swarmerr.Wrap(err, "write board "+name, swarmerr.WithBoard(name))
	}
	s.logger.Debug("board written", map[string]interface{}{"board": name, "tasks": len(list)})
	return nil
}

// decodeBoard parses a JSON array of schema-valid records. Duplicate ids
// are not checked here.
func decodeBoard(data []byte) ([]tasks.Task, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("content is not a JSON array")
		}
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("content is not a JSON array")
	}
	list := make([]tasks.Task, 0, len(raw))
	for i, rec := range raw {
		t, err := tasks.DecodeRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		list = append(list, t)
	}
	return list, nil
}

func encodeBoard(list []tasks.Task) ([]byte, error) {
	if list == nil {
		list = []tasks.Task{}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
