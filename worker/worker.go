package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/ledger"
	"github.com/vinayprograms/swarmkit/lifecycle"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/mailbox"
	"github.com/vinayprograms/swarmkit/metrics"
	"github.com/vinayprograms/swarmkit/tasks"
	"github.com/vinayprograms/swarmkit/telemetry"
)

// Handler executes a task. The returned result must be JSON-encodable; it
// becomes the completion record's result.
type Handler func(ctx context.Context, t tasks.Task) (interface{}, error)

// Config configures a Worker.
type Config struct {
	// Concurrency is the number of claim loops. Default: 1
	Concurrency int

	// PollInterval bounds the idle wait between pool scans. Default: 2s
	PollInterval time.Duration

	// HeartbeatInterval between heartbeat refreshes while a task runs.
	// Default: 10s
	HeartbeatInterval time.Duration

	// Filter, if set, decides which claimed tasks run here.
	Filter mailbox.Filter
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       1,
		PollInterval:      2 * time.Second,
		HeartbeatInterval: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	return c
}

// Outcome describes how one task ended.
type Outcome struct {
	TaskID   string
	State    lifecycle.State
	Err      error
	Duration time.Duration
}

// Worker claims and executes tasks for one agent.
type Worker struct {
	mailbox *mailbox.Mailbox
	handler Handler
	config  Config

	ledger    *ledger.Ledger
	observers []lifecycle.Observer

	logger  *logging.Logger
	tracer  *telemetry.Tracer
	metrics *metrics.Metrics

	mu     sync.Mutex
	onDone []func(Outcome)
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = mt }
}

// WithLedger records every transition and outcome in l.
func WithLedger(l *ledger.Ledger) Option {
	return func(w *Worker) { w.ledger = l }
}

// WithObserver attaches obs to every task's state machine.
func WithObserver(obs lifecycle.Observer) Option {
	return func(w *Worker) { w.observers = append(w.observers, obs) }
}

// New creates a worker over mb.
func New(mb *mailbox.Mailbox, handler Handler, cfg Config, opts ...Option) (*Worker, error) {
	if mb == nil {
		return nil, swarmerr.Validation("worker needs a mailbox")
	}
	if handler == nil {
		return nil, swarmerr.Validation("worker needs a handler")
	}
	w := &Worker{
		mailbox: mb,
		handler: handler,
		config:  cfg.withDefaults(),
		logger:  logging.New(),
		tracer:  telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithComponent("worker").With(map[string]interface{}{"agent": mb.AgentID()})
	return w, nil
}

// OnDone registers fn to be called after each task finishes.
func (w *Worker) OnDone(fn func(Outcome)) {
	w.mu.Lock()
	w.onDone = append(w.onDone, fn)
	w.mu.Unlock()
}

// Run runs the claim loops until ctx is cancelled. Cancellation is a
// clean stop and returns nil; in-flight tasks are released to the pool.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", map[string]interface{}{"concurrency": w.config.Concurrency})
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		slot := i
		g.Go(func() error { return w.loop(gctx, slot) })
	}
	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, slot int) error {
	for ctx.Err() == nil {
		ran, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Warn("claim failed", map[string]interface{}{"slot": slot, "error": err.Error()})
		}
		if ran {
			continue
		}
		if err := w.mailbox.WaitForTask(ctx, w.config.PollInterval); err != nil && ctx.Err() == nil {
			w.logger.Warn("wait for task failed", map[string]interface{}{"slot": slot, "error": err.Error()})
		}
	}
	return nil
}

// RunOnce claims and executes at most one task. It reports whether a task
// was executed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	claim, ok, err := w.mailbox.ClaimNext(ctx, w.config.Filter)
	if err != nil || !ok {
		return false, err
	}
	w.process(ctx, claim)
	return true, nil
}

func (w *Worker) process(ctx context.Context, c *mailbox.Claim) {
	taskID := c.Task.TaskID
	ctx, span := w.tracer.StartTaskSpan(ctx, "worker.execute", w.mailbox.AgentID(), taskID)
	started := time.Now()

	m := lifecycle.New(taskID, lifecycle.WithLogger(w.logger), lifecycle.WithMetrics(w.metrics))
	for _, obs := range w.observers {
		m.OnAny(obs)
	}
	if w.ledger != nil {
		m.OnAny(ledger.Observer(w.ledger, w.mailbox.AgentID()))
	}

	m.SetReceived()
	m.SetRunning()
	w.metrics.TaskStarted()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go w.heartbeat(hbCtx, taskID, hbDone)

	result, panicked, runErr := w.invoke(ctx, c.Task)

	stopHeartbeat()
	<-hbDone
	w.metrics.TaskFinished()

	out := Outcome{TaskID: taskID, Err: runErr}
	switch {
	case panicked:
		m.SetError(runErr.Error())
		w.fail(c, swarmerr.Wrap(runErr, "panic"))
	case runErr == nil:
		if err := w.mailbox.Complete(c, result); err != nil {
			out.Err = err
			m.SetError("record completion: " + err.Error())
			w.fail(c, swarmerr.Wrap(err, "record completion"))
			break
		}
		m.SetCompleted()
	case ctx.Err() != nil:
		m.SetCancelled()
		if err := w.mailbox.Release(c); err != nil {
			w.logger.Error("release after cancel failed, task left in inbox", map[string]interface{}{
				"task_id": taskID, "error": err.Error(),
			})
		}
	default:
		m.SetFailed(runErr.Error())
		w.fail(c, runErr)
	}
	out.State = m.State()
	out.Duration = time.Since(started)
	telemetry.End(span, out.Err)

	w.logger.Info("task finished", map[string]interface{}{
		"task_id": taskID, "state": string(out.State), "duration": out.Duration.String(),
	})
	w.recordOutcome(out)

	w.mu.Lock()
	callbacks := append([]func(Outcome){}, w.onDone...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(out)
	}
}

// invoke calls the handler, converting a panic into an error.
func (w *Worker) invoke(ctx context.Context, t tasks.Task) (result interface{}, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = swarmerr.RecoverPanic(r)
			panicked = true
		}
	}()
	result, err = w.handler(ctx, t.Clone())
	return result, false, err
}

func (w *Worker) fail(c *mailbox.Claim, cause error) {
	if err := w.mailbox.FailWithError(c, cause); err != nil {
		w.logger.Error("recording failure failed", map[string]interface{}{
			"task_id": c.Task.TaskID, "error": err.Error(),
		})
	}
}

// heartbeat refreshes the agent's marker until ctx is done.
func (w *Worker) heartbeat(ctx context.Context, taskID string, done chan<- struct{}) {
	defer close(done)

	w.mailbox.UpdateHeartbeat(taskID, string(tasks.StatusRunning))
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mailbox.UpdateHeartbeat(taskID, string(tasks.StatusRunning))
		}
	}
}

func (w *Worker) recordOutcome(out Outcome) {
	if w.ledger == nil {
		return
	}
	detail := ""
	if out.Err != nil {
		detail = out.Err.Error()
	}
	err := w.ledger.RecordOutcome(context.Background(), ledger.Outcome{
		TaskID:   out.TaskID,
		AgentID:  w.mailbox.AgentID(),
		State:    out.State,
		Detail:   detail,
		Duration: out.Duration,
	})
	if err != nil {
		w.logger.Warn("ledger outcome not recorded", map[string]interface{}{"task_id": out.TaskID, "error": err.Error()})
	}
}

// String describes the worker for logs.
func (w *Worker) String() string {
	return fmt.Sprintf("worker(%s, concurrency=%d)", w.mailbox.AgentID(), w.config.Concurrency)
}
