package shutdown

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyShutdown is returned by Shutdown while another call is running.
var ErrAlreadyShutdown = errors.New("shutdown already initiated")

// Standard phases for swarm components, in shutdown order.
const (
	// PhaseDrain waits for in-flight tasks to finish or be released.
	PhaseDrain = 10

	// PhaseCoordination stops vote managers and other bus consumers.
	PhaseCoordination = 20

	// PhaseTransport closes message buses.
	PhaseTransport = 30

	// PhaseStorage closes the ledger and flushes telemetry.
	PhaseStorage = 40
)

// Handler is implemented by components that need an orderly stop.
type Handler interface {
	// OnShutdown stops the component. ctx expires at the shutdown deadline.
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is nil if every handler ran and succeeded.
	Err error
}

// Failed reports whether the shutdown was incomplete.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the coordinator.
type Config struct {
	// Timeout for ShutdownWithTimeout(0). Default: 30s
	Timeout time.Duration

	// ContinueOnError runs later phases after a handler fails.
	// Default: true
	ContinueOnError bool
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
