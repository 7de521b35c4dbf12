package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
)

// Coordinator runs shutdown handlers in phase order.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	running  bool
	done     chan struct{}
	result   *Result
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config, opts ...Option) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	c := &Coordinator{
		config: cfg,
		logger: logging.New(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("shutdown")
	return c
}

// Register adds a handler to phase.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc adds a function handler to phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, HandlerFunc(fn))
}

// SignalContext returns a context cancelled on the first SIGINT or SIGTERM.
// Cancelling it is the signal for claim loops to stop; the caller then runs
// Shutdown. stop releases the signal registration.
func (c *Coordinator) SignalContext(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			c.logger.Info("signal received, stopping", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}

// Shutdown runs every phase once. A second call while the first is running
// returns ErrAlreadyShutdown; a call after it finished returns the same
// result again.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.result != nil {
		err := c.result.Err
		c.mu.Unlock()
		return err
	}
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyShutdown
	}
	c.running = true
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()

	result := c.run(ctx, handlers)

	c.mu.Lock()
	c.result = result
	c.running = false
	c.mu.Unlock()
	close(c.done)
	return result.Err
}

// ShutdownWithTimeout runs Shutdown with a deadline; zero means
// Config.Timeout.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Done is closed when Shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the shutdown result, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *Coordinator) run(ctx context.Context, handlers []registration) *Result {
	start := time.Now()
	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].phase < handlers[j].phase })

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	var failed []string

	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			result.Err = swarmerr.Wrap(ctx.Err(), fmt.Sprintf("shutdown stopped before phase %d", group[0].phase))
			break
		}

		phaseResults := c.runPhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)
		for _, hr := range phaseResults {
			if hr.Err != nil {
				failed = append(failed, hr.Name)
			}
		}
		if len(failed) > 0 && !c.config.ContinueOnError {
			break
		}
	}

	if result.Err == nil && len(failed) > 0 {
		var causes []error
		for _, hr := range result.Results {
			if hr.Err != nil {
				causes = append(causes, fmt.Errorf("%s: %w", hr.Name, hr.Err))
			}
		}
		result.Err = swarmerr.Internal("shutdown handlers failed: "+strings.Join(failed, ", "),
			swarmerr.WithCause(swarmerr.Join(causes...)))
	}
	result.TotalDuration = time.Since(start)

	if result.Err != nil {
		c.logger.Warn("shutdown incomplete", map[string]interface{}{
			"duration": result.TotalDuration.String(), "error": result.Err.Error(),
		})
	} else {
		c.logger.Info("shutdown complete", map[string]interface{}{"duration": result.TotalDuration.String()})
	}
	return result
}

// runPhase runs one phase's handlers concurrently. A panicking handler is
// reported as failed.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup

	for i, reg := range group {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()
			start := time.Now()
			err := func() (err error) {
				defer func() {
					if p := recover(); p != nil {
						err = swarmerr.RecoverPanic(p)
					}
				}()
				return r.handler.OnShutdown(ctx)
			}()

			hr := HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(start), Err: err}
			results[idx] = hr

			fields := map[string]interface{}{"handler": r.name, "phase": r.phase, "duration": hr.Duration.String()}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("handler failed", fields)
			} else {
				c.logger.Debug("handler done", fields)
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}

// groupByPhase splits phase-sorted handlers into runs of equal phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
