package commands

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/swarmkit/board"
	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/config"
	"github.com/vinayprograms/swarmkit/ledger"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/mailbox"
	"github.com/vinayprograms/swarmkit/metrics"
	"github.com/vinayprograms/swarmkit/shutdown"
	"github.com/vinayprograms/swarmkit/telemetry"
)

// runtime holds what one command invocation needs. Everything it opens is
// registered with the shutdown coordinator, so close releases it in phase
// order.
type runtime struct {
	cfg      *config.Config
	logger   *logging.Logger
	tracer   *telemetry.Tracer
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	shutdown *shutdown.Coordinator
}

func setup(cmd *cobra.Command) (*runtime, error) {
	cfg, used, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.New()
	logger.SetOutput(cmd.ErrOrStderr())
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	parsed, err := logging.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(parsed)
	if used != "" {
		logger.Debug("config loaded", map[string]interface{}{"path": used})
	}

	registry := prometheus.NewRegistry()
	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		tracer:   telemetry.Noop(),
		registry: registry,
		metrics:  metrics.MustNew(registry),
		shutdown: shutdown.NewCoordinator(shutdown.DefaultConfig(), shutdown.WithLogger(logger)),
	}

	if cfg.Telemetry.Endpoint != "" {
		provider, err := telemetry.InitProvider(cmd.Context(), telemetry.ProviderConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			return nil, err
		}
		rt.tracer = provider.Tracer("swarmctl")
		rt.shutdown.RegisterFunc("telemetry", shutdown.PhaseStorage, provider.Shutdown)
	}
	return rt, nil
}

// close runs the shutdown phases.
func (r *runtime) close() error {
	return r.shutdown.ShutdownWithTimeout(0)
}

func (r *runtime) board() (*board.Store, error) {
	return board.New(board.Config{
		Dir:         r.cfg.Board.Dir,
		LockTimeout: r.cfg.Board.LockTimeout.Std(),
		RetryDelay:  r.cfg.Board.RetryDelay.Std(),
	}, board.WithLogger(r.logger), board.WithTracer(r.tracer), board.WithMetrics(r.metrics))
}

func (r *runtime) mailbox() (*mailbox.Mailbox, error) {
	return mailbox.New(mailbox.Config{
		Root:    r.cfg.Mailbox.Root,
		AgentID: r.cfg.AgentID,
	}, mailbox.WithLogger(r.logger), mailbox.WithTracer(r.tracer), mailbox.WithMetrics(r.metrics))
}

// ledger opens the configured ledger, or returns nil when none is set.
func (r *runtime) ledger() (*ledger.Ledger, error) {
	if r.cfg.Ledger.Path == "" {
		return nil, nil
	}
	l, err := ledger.Open(r.cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}
	r.shutdown.RegisterFunc("ledger", shutdown.PhaseStorage, func(context.Context) error {
		return l.Close()
	})
	return l, nil
}

// bus connects the configured backend.
func (r *runtime) bus(ctx context.Context) (bus.MessageBus, error) {
	bc := r.cfg.Bus
	base := bus.Config{BufferSize: bc.BufferSize}

	var (
		mb  bus.MessageBus
		err error
	)
	switch bc.Backend {
	case "memory":
		r.logger.Warn("memory bus only reaches this process")
		mb = bus.NewMemoryBus(base)
	case "nats":
		nc := bus.DefaultNATSConfig()
		nc.Config = base
		nc.URL = bc.URL
		nc.Name = r.cfg.AgentID
		// NATS takes the configured password as a token.
		nc.Token = bc.Password
		mb, err = bus.NewNATSBus(nc)
	case "redis":
		mb, err = bus.NewRedisBus(ctx, bus.RedisConfig{
			Config:    base,
			URL:       bc.URL,
			Password:  bc.Password,
			Namespace: bc.Namespace,
		})
	default:
		err = fmt.Errorf("unknown bus backend %q", bc.Backend)
	}
	if err != nil {
		return nil, err
	}
	r.shutdown.RegisterFunc("bus", shutdown.PhaseTransport, func(context.Context) error {
		return mb.Close()
	})
	return mb, nil
}
