package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/swarmkit/heartbeat"
	"github.com/vinayprograms/swarmkit/mailbox"
	"github.com/vinayprograms/swarmkit/shutdown"
	"github.com/vinayprograms/swarmkit/worker"
)

var (
	monitorOnce       bool
	monitorReclaim    bool
	monitorStaleAfter time.Duration

	agentOnce        bool
	agentConcurrency int
	agentMetricsAddr string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run this process as a swarm agent",
}

var agentRunCmd = &cobra.Command{
	Use:   "run [flags] -- COMMAND [ARGS...]",
	Short: "Claim pooled tasks and execute COMMAND for each",
	Long: `Run claims tasks from the shared pool into this agent's inbox and runs
COMMAND once per task. The task record arrives as JSON on stdin and its id
in SWARM_TASK_ID. Exit status 0 completes the task; anything else fails it
with stderr as the reason. JSON printed on stdout becomes the task result.

On SIGINT or SIGTERM the agent stops claiming, cancels running commands and
returns their tasks to the pool.`,
	Example: `  swarmctl agent run -- ./summarise.sh
  swarmctl agent run --once --concurrency 4 -- python3 worker.py`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAgent,
}

var agentMonitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch for agents whose heartbeat went stale",
	Long: `Monitor scans the shared heartbeat markers and reports agents that
stopped refreshing theirs while holding a task. With --reclaim the dead
agent's in-flight tasks go back to the pool.`,
	Args: cobra.NoArgs,
	RunE: runAgentMonitor,
}

func init() {
	agentRunCmd.Flags().BoolVar(&agentOnce, "once", false, "Drain the pool and exit instead of waiting for more tasks")
	agentRunCmd.Flags().IntVar(&agentConcurrency, "concurrency", 0, "Parallel tasks (default from worker.concurrency)")
	agentRunCmd.Flags().StringVar(&agentMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default from telemetry.metrics_addr)")

	agentMonitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "Scan once and exit")
	agentMonitorCmd.Flags().BoolVar(&monitorReclaim, "reclaim", false, "Reclaim the tasks of dead agents")
	agentMonitorCmd.Flags().DurationVar(&monitorStaleAfter, "stale-after", 0, "Heartbeat age that counts as dead (default from monitor.stale_after)")

	agentCmd.AddCommand(agentRunCmd, agentMonitorCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) (err error) {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	w, err := newAgentWorker(cmd, rt, args)
	if err != nil {
		return err
	}

	if agentOnce {
		return drain(cmd.Context(), w)
	}

	addr := agentMetricsAddr
	if addr == "" {
		addr = rt.cfg.Telemetry.MetricsAddr
	}
	if addr != "" {
		serveMetrics(rt, addr)
	}

	ctx, stop := rt.shutdown.SignalContext(cmd.Context())
	defer stop()

	stopped := make(chan error, 1)
	go func() { stopped <- w.Run(ctx) }()

	rt.shutdown.RegisterFunc("worker", shutdown.PhaseDrain, func(sctx context.Context) error {
		stop()
		select {
		case err := <-stopped:
			return err
		case <-sctx.Done():
			return sctx.Err()
		}
	})

	select {
	case <-ctx.Done():
	case err := <-stopped:
		// Hand the early exit to the drain handler.
		stopped <- err
	}
	return nil
}

func newAgentWorker(cmd *cobra.Command, rt *runtime, command []string) (*worker.Worker, error) {
	mb, err := rt.mailbox()
	if err != nil {
		return nil, err
	}

	opts := []worker.Option{
		worker.WithLogger(rt.logger),
		worker.WithTracer(rt.tracer),
		worker.WithMetrics(rt.metrics),
	}
	l, err := rt.ledger()
	if err != nil {
		return nil, err
	}
	if l != nil {
		opts = append(opts, worker.WithLedger(l))
	}

	concurrency := rt.cfg.Worker.Concurrency
	if agentConcurrency > 0 {
		concurrency = agentConcurrency
	}
	w, err := worker.New(mb, worker.CommandHandler(command[0], command[1:]...), worker.Config{
		Concurrency:       concurrency,
		PollInterval:      rt.cfg.Worker.PollInterval.Std(),
		HeartbeatInterval: rt.cfg.Worker.HeartbeatInterval.Std(),
	}, opts...)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	out := cmd.OutOrStdout()
	w.OnDone(func(o worker.Outcome) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "%s\t%s\t%s\n", o.TaskID, o.State, o.Duration.Round(time.Millisecond))
	})
	return w, nil
}

// drain executes pooled tasks one at a time until the pool is empty.
func drain(ctx context.Context, w *worker.Worker) error {
	for {
		ran, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
}

func serveMetrics(rt *runtime, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("metrics server failed", map[string]interface{}{"addr": addr, "error": err.Error()})
		}
	}()
	rt.logger.Info("serving metrics", map[string]interface{}{"addr": addr})
	rt.shutdown.RegisterFunc("metrics", shutdown.PhaseTransport, srv.Shutdown)
}

func runAgentMonitor(cmd *cobra.Command, args []string) (err error) {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	mb, err := rt.mailbox()
	if err != nil {
		return err
	}
	staleAfter := rt.cfg.Monitor.StaleAfter.Std()
	if monitorStaleAfter > 0 {
		staleAfter = monitorStaleAfter
	}
	mon, err := heartbeat.NewMonitor(mb, heartbeat.Config{
		Timeout:       staleAfter,
		CheckInterval: rt.cfg.Monitor.CheckInterval.Std(),
	}, heartbeat.WithLogger(rt.logger))
	if err != nil {
		return err
	}

	var mu sync.Mutex
	out := cmd.OutOrStdout()
	mon.OnDead(func(hb *mailbox.Heartbeat) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "dead\t%s\t%s\t%s\n", hb.AgentID, hb.TaskID, hb.Timestamp.UTC().Format(time.RFC3339))
		if !monitorReclaim {
			return
		}
		ids, err := mb.Reclaim(hb.AgentID)
		if err != nil {
			rt.logger.Error("reclaim failed", map[string]interface{}{"agent": hb.AgentID, "error": err.Error()})
			return
		}
		for _, id := range ids {
			fmt.Fprintf(out, "reclaimed\t%s\t%s\n", hb.AgentID, id)
		}
	})

	if monitorOnce {
		_, err := mon.Check()
		return err
	}

	ctx, stop := rt.shutdown.SignalContext(cmd.Context())
	defer stop()
	return mon.Run(ctx)
}
