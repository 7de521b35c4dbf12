// Package shutdown stops a swarm agent in a fixed order.
//
// An agent holds claimed tasks, a heartbeat marker, bus subscriptions and
// an open ledger. Stopping them in the wrong order loses work: closing the
// bus before the consensus manager has unsubscribed, or closing the ledger
// while a task is still recording its outcome. The Coordinator runs
// registered handlers phase by phase, lowest first. Handlers within a phase
// run concurrently.
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig(), shutdown.WithLogger(logger))
//	ctx, stop := coord.SignalContext(context.Background())
//	defer stop()
//
//	coord.RegisterFunc("worker", shutdown.PhaseDrain, waitForWorker)
//	coord.RegisterFunc("consensus", shutdown.PhaseCoordination, func(context.Context) error { return mgr.Stop() })
//	coord.RegisterFunc("bus", shutdown.PhaseTransport, func(context.Context) error { return mb.Close() })
//	coord.RegisterFunc("ledger", shutdown.PhaseStorage, func(context.Context) error { return l.Close() })
//
//	w.Run(ctx) // returns after SIGINT/SIGTERM
//	err := coord.ShutdownWithTimeout(0)
//
// The shutdown context expires after Config.Timeout. Handlers should give
// up when it does; remaining phases are then skipped and Shutdown returns a
// TIMEOUT error.
package shutdown
