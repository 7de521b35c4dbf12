// Package worker runs an agent's claim loop over a mailbox.
//
// Each of Config.Concurrency loops repeatedly claims a task, drives it
// through a lifecycle.Machine and calls the Handler:
//
//	handler returns nil     -> COMPLETED, Mailbox.Complete
//	handler returns error   -> FAILED,    Mailbox.Fail
//	handler panics          -> ERROR,     Mailbox.Fail
//	context cancelled first -> CANCELLED, Mailbox.Release
//
// While the handler runs, the agent's heartbeat is refreshed every
// HeartbeatInterval. When the pool is empty a loop sleeps in
// Mailbox.WaitForTask until a task appears or PollInterval passes.
//
//	w, err := worker.New(mb, func(ctx context.Context, t tasks.Task) (interface{}, error) {
//	    return summarise(ctx, t.Description)
//	}, worker.Config{Concurrency: 4})
//	err = w.Run(ctx) // returns when ctx is cancelled
package worker
