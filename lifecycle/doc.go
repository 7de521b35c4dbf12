// Package lifecycle tracks the execution state of a single task.
//
// A Machine starts in PENDING and moves forward through
//
//	PENDING -> RECEIVED -> RUNNING <-> PAUSED -> COMPLETED | FAILED | ERROR | CANCELLED
//
// The four final states are terminal: once reached, every further
// transition is refused. TransitionTo returns false rather than an error
// for a refused transition, since callers treat it as a steady-state
// outcome.
//
// Observers are registered per destination state with On, or for every
// transition with OnAny. They run synchronously after the history entry is
// appended. An observer that returns an error or panics is logged and
// skipped; it cannot undo the transition or stop later observers.
//
//	m := lifecycle.New("T1", lifecycle.WithLogger(logger))
//	m.On(lifecycle.Completed, func(t lifecycle.Transition) error {
//	    return notify(t.TaskID)
//	})
//	m.SetReceived()
//	m.SetRunning()
//	m.SetCompleted()
//
// A Machine is not safe for concurrent use.
package lifecycle
