// Package errors provides the structured error taxonomy shared by the task
// board, mailbox and consensus packages.
//
// # Categories
//
//   - Transient: a later retry may succeed (timeouts, unavailable bus)
//   - Permanent: retry will not help (validation, not found, precondition)
//   - Resource: contention on a shared resource (board lock timeout)
//   - Internal: corrupted state or bugs
//
// # Propagation policy
//
// Conditions that need a caller-chosen retry or backoff policy are returned
// as errors:
//
//   - INVALID_INPUT: schema violation or duplicate task_id in one write.
//     Nothing partial is persisted.
//   - LOCK_TIMEOUT: the board lock could not be acquired in time. The board
//     file is untouched.
//   - CORRUPTION: structurally invalid board content on read, or content
//     that repair could not salvage. Requires an explicit repair call.
//
// Steady-state outcomes of a competitive claim loop ("already claimed",
// "task not found", "vote rejected") are boolean returns, not errors.
//
// # Usage
//
//	err := errors.Validation("duplicate task_id T1", errors.WithBoard("main"))
//	if errors.IsLockTimeout(err) && errors.IsRetryable(err) {
//	    // back off and retry
//	}
package errors
