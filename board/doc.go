// Package board implements the task board store: a named, durable JSON array
// of task records that many agent processes read and modify concurrently.
//
// # Files
//
// Board "main" lives at <dir>/main.json. Alongside it:
//
//	main.json.lock      advisory flock, one acquisition per operation
//	main.json.corrupt   original bytes preserved by Repair
//	.main.json.tmp.*    transient, replaced atomically into main.json
//
// # Guarantees
//
// Writes validate first and persist nothing on failure. Every write goes to
// a temporary file that is fsynced and renamed over the target, so a reader
// never observes a partial board. Read-modify-write operations (Update,
// Append, Modify) hold one lock acquisition for the whole cycle, so
// concurrent callers in other processes never lose updates.
//
// Lock acquisition is bounded by Config.LockTimeout and fails with a
// LOCK_TIMEOUT error instead of blocking. The lock is a kernel flock, so a
// crashed holder releases it; removing a stale lock file by hand is safe.
//
// # Corruption
//
// Read never repairs. Content that is not a JSON array, holds records that
// violate the task schema, or repeats a task_id fails with a CORRUPTION
// error. Repair and ResolveDuplicates are the explicit recovery paths.
package board
