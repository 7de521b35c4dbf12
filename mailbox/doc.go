// Package mailbox distributes tasks between agent processes using
// filesystem rename as the mutual-exclusion primitive.
//
// # Layout
//
// The directory tree is the protocol. Every agent sharing a root sees:
//
//	<root>/shared/tasks_to_claim/task-<id>.json   unclaimed pool
//	<root>/shared/heartbeat/<agent>.json          liveness marker
//	<root>/<agent>/inbox/task-<id>.json           claimed, in flight
//	<root>/<agent>/outbox/completed-<id>.json     completion record
//	<root>/<agent>/failed/task-<id>.json          task plus failure fields
//
// Files whose names start with a dot are in-progress writes or probes and
// are never claimed.
//
// # Claiming
//
// ClaimNext walks the pool in lexicographic order and renames each
// candidate into the caller's inbox until one rename succeeds. A rename
// either moves the file or fails because another agent already moved it, so
// at most one agent ever owns a task. Losing a race, or any I/O error on a
// candidate, just moves on to the next one. No lock is held, and the scan
// checks its context between candidates.
//
// Rename is only atomic within one filesystem. New probes this by renaming
// a scratch file from the pool into the inbox and fails with a PRECONDITION
// error when the directories live on different filesystems.
//
// # Outcomes
//
// A claimed task ends in exactly one of Complete (outbox record, inbox copy
// removed), Fail (file moved to failed/ and annotated, never deleted) or
// Release (moved back to the pool). Heartbeats are best effort: write
// failures are logged and never returned. Detecting stale heartbeats and
// reclaiming orphaned inbox entries is left to an external monitor.
package mailbox
