// Package tasks defines the task record shared by the board store, the
// mailbox and the worker.
//
// On disk a task is a JSON object:
//
//	{
//	  "task_id": "T1",
//	  "status": "pending",
//	  "description": "summarise report",
//	  "metadata": {"priority": "high"},
//	  "retry_count": 0,
//	  "created_at": "2026-01-02T15:04:05Z",
//	  "updated_at": "2026-01-02T15:04:05Z"
//	}
//
// task_id and status are required non-empty strings; retry_count is a
// non-negative integer; timestamps are RFC 3339 and optional. Unknown keys
// are preserved in Task.Extra.
//
// Two validation entry points exist. Task.Validate and ValidateList check
// typed values before a write. ValidateRecord and DecodeRecord check
// untyped JSON read back from disk, where field types cannot be trusted.
package tasks
