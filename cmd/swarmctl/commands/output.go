package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vinayprograms/swarmkit/tasks"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTaskTable(w io.Writer, list []tasks.Task) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK ID\tSTATUS\tRETRIES\tUPDATED\tDESCRIPTION")
	for _, t := range list {
		updated := "-"
		if ts := t.LastModified(); !ts.IsZero() {
			updated = ts.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", t.TaskID, t.Status, t.RetryCount, updated, truncate(t.Description, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// parseAssignments turns key=value arguments into a field map. A value that
// parses as JSON keeps its JSON type; anything else is a string.
func parseAssignments(args []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

// newTask builds a fresh task stamped with the current time.
func newTask(id, description, status string, meta []string) (tasks.Task, error) {
	t := tasks.Task{
		TaskID:      id,
		Status:      tasks.Status(status),
		Description: description,
	}
	if len(meta) > 0 {
		m, err := parseAssignments(meta)
		if err != nil {
			return tasks.Task{}, err
		}
		t.Metadata = m
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	return t, t.Validate()
}
