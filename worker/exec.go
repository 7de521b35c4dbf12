package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/tasks"
)

// CommandResult is the result recorded for a command handler run.
type CommandResult struct {
	ExitCode int             `json:"exit_code"`
	Stdout   string          `json:"stdout,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
}

// CommandHandler runs name with args for each task. The task record is
// written to the command's stdin as JSON. Stdout that is valid JSON is kept
// as structured output. A non-zero exit fails the task with stderr as the
// reason.
func CommandHandler(name string, args ...string) Handler {
	return func(ctx context.Context, t tasks.Task) (interface{}, error) {
		input, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}

		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdin = bytes.NewReader(input)
		cmd.Env = append(cmd.Environ(), "SWARM_TASK_ID="+t.TaskID)

		var stdoutBuf, stderrBuf bytes.Buffer
		cmd.Stdout = &stdoutBuf
		cmd.Stderr = &stderrBuf

		runErr := cmd.Run()
		if ctx.Err() != nil {
			return nil, swarmerr.Wrap(ctx.Err(), "command interrupted", swarmerr.WithTaskID(t.TaskID))
		}

		if runErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(runErr, &exitErr) {
				return nil, fmt.Errorf("run %s: %w", name, runErr)
			}
			reason := strings.TrimSpace(stderrBuf.String())
			if reason == "" {
				reason = fmt.Sprintf("exit status %d", exitErr.ExitCode())
			}
			return nil, swarmerr.TaskFailed(t.TaskID, reason, swarmerr.WithMetadata("exit_code", fmt.Sprint(exitErr.ExitCode())))
		}

		res := CommandResult{}
		out := bytes.TrimSpace(stdoutBuf.Bytes())
		if len(out) > 0 && json.Valid(out) {
			res.Output = json.RawMessage(out)
		} else {
			res.Stdout = string(out)
		}
		return res, nil
	}
}
