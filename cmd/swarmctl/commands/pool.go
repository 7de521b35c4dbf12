package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/tasks"
)

var (
	poolSubmitID       string
	poolSubmitDesc     string
	poolSubmitMetadata []string
	poolSubmitFile     string
	poolListInbox      bool
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Feed and inspect the shared task pool",
}

var poolSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Publish tasks into the shared pool",
	Long: `Submit publishes one task built from flags, or every task in --file.
The file holds a single task object or an array of them. A task whose id is
already pooled is refused; the pooled copy is never overwritten.`,
	Example: `  swarmctl pool submit --id T1 --description "summarise report"
  swarmctl pool submit --file batch.json`,
	Args: cobra.NoArgs,
	RunE: runPoolSubmit,
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pooled task ids (or this agent's in-flight tasks with --inbox)",
	Args:  cobra.NoArgs,
	RunE:  runPoolList,
}

var poolHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat AGENT",
	Short: "Print an agent's heartbeat marker",
	Args:  cobra.ExactArgs(1),
	RunE:  runPoolHeartbeat,
}

var poolReclaimCmd = &cobra.Command{
	Use:   "reclaim AGENT",
	Short: "Return a dead agent's in-flight tasks to the pool",
	Long: `Reclaim moves every task in AGENT's inbox back to the shared pool with
retry_count incremented, and removes AGENT's heartbeat. Only reclaim agents
that are really gone: a live agent's task would run twice.`,
	Args: cobra.ExactArgs(1),
	RunE: runPoolReclaim,
}

func init() {
	poolSubmitCmd.Flags().StringVar(&poolSubmitID, "id", "", "Task id")
	poolSubmitCmd.Flags().StringVar(&poolSubmitDesc, "description", "", "Task description")
	poolSubmitCmd.Flags().StringArrayVar(&poolSubmitMetadata, "meta", nil, "Metadata entry key=value (repeatable)")
	poolSubmitCmd.Flags().StringVarP(&poolSubmitFile, "file", "f", "", "JSON file holding a task or an array of tasks")
	poolSubmitCmd.MarkFlagsMutuallyExclusive("id", "file")
	poolSubmitCmd.MarkFlagsOneRequired("id", "file")

	poolListCmd.Flags().BoolVar(&poolListInbox, "inbox", false, "List this agent's inbox instead of the pool")

	poolCmd.AddCommand(poolSubmitCmd, poolListCmd, poolHeartbeatCmd, poolReclaimCmd)
	rootCmd.AddCommand(poolCmd)
}

func runPoolSubmit(cmd *cobra.Command, args []string) (err error) {
	var batch []tasks.Task
	if poolSubmitFile != "" {
		batch, err = readTaskFile(poolSubmitFile)
	} else {
		var t tasks.Task
		t, err = newTask(poolSubmitID, poolSubmitDesc, string(tasks.StatusPending), poolSubmitMetadata)
		batch = []tasks.Task{t}
	}
	if err != nil {
		return err
	}
	if err := tasks.ValidateUnique(batch); err != nil {
		return swarmerr.Validation(err.Error())
	}

	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	mb, err := rt.mailbox()
	if err != nil {
		return err
	}
	for _, t := range batch {
		path, err := mb.Submit(t)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "submitted %s -> %s\n", t.TaskID, path)
	}
	return nil
}

// readTaskFile decodes a task object or an array of task objects, checking
// each record against the schema.
func readTaskFile(path string) ([]tasks.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, swarmerr.Wrap(err, "read "+path)
	}
	data = bytes.TrimSpace(data)

	var raws []json.RawMessage
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, swarmerr.Validation(fmt.Sprintf("%s: %v", path, err))
		}
	} else {
		raws = []json.RawMessage{data}
	}

	out := make([]tasks.Task, 0, len(raws))
	for i, raw := range raws {
		t, err := tasks.DecodeRecord(raw)
		if err != nil {
			return nil, swarmerr.Validation(fmt.Sprintf("%s: record %d: %v", path, i, err))
		}
		out = append(out, t)
	}
	return out, nil
}

func runPoolList(cmd *cobra.Command, args []string) (err error) {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	mb, err := rt.mailbox()
	if err != nil {
		return err
	}
	list := mb.Pending
	if poolListInbox {
		list = mb.Inbox
	}
	files, err := list()
	if err != nil {
		return err
	}
	for _, f := range files {
		name := filepath.Base(f)
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSuffix(strings.TrimPrefix(name, "task-"), ".json"))
	}
	return nil
}

func runPoolHeartbeat(cmd *cobra.Command, args []string) (err error) {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	mb, err := rt.mailbox()
	if err != nil {
		return err
	}
	hb, ok, err := mb.ReadHeartbeat(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return swarmerr.NotFound("no heartbeat for agent "+args[0], swarmerr.WithAgentID(args[0]))
	}
	return printJSON(cmd.OutOrStdout(), hb)
}

func runPoolReclaim(cmd *cobra.Command, args []string) (err error) {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	mb, err := rt.mailbox()
	if err != nil {
		return err
	}
	ids, err := mb.Reclaim(args[0])
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %s from %s\n", id, args[0])
	}
	return nil
}
