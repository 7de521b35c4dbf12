package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
)

var (
	boardOutput      string
	boardAddID       string
	boardAddDesc     string
	boardAddStatus   string
	boardAddMetadata []string
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Inspect and maintain task boards",
	Long: `Task boards are JSON arrays of task records, one file per board under
board.dir. Every command takes the board's advisory lock, so it is safe to
run against boards that agents are using.`,
}

var boardShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Print the tasks on a board",
	Args:  cobra.ExactArgs(1),
	RunE:  runBoardShow,
}

var boardCheckCmd = &cobra.Command{
	Use:   "check NAME",
	Short: "Report whether a board is corrupt",
	Long: `Check reports "healthy" or "corrupt" and exits non-zero for a corrupt
board. A board is corrupt when it is not valid JSON, not an array, or holds
duplicate task ids. A missing board is healthy.`,
	Args: cobra.ExactArgs(1),
	RunE: runBoardCheck,
}

var boardRepairCmd = &cobra.Command{
	Use:   "repair NAME",
	Short: "Salvage valid records from a corrupt board",
	Long: `Repair keeps every record it can recover and drops the rest, printing
a report that lists each dropped record. The original file is kept as
NAME.json.corrupt. A board with nothing to salvage is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runBoardRepair,
}

var boardDedupeCmd = &cobra.Command{
	Use:   "dedupe NAME",
	Short: "Collapse duplicate task ids to their latest record",
	Args:  cobra.ExactArgs(1),
	RunE:  runBoardDedupe,
}

var boardAddCmd = &cobra.Command{
	Use:     "add NAME",
	Short:   "Append a task to a board",
	Example: `  swarmctl board add sprint --id T7 --description "summarise report" --meta priority=high`,
	Args:    cobra.ExactArgs(1),
	RunE:    runBoardAdd,
}

var boardSetCmd = &cobra.Command{
	Use:   "set NAME TASK_ID KEY=VALUE...",
	Short: "Update fields of one task",
	Long: `Set merges the given fields into one task and bumps its updated_at.
Values that parse as JSON keep their type (retry_count=2, metadata={"k":"v"});
anything else is stored as a string.`,
	Args: cobra.MinimumNArgs(3),
	RunE: runBoardSet,
}

func init() {
	boardShowCmd.Flags().StringVarP(&boardOutput, "output", "o", "table", "Output format: table or json")

	boardAddCmd.Flags().StringVar(&boardAddID, "id", "", "Task id (required)")
	boardAddCmd.Flags().StringVar(&boardAddDesc, "description", "", "Task description")
	boardAddCmd.Flags().StringVar(&boardAddStatus, "status", "pending", "Initial status")
	boardAddCmd.Flags().StringArrayVar(&boardAddMetadata, "meta", nil, "Metadata entry key=value (repeatable)")
	_ = boardAddCmd.MarkFlagRequired("id")

	boardCmd.AddCommand(boardShowCmd, boardCheckCmd, boardRepairCmd, boardDedupeCmd, boardAddCmd, boardSetCmd)
	rootCmd.AddCommand(boardCmd)
}

func runBoardShow(cmd *cobra.Command, args []string) (err error) {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	store, err := rt.board()
	if err != nil {
		return err
	}
	list, err := store.Read(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	switch boardOutput {
	case "json":
		return printJSON(cmd.OutOrStdout(), list)
	case "table":
		return printTaskTable(cmd.OutOrStdout(), list)
	default:
		return swarmerr.Validation(fmt.Sprintf("unknown output format %q (want table or json)", boardOutput))
	}
}

func runBoardCheck(cmd *cobra.Command, args []string) (err error) {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	store, err := rt.board()
	if err != nil {
		return err
	}
	corrupt, err := store.DetectCorruption(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if corrupt {
		fmt.Fprintln(cmd.OutOrStdout(), "corrupt")
		return swarmerr.Corruption("board "+args[0]+" is corrupt", swarmerr.WithBoard(args[0]))
	}
	fmt.Fprintln(cmd.OutOrStdout(), "healthy")
	return nil
}

func runBoardRepair(cmd *cobra.Command, args []string) (err error) {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	store, err := rt.board()
	if err != nil {
		return err
	}
	report, err := store.Repair(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}

func runBoardDedupe(cmd *cobra.Command, args []string) (err error) {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	store, err := rt.board()
	if err != nil {
		return err
	}
	result, err := store.ResolveDuplicates(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func runBoardAdd(cmd *cobra.Command, args []string) (err error) {
	task, err := newTask(boardAddID, boardAddDesc, boardAddStatus, boardAddMetadata)
	if err != nil {
		return err
	}

	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	store, err := rt.board()
	if err != nil {
		return err
	}
	if err := store.Append(cmd.Context(), args[0], task); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s\n", task.TaskID, args[0])
	return nil
}

func runBoardSet(cmd *cobra.Command, args []string) (err error) {
	name, taskID := args[0], args[1]
	updates, err := parseAssignments(args[2:])
	if err != nil {
		return swarmerr.Validation(err.Error())
	}

	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	store, err := rt.board()
	if err != nil {
		return err
	}
	found, err := store.Update(cmd.Context(), name, taskID, updates)
	if err != nil {
		return err
	}
	if !found {
		return swarmerr.NotFound("task "+taskID+" is not on board "+name, swarmerr.WithTaskID(taskID))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "updated %s on %s\n", taskID, name)
	return nil
}

// closeRuntime shuts rt down, keeping the command's own error if it has one.
func closeRuntime(rt *runtime, err *error) {
	if cerr := rt.close(); cerr != nil && *err == nil {
		*err = cerr
	}
}
