package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vinayprograms/swarmkit/consensus"
	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/ledger"
	"github.com/vinayprograms/swarmkit/lifecycle"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/mailbox"
	"github.com/vinayprograms/swarmkit/tasks"
)

type testEnv struct {
	dir      string
	boardDir string
}

// newTestEnv points configuration at a fresh directory through SWARM_*
// variables.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{dir: dir, boardDir: filepath.Join(dir, "boards")}
	t.Setenv("HOME", dir)
	t.Setenv("SWARM_AGENT_ID", "agent-1")
	t.Setenv("SWARM_BOARD_DIR", env.boardDir)
	t.Setenv("SWARM_MAILBOX_ROOT", filepath.Join(dir, "mailbox"))
	t.Setenv("SWARM_BUS_BACKEND", "memory")
	t.Setenv("SWARM_LOG_LEVEL", "error")
	return env
}

// resetFlags restores every flag to its default so runs do not leak into
// each other through the package-level flag variables.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	_, err := rootCmd.ExecuteC()
	return out.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("swarmctl %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestRootShowsHelp(t *testing.T) {
	out, err := execute(t)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if !strings.Contains(out, "Usage:") || !strings.Contains(out, "swarmctl") {
		t.Errorf("help not shown:\n%s", out)
	}
}

func TestRootRejectsUnknownFlag(t *testing.T) {
	if _, err := execute(t, "--no-such-flag"); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func readBoard(t *testing.T, name string) []tasks.Task {
	t.Helper()
	out := mustExecute(t, "board", "show", name, "-o", "json")
	var list []tasks.Task
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode board output: %v\n%s", err, out)
	}
	return list
}

func TestBoardAddShowSet(t *testing.T) {
	newTestEnv(t)

	mustExecute(t, "board", "add", "sprint", "--id", "T1", "--description", "summarise", "--meta", "priority=high")
	mustExecute(t, "board", "add", "sprint", "--id", "T2")

	list := readBoard(t, "sprint")
	if len(list) != 2 || list[0].TaskID != "T1" || list[1].TaskID != "T2" {
		t.Fatalf("board = %+v", list)
	}
	if list[0].Metadata["priority"] != "high" || list[0].Status != tasks.StatusPending {
		t.Errorf("T1 = %+v", list[0])
	}

	if _, err := execute(t, "board", "add", "sprint", "--id", "T1"); !swarmerr.Is(err, swarmerr.ErrCodeInvalidInput) {
		t.Errorf("duplicate add error = %v, want INVALID_INPUT", err)
	}

	mustExecute(t, "board", "set", "sprint", "T1", "status=running", "retry_count=2")
	list = readBoard(t, "sprint")
	if list[0].Status != tasks.StatusRunning || list[0].RetryCount != 2 {
		t.Errorf("after set T1 = %+v", list[0])
	}

	if _, err := execute(t, "board", "set", "sprint", "T9", "status=done"); !swarmerr.Is(err, swarmerr.ErrCodeNotFound) {
		t.Errorf("set on missing task error = %v, want NOT_FOUND", err)
	}

	table := mustExecute(t, "board", "show", "sprint")
	if !strings.Contains(table, "TASK ID") || !strings.Contains(table, "T2") {
		t.Errorf("table output:\n%s", table)
	}
}

func TestBoardCheckRepairDedupe(t *testing.T) {
	env := newTestEnv(t)
	mustExecute(t, "board", "add", "main", "--id", "T1")
	mustExecute(t, "board", "add", "main", "--id", "T2")

	if out := mustExecute(t, "board", "check", "main"); strings.TrimSpace(out) != "healthy" {
		t.Errorf("check = %q", out)
	}

	path := filepath.Join(env.boardDir, "main.json")
	good, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	damaged := append(append([]byte{}, good...), []byte("\x00 garbage {\"task_id\":\"T3\",\"sta")...)
	if err := os.WriteFile(path, damaged, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "board", "check", "main")
	if !swarmerr.Is(err, swarmerr.ErrCodeCorruption) || strings.TrimSpace(out) != "corrupt" {
		t.Fatalf("check = %q, %v; want corrupt", out, err)
	}
	if _, err := execute(t, "board", "show", "main"); !swarmerr.Is(err, swarmerr.ErrCodeCorruption) {
		t.Errorf("show on corrupt board = %v", err)
	}

	var report struct {
		Kept       int    `json:"kept"`
		BackupPath string `json:"backup_path"`
	}
	if err := json.Unmarshal([]byte(mustExecute(t, "board", "repair", "main")), &report); err != nil {
		t.Fatal(err)
	}
	if report.Kept != 2 || report.BackupPath == "" {
		t.Errorf("repair report = %+v", report)
	}
	if got := readBoard(t, "main"); len(got) != 2 {
		t.Errorf("after repair board has %d tasks", len(got))
	}

	dup := `[{"task_id":"T1","status":"pending","updated_at":"2026-01-01T00:00:00Z"},
{"task_id":"T1","status":"done","updated_at":"2026-02-01T00:00:00Z"}]`
	if err := os.WriteFile(filepath.Join(env.boardDir, "dup.json"), []byte(dup), 0o644); err != nil {
		t.Fatal(err)
	}
	var dedupe struct {
		Status             string `json:"status"`
		DuplicatesResolved int    `json:"duplicates_resolved"`
	}
	if err := json.Unmarshal([]byte(mustExecute(t, "board", "dedupe", "dup")), &dedupe); err != nil {
		t.Fatal(err)
	}
	if dedupe.Status != "resolved" || dedupe.DuplicatesResolved != 1 {
		t.Errorf("dedupe = %+v", dedupe)
	}
	if got := readBoard(t, "dup"); len(got) != 1 || got[0].Status != "done" {
		t.Errorf("after dedupe = %+v", got)
	}
}

func TestPoolSubmitAndList(t *testing.T) {
	env := newTestEnv(t)

	mustExecute(t, "pool", "submit", "--id", "T1", "--description", "first")

	batch := filepath.Join(env.dir, "batch.json")
	content := `[{"task_id":"T2","status":"pending"},{"task_id":"T3","status":"pending","metadata":{"k":"v"}}]`
	if err := os.WriteFile(batch, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	mustExecute(t, "pool", "submit", "--file", batch)

	out := mustExecute(t, "pool", "list")
	if got := strings.Fields(out); !reflect.DeepEqual(got, []string{"T1", "T2", "T3"}) {
		t.Errorf("pool = %v", got)
	}

	if _, err := execute(t, "pool", "submit", "--id", "T1"); !swarmerr.Is(err, swarmerr.ErrCodeAlreadyExists) {
		t.Errorf("resubmit error = %v, want ALREADY_EXISTS", err)
	}
	if _, err := execute(t, "pool", "submit"); err == nil {
		t.Error("submit without --id or --file should fail")
	}
	if _, err := execute(t, "pool", "heartbeat", "agent-9"); !swarmerr.Is(err, swarmerr.ErrCodeNotFound) {
		t.Errorf("heartbeat for idle agent = %v, want NOT_FOUND", err)
	}
}

func TestAgentRunOnce(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	env := newTestEnv(t)

	ledgerPath := filepath.Join(env.dir, "ledger.db")
	cfgPath := filepath.Join(env.dir, "swarm.toml")
	if err := os.WriteFile(cfgPath, []byte("[ledger]\npath = \""+filepath.ToSlash(ledgerPath)+"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	mustExecute(t, "pool", "submit", "--id", "T1")
	mustExecute(t, "pool", "submit", "--id", "T2")

	script := `cat >/dev/null; if [ "$SWARM_TASK_ID" = T2 ]; then echo nope >&2; exit 3; fi; echo '{"ok":true}'`
	out := mustExecute(t, "--config", cfgPath, "agent", "run", "--once", "--", "sh", "-c", script)
	if !strings.Contains(out, "T1\tCOMPLETED") || !strings.Contains(out, "T2\tFAILED") {
		t.Errorf("agent output:\n%s", out)
	}

	if pool := strings.TrimSpace(mustExecute(t, "pool", "list")); pool != "" {
		t.Errorf("pool not drained: %q", pool)
	}
	if inbox := strings.TrimSpace(mustExecute(t, "pool", "list", "--inbox")); inbox != "" {
		t.Errorf("inbox not empty: %q", inbox)
	}

	l, err := ledger.Open(ledgerPath)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	outcomes, err := l.Outcomes(context.Background(), "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	states := map[string]lifecycle.State{}
	for _, o := range outcomes {
		states[o.TaskID] = o.State
	}
	if states["T1"] != lifecycle.Completed || states["T2"] != lifecycle.Failed {
		t.Errorf("ledger outcomes = %v", states)
	}
}

func TestAgentMonitorReclaims(t *testing.T) {
	env := newTestEnv(t)

	crashed, err := mailbox.New(mailbox.Config{Root: filepath.Join(env.dir, "mailbox"), AgentID: "crashed"},
		mailbox.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := crashed.Submit(tasks.Task{TaskID: "T1", Status: tasks.StatusPending}); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := crashed.ClaimNext(context.Background(), nil); !ok || err != nil {
		t.Fatalf("claim: %v, %v", ok, err)
	}
	time.Sleep(20 * time.Millisecond)

	out := mustExecute(t, "agent", "monitor", "--once", "--reclaim", "--stale-after", "1ms")
	if !strings.Contains(out, "dead\tcrashed\tT1") || !strings.Contains(out, "reclaimed\tcrashed\tT1") {
		t.Errorf("monitor output:\n%s", out)
	}
	if pool := strings.TrimSpace(mustExecute(t, "pool", "list")); pool != "T1" {
		t.Errorf("pool = %q, want T1", pool)
	}
}

func TestVoteStartWithOwnVote(t *testing.T) {
	newTestEnv(t)

	out := mustExecute(t, "vote", "start", "--topic", "deploy", "--choices", "yes,no",
		"--quorum", "1", "--timeout", "5s", "--choice", "yes", "--confidence", "0.8")

	var sess consensus.Session
	if err := json.Unmarshal([]byte(out), &sess); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if sess.Status != consensus.StatusCompleted || sess.Result == nil {
		t.Fatalf("session = %+v", sess)
	}
	if sess.Result.Winner == nil || *sess.Result.Winner != "yes" || !sess.Result.QuorumReached {
		t.Errorf("result = %+v", sess.Result)
	}

	if _, err := execute(t, "vote", "start", "--topic", "deploy", "--choices", "yes", "--choice", "maybe"); !swarmerr.Is(err, swarmerr.ErrCodeInvalidInput) {
		t.Errorf("undeclared choice error = %v", err)
	}
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"status=running", "retry_count=2", `metadata={"k":"v"}`, "note=a=b"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]interface{}{
		"status":      "running",
		"retry_count": float64(2),
		"metadata":    map[string]interface{}{"k": "v"},
		"note":        "a=b",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v", got)
	}

	if _, err := parseAssignments([]string{"novalue"}); err == nil {
		t.Error("expected error for missing '='")
	}
	if _, err := parseAssignments([]string{"=x"}); err == nil {
		t.Error("expected error for empty key")
	}
}
