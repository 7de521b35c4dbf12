package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/swarmkit/ledger"
	"github.com/vinayprograms/swarmkit/lifecycle"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/mailbox"
	"github.com/vinayprograms/swarmkit/tasks"
)

func newMailbox(t *testing.T, root string) *mailbox.Mailbox {
	t.Helper()
	mb, err := mailbox.New(mailbox.Config{Root: root, AgentID: "w1"}, mailbox.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	return mb
}

func newWorker(t *testing.T, mb *mailbox.Mailbox, h Handler, opts ...Option) *Worker {
	t.Helper()
	w, err := New(mb, h, Config{PollInterval: 20 * time.Millisecond, HeartbeatInterval: 10 * time.Millisecond},
		append([]Option{WithLogger(logging.Discard())}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func runOne(t *testing.T, w *Worker) Outcome {
	t.Helper()
	var got Outcome
	w.OnDone(func(o Outcome) { got = o })
	ran, err := w.RunOnce(context.Background())
	if err != nil || !ran {
		t.Fatalf("RunOnce = %v, %v", ran, err)
	}
	return got
}

func TestCompleted(t *testing.T) {
	root := t.TempDir()
	mb := newMailbox(t, root)
	mb.Submit(tasks.New("T1", "add"))

	w := newWorker(t, mb, func(ctx context.Context, task tasks.Task) (interface{}, error) {
		return map[string]int{"sum": 3}, nil
	})
	out := runOne(t, w)
	if out.State != lifecycle.Completed || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}

	data, err := os.ReadFile(filepath.Join(root, "w1", "outbox", "completed-T1.json"))
	if err != nil {
		t.Fatal(err)
	}
	var rec mailbox.Completion
	json.Unmarshal(data, &rec)
	if rec.TaskID != "T1" || rec.AgentID != "w1" {
		t.Errorf("completion = %+v", rec)
	}
	if _, ok, _ := mb.ReadHeartbeat("w1"); ok {
		t.Error("heartbeat left behind")
	}
}

func TestFailed(t *testing.T) {
	root := t.TempDir()
	mb := newMailbox(t, root)
	mb.Submit(tasks.New("T1", "bad"))

	w := newWorker(t, mb, func(context.Context, tasks.Task) (interface{}, error) {
		return nil, errors.New("no such file")
	})
	out := runOne(t, w)
	if out.State != lifecycle.Failed {
		t.Fatalf("state = %s", out.State)
	}
	data, _ := os.ReadFile(filepath.Join(root, "w1", "failed", "task-T1.json"))
	var rec map[string]interface{}
	json.Unmarshal(data, &rec)
	if rec["failure_reason"] != "no such file" {
		t.Errorf("failed record = %v", rec)
	}
	coded, _ := rec["failure_error"].(map[string]interface{})
	if coded["code"] != "TASK_FAILED" || coded["task_id"] != "T1" {
		t.Errorf("failure_error = %v", rec["failure_error"])
	}
}

func TestPanicBecomesError(t *testing.T) {
	root := t.TempDir()
	mb := newMailbox(t, root)
	mb.Submit(tasks.New("T1", "explode"))

	w := newWorker(t, mb, func(context.Context, tasks.Task) (interface{}, error) {
		panic("handler bug")
	})
	out := runOne(t, w)
	if out.State != lifecycle.Error {
		t.Fatalf("state = %s", out.State)
	}
	data, err := os.ReadFile(filepath.Join(root, "w1", "failed", "task-T1.json"))
	if err != nil {
		t.Fatalf("panicked task not in failed/: %v", err)
	}
	var rec map[string]interface{}
	json.Unmarshal(data, &rec)
	if rec["failure_reason"] != "panic: handler bug" {
		t.Errorf("failure_reason = %v", rec["failure_reason"])
	}
	coded, _ := rec["failure_error"].(map[string]interface{})
	if coded["code"] != "PANIC" {
		t.Errorf("failure_error = %v", rec["failure_error"])
	}
}

func TestCancelReleasesTask(t *testing.T) {
	mb := newMailbox(t, t.TempDir())
	mb.Submit(tasks.New("T1", "slow"))

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	w := newWorker(t, mb, func(ctx context.Context, _ tasks.Task) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	var out Outcome
	w.OnDone(func(o Outcome) { out = o })

	go func() {
		<-started
		cancel()
	}()
	ran, _ := w.RunOnce(ctx)
	if !ran || out.State != lifecycle.Cancelled {
		t.Fatalf("ran = %v outcome = %+v", ran, out)
	}
	if pending, _ := mb.Pending(); len(pending) != 1 {
		t.Errorf("task not released to pool: %v", pending)
	}
}

func TestHeartbeatWhileRunning(t *testing.T) {
	mb := newMailbox(t, t.TempDir())
	mb.Submit(tasks.New("T1", "slow"))

	var seen *mailbox.Heartbeat
	w := newWorker(t, mb, func(context.Context, tasks.Task) (interface{}, error) {
		time.Sleep(50 * time.Millisecond)
		seen, _, _ = mb.ReadHeartbeat("w1")
		return nil, nil
	})
	runOne(t, w)
	if seen == nil || seen.TaskID != "T1" || seen.Status != "running" {
		t.Errorf("heartbeat during run = %+v", seen)
	}
}

func TestFilterSkipsTasks(t *testing.T) {
	mb := newMailbox(t, t.TempDir())
	mb.Submit(tasks.New("T1", "skip me"))

	w, _ := New(mb, func(context.Context, tasks.Task) (interface{}, error) { return nil, nil },
		Config{Filter: func(tasks.Task) bool { return false }}, WithLogger(logging.Discard()))
	ran, err := w.RunOnce(context.Background())
	if ran || err != nil {
		t.Errorf("RunOnce = %v, %v", ran, err)
	}
	if pending, _ := mb.Pending(); len(pending) != 1 {
		t.Error("filtered task left the pool")
	}
}

func TestLedgerRecordsEverything(t *testing.T) {
	mb := newMailbox(t, t.TempDir())
	mb.Submit(tasks.New("T1", "x"))
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	w := newWorker(t, mb, func(context.Context, tasks.Task) (interface{}, error) { return "ok", nil }, WithLedger(l))
	runOne(t, w)

	history, _ := l.History(context.Background(), "T1")
	var states []lifecycle.State
	for _, e := range history {
		states = append(states, e.To)
	}
	want := []lifecycle.State{lifecycle.Received, lifecycle.Running, lifecycle.Completed}
	if len(states) != len(want) {
		t.Fatalf("states = %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states = %v, want %v", states, want)
		}
	}

	outcomes, _ := l.Outcomes(context.Background(), "w1")
	if len(outcomes) != 1 || outcomes[0].State != lifecycle.Completed {
		t.Errorf("outcomes = %+v", outcomes)
	}
}

func TestRunDrainsPoolConcurrently(t *testing.T) {
	mb := newMailbox(t, t.TempDir())
	const n = 12
	for i := 0; i < n; i++ {
		mb.Submit(tasks.New("T"+string(rune('a'+i)), "x"))
	}

	var (
		mu   sync.Mutex
		done = make(map[string]int)
	)
	w, _ := New(mb, func(_ context.Context, task tasks.Task) (interface{}, error) {
		mu.Lock()
		done[task.TaskID]++
		mu.Unlock()
		return nil, nil
	}, Config{Concurrency: 3, PollInterval: 10 * time.Millisecond}, WithLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	var count int
	w.OnDone(func(Outcome) {
		mu.Lock()
		count++
		if count == n {
			close(finished)
		}
		mu.Unlock()
	})

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("pool not drained")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run = %v", err)
	}

	for id, c := range done {
		if c != 1 {
			t.Errorf("task %s executed %d times", id, c)
		}
	}
	if len(done) != n {
		t.Errorf("executed %d tasks, want %d", len(done), n)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, func(context.Context, tasks.Task) (interface{}, error) { return nil, nil }, Config{}); err == nil {
		t.Error("expected error for nil mailbox")
	}
	if _, err := New(newMailbox(t, t.TempDir()), nil, Config{}); err == nil {
		t.Error("expected error for nil handler")
	}
}
