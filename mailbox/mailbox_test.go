package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/tasks"
)

func newTestMailbox(t *testing.T, root, agent string) *Mailbox {
	t.Helper()
	m, err := New(Config{Root: root, AgentID: agent}, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("New(%s): %v", agent, err)
	}
	return m
}

func submit(t *testing.T, m *Mailbox, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := m.Submit(tasks.New(id, "do "+id)); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}
}

func TestNewCreatesLayout(t *testing.T) {
	root := t.TempDir()
	newTestMailbox(t, root, "a1")

	for _, dir := range []string{
		"shared/tasks_to_claim", "shared/heartbeat",
		"a1/inbox", "a1/outbox", "a1/failed",
	} {
		if info, err := os.Stat(filepath.Join(root, dir)); err != nil || !info.IsDir() {
			t.Errorf("missing directory %s", dir)
		}
	}
	// The filesystem probe leaves nothing behind.
	for _, dir := range []string{"shared/tasks_to_claim", "a1/inbox", "a1/failed"} {
		entries, _ := os.ReadDir(filepath.Join(root, dir))
		if len(entries) != 0 {
			t.Errorf("%s not empty: %v", dir, entries)
		}
	}
}

func TestNewRejectsBadAgent(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"", "shared", ".hidden", "a/b"} {
		if _, err := New(Config{Root: root, AgentID: id}, WithLogger(logging.Discard())); !swarmerr.IsValidation(err) {
			t.Errorf("agent %q: expected validation error, got %v", id, err)
		}
	}
}

func TestSubmitNoClobber(t *testing.T) {
	m := newTestMailbox(t, t.TempDir(), "a1")
	submit(t, m, "T1")

	_, err := m.Submit(tasks.New("T1", "again"))
	if !swarmerr.Is(err, swarmerr.ErrCodeAlreadyExists) {
		t.Fatalf("expected ALREADY_EXISTS, got %v", err)
	}
	pending, _ := m.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %v", pending)
	}
	got, ok := m.Read(pending[0])
	if !ok || got.Description != "do T1" {
		t.Errorf("original overwritten: %+v", got)
	}

	if _, err := m.Submit(tasks.Task{TaskID: "../x", Status: tasks.StatusPending}); !swarmerr.IsValidation(err) {
		t.Errorf("unsafe id: expected validation error, got %v", err)
	}
}

func TestClaimNextEmptyPool(t *testing.T) {
	m := newTestMailbox(t, t.TempDir(), "a1")
	claim, ok, err := m.ClaimNext(context.Background(), nil)
	if err != nil || ok || claim != nil {
		t.Errorf("ClaimNext = %v, %v, %v", claim, ok, err)
	}
}

func TestClaimNextOrderAndOwnership(t *testing.T) {
	m := newTestMailbox(t, t.TempDir(), "a1")
	submit(t, m, "T2", "T1", "T3")

	claim, ok, err := m.ClaimNext(context.Background(), nil)
	if err != nil || !ok {
		t.Fatalf("ClaimNext = %v, %v", ok, err)
	}
	if claim.Task.TaskID != "T1" {
		t.Errorf("claimed %s, want T1 (lexicographic)", claim.Task.TaskID)
	}
	if filepath.Dir(claim.Path) != m.inboxPath() {
		t.Errorf("claim path %s not in inbox", claim.Path)
	}
	inbox, _ := m.Inbox()
	if len(inbox) != 1 || inbox[0] != claim.Path {
		t.Errorf("inbox = %v", inbox)
	}
	pending, _ := m.Pending()
	if len(pending) != 2 {
		t.Errorf("pending = %v", pending)
	}

	hb, ok, err := m.ReadHeartbeat("a1")
	if err != nil || !ok || hb.TaskID != "T1" || hb.Status != "claimed" {
		t.Errorf("heartbeat = %+v, %v, %v", hb, ok, err)
	}
}

// Two agents race on one pooled task: exactly one wins.
func TestClaimNextAtMostOnce(t *testing.T) {
	for round := 0; round < 25; round++ {
		root := t.TempDir()
		a := newTestMailbox(t, root, "a1")
		b := newTestMailbox(t, root, "a2")
		submit(t, a, "T1")

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		start := make(chan struct{})
		for _, m := range []*Mailbox{a, b} {
			wg.Add(1)
			go func(m *Mailbox) {
				defer wg.Done()
				<-start
				_, ok, err := m.ClaimNext(context.Background(), nil)
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(m)
		}
		close(start)
		wg.Wait()

		if wins != 1 {
			t.Fatalf("round %d: %d winners, want exactly 1", round, wins)
		}
		ai, _ := a.Inbox()
		bi, _ := b.Inbox()
		if len(ai)+len(bi) != 1 {
			t.Fatalf("round %d: task in %d inboxes", round, len(ai)+len(bi))
		}
	}
}

func TestClaimNextFilterReleasesAndContinues(t *testing.T) {
	m := newTestMailbox(t, t.TempDir(), "a1")
	submit(t, m, "T1", "T2")

	claim, ok, err := m.ClaimNext(context.Background(), func(task tasks.Task) bool {
		return task.TaskID != "T1"
	})
	if err != nil || !ok {
		t.Fatalf("ClaimNext = %v, %v", ok, err)
	}
	if claim.Task.TaskID != "T2" {
		t.Errorf("claimed %s, want T2", claim.Task.TaskID)
	}
	pending, _ := m.Pending()
	if len(pending) != 1 || filepath.Base(pending[0]) != "task-T1.json" {
		t.Errorf("rejected task not back in pool: %v", pending)
	}
}

func TestClaimNextQuarantinesUnreadable(t *testing.T) {
	root := t.TempDir()
	m := newTestMailbox(t, root, "a1")
	os.WriteFile(filepath.Join(m.poolPath(), "task-A0.json"), []byte("{not json"), 0o644)
	submit(t, m, "T1")

	claim, ok, err := m.ClaimNext(context.Background(), nil)
	if err != nil || !ok || claim.Task.TaskID != "T1" {
		t.Fatalf("ClaimNext = %+v, %v, %v", claim, ok, err)
	}

	moved := filepath.Join(m.failedPath(), "task-A0.json")
	data, err := os.ReadFile(moved)
	if err != nil || string(data) != "{not json" {
		t.Errorf("unreadable file not preserved in failed/: %q, %v", data, err)
	}
	note, _ := os.ReadFile(moved + ".reason")
	if !strings.HasPrefix(string(note), ReasonUnreadable) {
		t.Errorf("reason note = %q", note)
	}
}

func TestClaimNextHonoursCancel(t *testing.T) {
	m := newTestMailbox(t, t.TempDir(), "a1")
	submit(t, m, "T1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := m.ClaimNext(ctx, nil)
	if ok || !swarmerr.Is(err, swarmerr.ErrCodeCanceled) {
		t.Fatalf("ClaimNext = %v, %v; want CANCELED", ok, err)
	}
	if pending, _ := m.Pending(); len(pending) != 1 {
		t.Error("cancelled scan claimed a task")
	}
}

func TestComplete(t *testing.T) {
	m := newTestMailbox(t, t.TempDir(), "a1")
	submit(t, m, "T1")
	claim, _, _ := m.ClaimNext(context.Background(), nil)

	if err := m.Complete(claim, map[string]interface{}{"answer": "42"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(m.outboxPath(), "completed-T1.json"))
	if err != nil {
		t.Fatalf("outbox record: %v", err)
	}
	var rec map[string]interface{}
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec["task_id"] != "T1" || rec["agent_id"] != "a1" || rec["completed_at"] == nil {
		t.Errorf("record = %v", rec)
	}
	if rec["result"].(map[string]interface{})["answer"] != "42" {
		t.Errorf("result = %v", rec["result"])
	}
	if rec["task"].(map[string]interface{})["status"] != "completed" {
		t.Errorf("embedded task = %v", rec["task"])
	}

	if _, err := os.Stat(claim.Path); !os.IsNotExist(err) {
		t.Error("inbox copy not removed")
	}
	if _, ok, _ := m.ReadHeartbeat("a1"); ok {
		t.Error("heartbeat not cleared")
	}
}

func TestFailPreservesTask(t *testing.T) {
	m := newTestMailbox(t, t.TempDir(), "a1")
	task := tasks.New("T1", "fragile")
	task.Metadata = map[string]interface{}{"priority": "high"}
	m.Submit(task)
	claim, _, _ := m.ClaimNext(context.Background(), nil)

	if err := m.Fail(claim, "handler exploded"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.inboxPath(), "task-T1.json")); !os.IsNotExist(err) {
		t.Error("inbox copy still present")
	}

	data, err := os.ReadFile(filepath.Join(m.failedPath(), "task-T1.json"))
	if err != nil {
		t.Fatalf("failed record: %v", err)
	}
	var rec map[string]interface{}
	json.Unmarshal(data, &rec)
	if rec["failure_reason"] != "handler exploded" || rec["failed_by"] != "a1" || rec["failed_at"] == nil {
		t.Errorf("failure fields = %v", rec)
	}
	if rec["description"] != "fragile" || rec["metadata"].(map[string]interface{})["priority"] != "high" {
		t.Errorf("task data lost: %v", rec)
	}
	if rec["status"] != "failed" {
		t.Errorf("status = %v", rec["status"])
	}
}

func TestFailWithErrorRecordsCode(t *testing.T) {
	m := newTestMailbox(t, t.TempDir(), "a1")
	submit(t, m, "T1", "T2")
	ctx := context.Background()

	c1, _, _ := m.ClaimNext(ctx, nil)
	if err := m.FailWithError(c1, swarmerr.New(swarmerr.ErrCodeTimeout, "model slow")); err != nil {
		t.Fatalf("FailWithError: %v", err)
	}
	c2, _, _ := m.ClaimNext(ctx, nil)
	if err := m.FailWithError(c2, fmt.Errorf("exit status 2")); err != nil {
		t.Fatalf("FailWithError: %v", err)
	}

	tests := []struct {
		file      string
		reason    string
		code      string
		retryable bool
	}{
		{"task-T1.json", "model slow", "TIMEOUT", true},
		{"task-T2.json", "exit status 2", "TASK_FAILED", false},
	}
	for _, tt := range tests {
		data, err := os.ReadFile(filepath.Join(m.failedPath(), tt.file))
		if err != nil {
			t.Fatalf("%s: %v", tt.file, err)
		}
		var rec map[string]interface{}
		json.Unmarshal(data, &rec)
		if rec["failure_reason"] != tt.reason {
			t.Errorf("%s: failure_reason = %v", tt.file, rec["failure_reason"])
		}
		coded, ok := rec["failure_error"].(map[string]interface{})
		if !ok || coded["code"] != tt.code || coded["retryable"] != tt.retryable {
			t.Errorf("%s: failure_error = %v", tt.file, rec["failure_error"])
		}
	}
}

func TestFailTwiceKeepsBoth(t *testing.T) {
	m := newTestMailbox(t, t.TempDir(), "a1")
	for i := 0; i < 2; i++ {
		submit(t, m, "T1")
		claim, ok, _ := m.ClaimNext(context.Background(), nil)
		if !ok {
			t.Fatal("claim failed")
		}
		if err := m.Fail(claim, fmt.Sprintf("attempt %d", i)); err != nil {
			t.Fatal(err)
		}
	}
	entries, _ := os.ReadDir(m.failedPath())
	if len(entries) != 2 {
		t.Errorf("failed/ = %v, want two records", entries)
	}
}

func TestRelease(t *testing.T) {
	m := newTestMailbox(t, t.TempDir(), "a1")
	submit(t, m, "T1")
	claim, _, _ := m.ClaimNext(context.Background(), nil)

	if err := m.Release(claim); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if inbox, _ := m.Inbox(); len(inbox) != 0 {
		t.Errorf("inbox = %v", inbox)
	}
	if pending, _ := m.Pending(); len(pending) != 1 {
		t.Errorf("pending = %v", pending)
	}
	if _, ok, _ := m.ReadHeartbeat("a1"); ok {
		t.Error("heartbeat not cleared")
	}
}

func TestHeartbeatKeptWhileClaimsRemain(t *testing.T) {
	m := newTestMailbox(t, t.TempDir(), "a1")
	submit(t, m, "T1", "T2", "T3")
	ctx := context.Background()

	var claims []*Claim
	for i := 0; i < 3; i++ {
		c, ok, err := m.ClaimNext(ctx, nil)
		if !ok || err != nil {
			t.Fatalf("ClaimNext #%d = %v, %v", i, ok, err)
		}
		claims = append(claims, c)
	}

	if err := m.Complete(claims[0], nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	hb, ok, err := m.ReadHeartbeat("a1")
	if !ok || err != nil {
		t.Fatalf("heartbeat gone with two claims left: %v, %v", ok, err)
	}
	if hb.TaskID != "T2" || hb.Status != "claimed" {
		t.Errorf("heartbeat = %+v, want T2 claimed", hb)
	}

	if err := m.Fail(claims[1], "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if hb, ok, _ := m.ReadHeartbeat("a1"); !ok || hb.TaskID != "T3" {
		t.Errorf("heartbeat after Fail = %+v, %v; want T3", hb, ok)
	}

	if err := m.Release(claims[2]); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok, _ := m.ReadHeartbeat("a1"); ok {
		t.Error("heartbeat left after the last claim was released")
	}
}

func TestReleaseConflict(t *testing.T) {
	m := newTestMailbox(t, t.TempDir(), "a1")
	submit(t, m, "T1")
	claim, _, _ := m.ClaimNext(context.Background(), nil)
	submit(t, m, "T1")

	if err := m.Release(claim); !swarmerr.Is(err, swarmerr.ErrCodeAlreadyExists) {
		t.Fatalf("expected ALREADY_EXISTS, got %v", err)
	}
	if _, err := os.Stat(claim.Path); err != nil {
		t.Error("claim lost on conflicting release")
	}
}

func TestReadInvalid(t *testing.T) {
	m := newTestMailbox(t, t.TempDir(), "a1")
	path := filepath.Join(t.TempDir(), "task-x.json")
	os.WriteFile(path, []byte(`{"task_id": 5}`), 0o644)

	if _, ok := m.Read(path); ok {
		t.Error("schema-invalid file read as a task")
	}
	if _, ok := m.Read(filepath.Join(t.TempDir(), "missing.json")); ok {
		t.Error("missing file read as a task")
	}
}

func TestHeartbeatOtherAgent(t *testing.T) {
	root := t.TempDir()
	a := newTestMailbox(t, root, "a1")
	b := newTestMailbox(t, root, "a2")

	a.UpdateHeartbeat("T9", "running")
	hb, ok, err := b.ReadHeartbeat("a1")
	if err != nil || !ok {
		t.Fatalf("ReadHeartbeat = %v, %v", ok, err)
	}
	if hb.AgentID != "a1" || hb.TaskID != "T9" || hb.Status != "running" {
		t.Errorf("heartbeat = %+v", hb)
	}
	if age := hb.Age(time.Now()); age < 0 || age > time.Minute {
		t.Errorf("age = %v", age)
	}

	if _, ok, err := b.ReadHeartbeat("a2"); ok || err != nil {
		t.Errorf("absent heartbeat = %v, %v", ok, err)
	}
	// Clearing twice is fine.
	a.ClearHeartbeat()
	a.ClearHeartbeat()
}
