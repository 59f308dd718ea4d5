package coord

import (
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestCreateTaskAssignsMonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		task, deduped, err := s.CreateTask(Task{Title: "t", Creator: "master"})
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if deduped {
			t.Fatal("unexpected dedupe")
		}
		if !strings.HasPrefix(task.TaskID, "T") || len(task.TaskID) != 9 {
			t.Fatalf("task id shape %q", task.TaskID)
		}
		if seen[task.TaskID] {
			t.Fatalf("duplicate id %q", task.TaskID)
		}
		seen[task.TaskID] = true
		if task.Status != TaskPending {
			t.Fatalf("new task status %q", task.Status)
		}
	}
}

func TestCreateTaskIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	first, _, err := s.CreateTask(Task{Title: "deploy", Creator: "m", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	second, deduped, err := s.CreateTask(Task{Title: "deploy again", Creator: "m", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if !deduped {
		t.Fatal("second create with same key not deduped")
	}
	if second.TaskID != first.TaskID {
		t.Fatalf("ids differ: %s vs %s", first.TaskID, second.TaskID)
	}
}

func TestUpdateTaskAutoRetry(t *testing.T) {
	s := newTestStore(t)
	task, _, err := s.CreateTask(Task{Title: "flaky", Creator: "m", MaxRetries: 2})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	res, err := s.UpdateTask(task.TaskID, TaskFailed, "boom", "")
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if !res.AutoRetried {
		t.Fatal("first failure not auto-retried")
	}
	if res.Task.Status != TaskPending || res.Task.RetryCount != 1 {
		t.Fatalf("after retry: status=%s retry=%d", res.Task.Status, res.Task.RetryCount)
	}
	if !strings.HasPrefix(res.Task.Result, "[重试 1/2]") {
		t.Fatalf("result missing retry marker: %q", res.Task.Result)
	}

	if _, err := s.UpdateTask(task.TaskID, TaskFailed, "boom2", ""); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	res, err = s.UpdateTask(task.TaskID, TaskFailed, "boom3", "")
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if res.AutoRetried {
		t.Fatal("retries exhausted but still auto-retried")
	}
	if res.Task.Status != TaskFailed {
		t.Fatalf("final status %q, want failed", res.Task.Status)
	}
}

func TestTerminalTasksRejectUpdates(t *testing.T) {
	s := newTestStore(t)
	task, _, _ := s.CreateTask(Task{Title: "t", Creator: "m"})
	if _, err := s.UpdateTask(task.TaskID, TaskDone, "finished", ""); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if _, err := s.UpdateTask(task.TaskID, TaskFailed, "late", ""); err == nil {
		t.Fatal("update of done task passed")
	}
	if _, err := s.CancelTask(task.TaskID, "too late"); err == nil {
		t.Fatal("cancel of done task passed")
	}
}

func TestReadyTasksHonorDependencies(t *testing.T) {
	s := newTestStore(t)
	dep, _, _ := s.CreateTask(Task{Title: "dep", Creator: "m"})
	child, _, _ := s.CreateTask(Task{Title: "child", Creator: "m", DependsOn: []string{dep.TaskID}})

	ready, err := s.ReadyTasks("")
	if err != nil {
		t.Fatalf("ReadyTasks: %v", err)
	}
	for _, r := range ready {
		if r.TaskID == child.TaskID {
			t.Fatal("child ready before dependency done")
		}
	}

	if _, err := s.UpdateTask(dep.TaskID, TaskDone, "", ""); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	ready, _ = s.ReadyTasks("")
	found := false
	for _, r := range ready {
		if r.TaskID == child.TaskID {
			found = true
		}
	}
	if !found {
		t.Fatal("child not ready after dependency done")
	}
}

func TestApprovalLifecycle(t *testing.T) {
	s := newTestStore(t)
	a, err := s.RequestApproval(Approval{
		Requester: "worker-1",
		Title:     "deploy to prod",
		Options:   []string{"yes", "no"},
	})
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if !strings.HasPrefix(a.ApprovalID, "A") || len(a.ApprovalID) != 9 {
		t.Fatalf("approval id shape %q", a.ApprovalID)
	}

	if _, err := s.RespondApproval(a.ApprovalID, "maybe", "human", ""); err == nil {
		t.Fatal("off-option decision passed")
	}

	resolved, err := s.RespondApproval(a.ApprovalID, "yes", "human", "lgtm")
	if err != nil {
		t.Fatalf("RespondApproval: %v", err)
	}
	if resolved.Status != ApprovalResolved || resolved.Decision != "yes" {
		t.Fatalf("resolved = %+v", resolved)
	}

	if _, err := s.RespondApproval(a.ApprovalID, "no", "human", ""); err == nil {
		t.Fatal("double respond passed")
	}
}

func TestLockAcquireRenewAndConflict(t *testing.T) {
	s := newTestStore(t)

	res, err := s.AcquireLock("db-migrate", "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if !res.OK || res.Renewed {
		t.Fatalf("first acquire = %+v", res)
	}

	conflict, err := s.AcquireLock("db-migrate", "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if conflict.OK || conflict.Holder != "worker-1" {
		t.Fatalf("conflict = %+v", conflict)
	}

	renewed, err := s.AcquireLock("db-migrate", "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if !renewed.OK || !renewed.Renewed {
		t.Fatalf("renew = %+v", renewed)
	}
	if !renewed.Lock.ExpiresAt.After(res.Lock.ExpiresAt.Add(-time.Second)) {
		t.Fatal("renewal did not extend the lease")
	}

	if _, err := s.ReleaseLock("db-migrate", "worker-2"); err == nil {
		t.Fatal("release by non-owner passed")
	}
	ok, err := s.ReleaseLock("db-migrate", "worker-1")
	if err != nil || !ok {
		t.Fatalf("release = %v, %v", ok, err)
	}
}

func TestExpiredLocksAreAbsent(t *testing.T) {
	s := newTestStore(t)

	// Seed an already-expired lock directly through the state file.
	s.mu.Lock()
	st := lockState{Locks: map[string]*Lock{
		"stale": {
			Resource:   "stale",
			Owner:      "gone",
			AcquiredAt: time.Now().Add(-2 * time.Hour),
			ExpiresAt:  time.Now().Add(-time.Hour),
		},
	}}
	if err := s.saveFile(lockFile, &st); err != nil {
		s.mu.Unlock()
		t.Fatalf("seed: %v", err)
	}
	s.mu.Unlock()

	locks, err := s.ListLocks()
	if err != nil {
		t.Fatalf("ListLocks: %v", err)
	}
	if len(locks) != 0 {
		t.Fatalf("expired lock still listed: %v", locks)
	}

	// The resource is immediately acquirable.
	res, err := s.AcquireLock("stale", "worker-9", time.Minute)
	if err != nil || !res.OK {
		t.Fatalf("acquire after expiry = %+v, %v", res, err)
	}
}

func TestRosterRegisterAndUnregister(t *testing.T) {
	s := newTestStore(t)

	entry, err := s.RegisterAgent(RosterEntry{AgentID: "worker-1", Role: "backend"})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	registeredAt := entry.RegisteredAt

	// Re-register keeps the original registration time.
	updated, err := s.RegisterAgent(RosterEntry{AgentID: "worker-1", Role: "frontend"})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if !updated.RegisteredAt.Equal(registeredAt) {
		t.Fatal("re-register changed registered_at")
	}
	if updated.Role != "frontend" {
		t.Fatalf("role = %q", updated.Role)
	}

	roster, _ := s.Roster()
	if len(roster) != 1 {
		t.Fatalf("roster size %d", len(roster))
	}

	ok, err := s.UnregisterAgent("worker-1")
	if err != nil || !ok {
		t.Fatalf("unregister = %v, %v", ok, err)
	}
	ok, _ = s.UnregisterAgent("worker-1")
	if ok {
		t.Fatal("double unregister reported true")
	}
}
