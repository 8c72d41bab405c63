package digitaltask

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencane/gateway/internal/agent"
	"github.com/opencane/gateway/internal/store"
)

func newTestTaskDB(t *testing.T) *store.TaskDB {
	t.Helper()
	db, err := store.OpenTaskDB(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open task db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func waitForStatus(t *testing.T, svc *Service, taskID string, want store.TaskStatus) *store.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := svc.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", taskID, want)
	return nil
}

func immediateExecutor(text string) agent.Executor {
	return func(ctx context.Context, goal, sessionID string) (agent.Result, error) {
		return agent.Result{Text: text}, nil
	}
}

func TestExecuteRunsToSuccess(t *testing.T) {
	db := newTestTaskDB(t)
	svc := New(db, Options{}, immediateExecutor("done"), nil, nil)

	taskID, err := svc.Execute(context.Background(), ExecuteRequest{Goal: "do the thing"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	task := waitForStatus(t, svc, taskID, store.TaskSuccess)
	if task.Result["text"] != "done" {
		t.Fatalf("expected result text to round-trip, got %+v", task.Result)
	}
}

func TestExecuteRequiresGoal(t *testing.T) {
	db := newTestTaskDB(t)
	svc := New(db, Options{}, immediateExecutor(""), nil, nil)

	if _, err := svc.Execute(context.Background(), ExecuteRequest{}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestExecuteRejectsDuplicateTaskID(t *testing.T) {
	db := newTestTaskDB(t)
	svc := New(db, Options{}, immediateExecutor("x"), nil, nil)

	if _, err := svc.Execute(context.Background(), ExecuteRequest{TaskID: "fixed-id", Goal: "g"}); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := svc.Execute(context.Background(), ExecuteRequest{TaskID: "fixed-id", Goal: "g"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestExecuteFailurePropagatesError(t *testing.T) {
	db := newTestTaskDB(t)
	failing := func(ctx context.Context, goal, sessionID string) (agent.Result, error) {
		return agent.Result{}, errors.New("boom")
	}
	svc := New(db, Options{}, failing, nil, nil)

	taskID, err := svc.Execute(context.Background(), ExecuteRequest{Goal: "g"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	task := waitForStatus(t, svc, taskID, store.TaskFailed)
	if task.Error != "boom" {
		t.Fatalf("expected error message to round-trip, got %q", task.Error)
	}
}

func TestExecuteTimesOut(t *testing.T) {
	db := newTestTaskDB(t)
	blocking := func(ctx context.Context, goal, sessionID string) (agent.Result, error) {
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	}
	svc := New(db, Options{}, blocking, nil, nil)

	taskID, err := svc.Execute(context.Background(), ExecuteRequest{Goal: "g", TimeoutSeconds: 1})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitForStatus(t, svc, taskID, store.TaskTimeout)
}

func TestCancelRunningTask(t *testing.T) {
	db := newTestTaskDB(t)
	blocking := func(ctx context.Context, goal, sessionID string) (agent.Result, error) {
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	}
	svc := New(db, Options{}, blocking, nil, nil)

	taskID, err := svc.Execute(context.Background(), ExecuteRequest{Goal: "g", TimeoutSeconds: 30})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// Give the goroutine a moment to register as running before cancelling.
	time.Sleep(20 * time.Millisecond)
	if err := svc.Cancel(context.Background(), taskID, "user requested"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	task := waitForStatus(t, svc, taskID, store.TaskCanceled)
	if task.Error != "user requested" {
		t.Fatalf("expected cancel reason to round-trip, got %q", task.Error)
	}
}

func TestCancelAlreadyFinalReturnsError(t *testing.T) {
	db := newTestTaskDB(t)
	svc := New(db, Options{}, immediateExecutor("x"), nil, nil)

	taskID, err := svc.Execute(context.Background(), ExecuteRequest{Goal: "g"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitForStatus(t, svc, taskID, store.TaskSuccess)

	if err := svc.Cancel(context.Background(), taskID, "too late"); !errors.Is(err, ErrAlreadyFinal) {
		t.Fatalf("expected ErrAlreadyFinal, got %v", err)
	}
}

func TestGetUnknownTaskReturnsErrNotFound(t *testing.T) {
	db := newTestTaskDB(t)
	svc := New(db, Options{}, immediateExecutor("x"), nil, nil)

	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	db := newTestTaskDB(t)
	svc := New(db, Options{}, immediateExecutor("x"), nil, nil)

	id1, _ := svc.Execute(context.Background(), ExecuteRequest{Goal: "g1"})
	id2, _ := svc.Execute(context.Background(), ExecuteRequest{Goal: "g2"})
	waitForStatus(t, svc, id1, store.TaskSuccess)
	waitForStatus(t, svc, id2, store.TaskSuccess)

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[string(store.TaskSuccess)] != 2 {
		t.Fatalf("expected 2 successful tasks, got %+v", stats)
	}
}

func TestExecuteNotifiesCallbackOnSuccess(t *testing.T) {
	db := newTestTaskDB(t)
	var mu sync.Mutex
	var received []StatusUpdate
	callback := func(ctx context.Context, update StatusUpdate) bool {
		mu.Lock()
		received = append(received, update)
		mu.Unlock()
		return true
	}
	svc := New(db, Options{}, immediateExecutor("hi"), callback, nil)

	taskID, err := svc.Execute(context.Background(), ExecuteRequest{Goal: "g", DeviceID: "dev-1", Notify: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitForStatus(t, svc, taskID, store.TaskSuccess)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) == 0 {
		t.Fatal("expected at least one status update to be delivered")
	}
	if received[0].DeviceID != "dev-1" || received[0].Status != store.TaskSuccess {
		t.Fatalf("unexpected status update: %+v", received[0])
	}
}

func TestEmitFallsBackToPushQueueWhenCallbackFails(t *testing.T) {
	db := newTestTaskDB(t)
	callback := func(ctx context.Context, update StatusUpdate) bool { return false }
	svc := New(db, Options{StatusRetryCount: 0, StatusRetryBackoffMs: 1}, immediateExecutor("x"), callback, nil)

	taskID, err := svc.Execute(context.Background(), ExecuteRequest{Goal: "g", DeviceID: "dev-1", Notify: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitForStatus(t, svc, taskID, store.TaskSuccess)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		pending, err := db.ListAllPendingPushUpdates(context.Background(), 10, 1<<62)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		if len(pending) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected a push-queue entry after repeated callback failure")
}

func TestRecoverUnfinishedTasksResetsRunningToPending(t *testing.T) {
	db := newTestTaskDB(t)
	ctx := context.Background()

	if err := db.CreateTask(ctx, store.Task{TaskID: "t1", SessionID: "s1", Goal: "g", Status: store.TaskRunning, CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := db.CreateTask(ctx, store.Task{TaskID: "t2", SessionID: "s1", Goal: "g", Status: store.TaskPending, CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	svc := New(db, Options{}, immediateExecutor("recovered"), nil, nil)
	n, err := svc.RecoverUnfinishedTasks(ctx, 10)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 recovered tasks, got %d", n)
	}

	waitForStatus(t, svc, "t1", store.TaskSuccess)
	waitForStatus(t, svc, "t2", store.TaskSuccess)
}

func TestFlushAllPendingUpdatesDrainsQueue(t *testing.T) {
	db := newTestTaskDB(t)
	ctx := context.Background()

	if _, err := db.EnqueuePushUpdate(ctx, store.PushUpdate{
		TaskID: "t1", DeviceID: "dev-1",
		Payload: map[string]any{"status": "success", "message": "done", "event": "task_success"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var delivered []StatusUpdate
	callback := func(ctx context.Context, update StatusUpdate) bool {
		delivered = append(delivered, update)
		return true
	}
	svc := New(db, Options{}, immediateExecutor("x"), callback, nil)

	n, err := svc.FlushAllPendingUpdates(ctx, 10)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 flushed update, got %d", n)
	}
	if len(delivered) != 1 || delivered[0].DeviceID != "dev-1" {
		t.Fatalf("unexpected delivered updates: %+v", delivered)
	}

	remaining, err := db.ListAllPendingPushUpdates(ctx, 10, 1<<62)
	if err != nil {
		t.Fatalf("list remaining: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected queue to be drained, got %+v", remaining)
	}
}
