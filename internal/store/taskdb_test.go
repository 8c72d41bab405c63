package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestTaskDB(t *testing.T) *TaskDB {
	t.Helper()
	db, err := OpenTaskDB(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open task db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateTaskExistsAndGet(t *testing.T) {
	db := newTestTaskDB(t)
	ctx := context.Background()

	task := Task{
		TaskID:         "task-1",
		SessionID:      "sess-1",
		Goal:           "turn on the lights",
		Status:         TaskPending,
		TimeoutSeconds: 60,
		PushContext:    &PushContext{DeviceID: "dev-1", Notify: true},
		CreatedAt:      100,
		UpdatedAt:      100,
	}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	exists, err := db.Exists(ctx, "task-1")
	if err != nil || !exists {
		t.Fatalf("expected task to exist, err=%v exists=%v", err, exists)
	}

	got, err := db.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Goal != task.Goal || got.Status != TaskPending {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.PushContext == nil || got.PushContext.DeviceID != "dev-1" {
		t.Fatalf("expected push context to round-trip, got %+v", got.PushContext)
	}
}

func TestCompareAndSwapStatus(t *testing.T) {
	db := newTestTaskDB(t)
	ctx := context.Background()

	task := Task{TaskID: "task-1", SessionID: "s1", Goal: "g", Status: TaskPending, CreatedAt: 1, UpdatedAt: 1}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	ok, err := db.CompareAndSwapStatus(ctx, "task-1", []TaskStatus{TaskPending}, TaskRunning, nil, "")
	if err != nil || !ok {
		t.Fatalf("expected swap to pending->running to succeed, err=%v ok=%v", err, ok)
	}

	ok, err = db.CompareAndSwapStatus(ctx, "task-1", []TaskStatus{TaskPending}, TaskRunning, nil, "")
	if err != nil || ok {
		t.Fatalf("expected swap from stale expected status to fail, err=%v ok=%v", err, ok)
	}

	ok, err = db.CompareAndSwapStatus(ctx, "task-1", []TaskStatus{TaskRunning}, TaskSuccess, map[string]any{"done": true}, "")
	if err != nil || !ok {
		t.Fatalf("expected swap to success, err=%v ok=%v", err, ok)
	}

	got, err := db.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != TaskSuccess {
		t.Fatalf("expected success status, got %s", got.Status)
	}
	if !got.Status.IsTerminal() {
		t.Fatal("expected success to be terminal")
	}
}

func TestAppendStepAndGetTaskIncludesSteps(t *testing.T) {
	db := newTestTaskDB(t)
	ctx := context.Background()

	task := Task{TaskID: "task-1", SessionID: "s1", Goal: "g", Status: TaskPending, CreatedAt: 1, UpdatedAt: 1}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	steps := []TaskStep{
		{TSMs: 10, Stage: "plan", Status: "ok"},
		{TSMs: 20, Stage: "execute", Status: "ok"},
	}
	for _, s := range steps {
		if err := db.AppendStep(ctx, "task-1", s); err != nil {
			t.Fatalf("append step: %v", err)
		}
	}

	got, err := db.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(got.Steps))
	}
	if got.Steps[0].Stage != "plan" || got.Steps[1].Stage != "execute" {
		t.Fatalf("expected chronological steps, got %+v", got.Steps)
	}
}

func TestListTasksFilterByStatus(t *testing.T) {
	db := newTestTaskDB(t)
	ctx := context.Background()

	tasks := []Task{
		{TaskID: "t1", SessionID: "s1", Goal: "g1", Status: TaskPending, CreatedAt: 1, UpdatedAt: 1},
		{TaskID: "t2", SessionID: "s1", Goal: "g2", Status: TaskRunning, CreatedAt: 2, UpdatedAt: 2},
		{TaskID: "t3", SessionID: "s1", Goal: "g3", Status: TaskSuccess, CreatedAt: 3, UpdatedAt: 3},
	}
	for _, task := range tasks {
		if err := db.CreateTask(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.TaskID, err)
		}
	}

	all, err := db.ListTasks(ctx, "", 10)
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d err=%v", len(all), err)
	}

	pending, err := db.ListTasks(ctx, TaskPending, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected 1 pending task, got %d err=%v", len(pending), err)
	}

	unfinished, err := db.ListUnfinished(ctx, 10)
	if err != nil {
		t.Fatalf("list unfinished: %v", err)
	}
	if len(unfinished) != 2 {
		t.Fatalf("expected 2 unfinished tasks, got %d", len(unfinished))
	}
}

func TestForceStatus(t *testing.T) {
	db := newTestTaskDB(t)
	ctx := context.Background()

	task := Task{TaskID: "t1", SessionID: "s1", Goal: "g", Status: TaskRunning, CreatedAt: 1, UpdatedAt: 1}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := db.ForceStatus(ctx, "t1", TaskPending, "restarted"); err != nil {
		t.Fatalf("force status: %v", err)
	}
	got, err := db.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != TaskPending || got.Error != "restarted" {
		t.Fatalf("expected forced pending status, got %+v", got)
	}
}
