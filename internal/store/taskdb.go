package store

import (
	"context"
	"encoding/json"

	"github.com/opencane/gateway/internal/envelope"
)

var taskMigrations = []string{
	`CREATE TABLE digital_tasks (
		task_id        TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL,
		goal           TEXT NOT NULL,
		status         TEXT NOT NULL,
		result_json    TEXT NOT NULL DEFAULT '{}',
		error          TEXT NOT NULL DEFAULT '',
		timeout_seconds INTEGER NOT NULL DEFAULT 0,
		push_context_json TEXT NOT NULL DEFAULT '{}',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	);
	CREATE INDEX idx_digital_tasks_status ON digital_tasks(status);

	CREATE TABLE task_steps (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id   TEXT NOT NULL,
		ts_ms     INTEGER NOT NULL,
		stage     TEXT NOT NULL,
		status    TEXT NOT NULL,
		message   TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_task_steps_task ON task_steps(task_id, ts_ms);

	CREATE TABLE push_queue (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id        TEXT NOT NULL,
		device_id      TEXT NOT NULL,
		session_id     TEXT NOT NULL DEFAULT '',
		payload_json   TEXT NOT NULL DEFAULT '{}',
		status         TEXT NOT NULL DEFAULT 'pending',
		attempts       INTEGER NOT NULL DEFAULT 0,
		next_retry_at_ms INTEGER NOT NULL DEFAULT 0,
		last_error     TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	);
	CREATE INDEX idx_push_queue_device ON push_queue(device_id, status, next_retry_at_ms);
	`,
}

// TaskDB is the dedicated SQLite database backing the digital-task service
// (C6) and its durable push queue (C7) — spec.md §4.8: "one for digital
// tasks + push queue".
type TaskDB struct {
	*DB
}

// OpenTaskDB opens the digital-task database.
func OpenTaskDB(path string) (*TaskDB, error) {
	db, err := open(path, taskMigrations)
	if err != nil {
		return nil, err
	}
	return &TaskDB{DB: db}, nil
}

// TaskStatus is the digital task lifecycle (spec.md §3).
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskSuccess  TaskStatus = "success"
	TaskFailed   TaskStatus = "failed"
	TaskTimeout  TaskStatus = "timeout"
	TaskCanceled TaskStatus = "canceled"
)

// IsTerminal reports whether status can no longer transition.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskTimeout, TaskCanceled:
		return true
	}
	return false
}

// PushContext is the optional device-push routing attached to a task.
type PushContext struct {
	DeviceID          string `json:"device_id"`
	SessionID         string `json:"session_id"`
	Notify            bool   `json:"notify"`
	Speak             bool   `json:"speak"`
	InterruptPrevious bool   `json:"interrupt_previous"`
}

// TaskStep is one append-only lifecycle entry.
type TaskStep struct {
	TSMs    int64
	Stage   string
	Status  string
	Message string
}

// Task is the persisted digital task row plus its step history.
type Task struct {
	TaskID          string
	SessionID       string
	Goal            string
	Status          TaskStatus
	Result          map[string]any
	Error           string
	TimeoutSeconds  int
	PushContext     *PushContext
	CreatedAt       int64
	UpdatedAt       int64
	Steps           []TaskStep
}

// CreateTask inserts a new task row in `pending` status.
func (d *TaskDB) CreateTask(ctx context.Context, t Task) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	resultJSON, _ := json.Marshal(t.Result)
	pushJSON, _ := json.Marshal(t.PushContext)
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO digital_tasks (task_id, session_id, goal, status, result_json, error, timeout_seconds, push_context_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.SessionID, t.Goal, string(t.Status), string(resultJSON), t.Error, t.TimeoutSeconds,
		string(pushJSON), t.CreatedAt, t.UpdatedAt)
	return err
}

// Exists reports whether a task with this id is already persisted, used
// by Execute's conflict check.
func (d *TaskDB) Exists(ctx context.Context, taskID string) (bool, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	var n int
	err := d.Conn.QueryRowContext(ctx, `SELECT COUNT(1) FROM digital_tasks WHERE task_id = ?`, taskID).Scan(&n)
	return n > 0, err
}

// CompareAndSwapStatus transitions a task's status only if its current
// status is one of expected, mirroring the executor's CAS-guarded
// lifecycle (spec.md §3 invariant). Returns whether the swap happened.
func (d *TaskDB) CompareAndSwapStatus(ctx context.Context, taskID string, expected []TaskStatus, next TaskStatus, result map[string]any, errMsg string) (bool, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()

	row := d.Conn.QueryRowContext(ctx, `SELECT status FROM digital_tasks WHERE task_id = ?`, taskID)
	var current string
	if err := row.Scan(&current); err != nil {
		return false, err
	}
	if !statusIn(TaskStatus(current), expected) {
		return false, nil
	}
	resultJSON, _ := json.Marshal(result)
	_, err := d.Conn.ExecContext(ctx,
		`UPDATE digital_tasks SET status=?, result_json=?, error=?, updated_at=? WHERE task_id=? AND status=?`,
		string(next), string(resultJSON), errMsg, envelope.NowMS(), taskID, current)
	if err != nil {
		return false, err
	}
	return true, nil
}

func statusIn(s TaskStatus, list []TaskStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// AppendStep records one lifecycle step.
func (d *TaskDB) AppendStep(ctx context.Context, taskID string, step TaskStep) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO task_steps (task_id, ts_ms, stage, status, message) VALUES (?, ?, ?, ?, ?)`,
		taskID, step.TSMs, step.Stage, step.Status, step.Message)
	return err
}

// GetTask loads a task and its steps.
func (d *TaskDB) GetTask(ctx context.Context, taskID string) (*Task, error) {
	d.Mu.Lock()
	row := d.Conn.QueryRowContext(ctx, `
		SELECT task_id, session_id, goal, status, result_json, error, timeout_seconds, push_context_json, created_at, updated_at
		FROM digital_tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	d.Mu.Unlock()
	if err != nil {
		return nil, err
	}
	steps, err := d.listSteps(ctx, taskID)
	if err != nil {
		return nil, err
	}
	t.Steps = steps
	return t, nil
}

func (d *TaskDB) listSteps(ctx context.Context, taskID string) ([]TaskStep, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	rows, err := d.Conn.QueryContext(ctx,
		`SELECT ts_ms, stage, status, message FROM task_steps WHERE task_id = ? ORDER BY ts_ms ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskStep
	for rows.Next() {
		var s TaskStep
		if err := rows.Scan(&s.TSMs, &s.Stage, &s.Status, &s.Message); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListTasks returns tasks, optionally filtered by status, newest first.
func (d *TaskDB) ListTasks(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT task_id, session_id, goal, status, result_json, error, timeout_seconds, push_context_json, created_at, updated_at FROM digital_tasks`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListUnfinished returns every pending|running task, for
// recover_unfinished_tasks on startup.
func (d *TaskDB) ListUnfinished(ctx context.Context, limit int) ([]Task, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	if limit <= 0 {
		limit = 1000
	}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT task_id, session_id, goal, status, result_json, error, timeout_seconds, push_context_json, created_at, updated_at
		FROM digital_tasks WHERE status IN ('pending','running') ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ForceStatus unconditionally sets a task's status, used by crash
// recovery to move `running` rows back to `pending` before re-dispatch
// (state is lost across a restart, per spec.md §4.6).
func (d *TaskDB) ForceStatus(ctx context.Context, taskID string, status TaskStatus, errMsg string) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	_, err := d.Conn.ExecContext(ctx,
		`UPDATE digital_tasks SET status=?, error=?, updated_at=? WHERE task_id=?`,
		string(status), errMsg, envelope.NowMS(), taskID)
	return err
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var status, resultJSON, pushJSON string
	if err := row.Scan(&t.TaskID, &t.SessionID, &t.Goal, &status, &resultJSON, &t.Error, &t.TimeoutSeconds,
		&pushJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, rowScanErr(err)
	}
	t.Status = TaskStatus(status)
	_ = json.Unmarshal([]byte(resultJSON), &t.Result)
	if pushJSON != "" && pushJSON != "null" && pushJSON != "{}" {
		var pc PushContext
		if err := json.Unmarshal([]byte(pushJSON), &pc); err == nil && pc.DeviceID != "" {
			t.PushContext = &pc
		}
	}
	return &t, nil
}
