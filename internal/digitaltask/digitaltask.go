// Package digitaltask implements the concurrency-limited asynchronous
// task executor (C6): per-task timeout, SQLite-backed lifecycle with
// CAS-guarded status transitions, crash recovery, and a durable push
// queue with retrying status callbacks.
package digitaltask

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/opencane/gateway/internal/agent"
	"github.com/opencane/gateway/internal/envelope"
	"github.com/opencane/gateway/internal/logging"
	"github.com/opencane/gateway/internal/store"
)

// Errors the HTTP control plane maps to specific status codes.
var (
	ErrConflict      = errors.New("conflict")
	ErrBadRequest    = errors.New("goal is required")
	ErrNotFound      = errors.New("task not found")
	ErrAlreadyFinal  = errors.New("task already in a terminal state")
)

// StatusCallback pushes one task status update toward its device (and/or
// speaks it), returning whether the push succeeded. A false/error return
// is treated as a push failure (spec.md §4.6).
type StatusCallback func(ctx context.Context, update StatusUpdate) bool

// StatusUpdate is what a status callback receives: the push routing, the
// new status, a human-readable message, and the full task snapshot.
type StatusUpdate struct {
	TaskID    string
	DeviceID  string
	SessionID string
	Notify    bool
	Speak     bool
	Status    store.TaskStatus
	Message   string
	Event     string
	Task      store.Task
}

// ExecuteRequest is the input to Execute.
type ExecuteRequest struct {
	TaskID         string
	SessionID      string
	Goal           string
	TimeoutSeconds int
	DeviceID       string
	Notify         bool
	Speak          bool
	InterruptPrevious bool
	Source         string
	TraceID        string
}

// Options configures the Service.
type Options struct {
	DefaultTimeoutSeconds int
	MaxConcurrentTasks    int
	StatusRetryCount      int
	StatusRetryBackoffMs  int
}

// Service is the digital-task executor.
type Service struct {
	db       *store.TaskDB
	opts     Options
	executor agent.Executor
	callback StatusCallback
	log      *logging.Logger
	sem      *semaphore.Weighted

	mu              sync.Mutex
	cancelFuncs     map[string]context.CancelFunc
	runningByDevice map[string]string
	cancelReasons   map[string]string
}

// New builds a digital-task service. executor and callback are the only
// outside dependencies (spec.md §4.6).
func New(db *store.TaskDB, opts Options, executor agent.Executor, callback StatusCallback, log *logging.Logger) *Service {
	if log == nil {
		log = logging.New(false)
	}
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = 4
	}
	if opts.DefaultTimeoutSeconds <= 0 {
		opts.DefaultTimeoutSeconds = 120
	}
	return &Service{
		db:              db,
		opts:            opts,
		executor:        executor,
		callback:        callback,
		log:             log.Named("digitaltask"),
		sem:             semaphore.NewWeighted(int64(opts.MaxConcurrentTasks)),
		cancelFuncs:     make(map[string]context.CancelFunc),
		runningByDevice: make(map[string]string),
		cancelReasons:   make(map[string]string),
	}
}

// Execute validates and persists a new task, then spawns its executor in
// the background. Returns the task_id.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	if req.Goal == "" {
		return "", ErrBadRequest
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if exists, err := s.db.Exists(ctx, taskID); err != nil {
		return "", err
	} else if exists {
		return "", ErrConflict
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "digital-" + taskID
	}

	var pushCtx *store.PushContext
	if req.DeviceID != "" {
		pushCtx = &store.PushContext{
			DeviceID:          req.DeviceID,
			SessionID:         sessionID,
			Notify:            req.Notify,
			Speak:             req.Speak,
			InterruptPrevious: req.InterruptPrevious,
		}
		if req.InterruptPrevious {
			s.cancelRunningForDevice(ctx, req.DeviceID, "interrupted_by_new_task")
		}
	}

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeoutSeconds
	}

	now := envelope.NowMS()
	task := store.Task{
		TaskID:         taskID,
		SessionID:      sessionID,
		Goal:           req.Goal,
		Status:         store.TaskPending,
		TimeoutSeconds: timeout,
		PushContext:    pushCtx,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.CreateTask(ctx, task); err != nil {
		return "", err
	}

	go s.runTask(context.Background(), taskID)
	return taskID, nil
}

func (s *Service) cancelRunningForDevice(ctx context.Context, deviceID, reason string) {
	s.mu.Lock()
	taskID, ok := s.runningByDevice[deviceID]
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = s.Cancel(ctx, taskID, reason)
}

// runTask is the per-task goroutine: acquire the concurrency slot, CAS
// pending->running, run the executor under a timeout, and CAS to the
// terminal status the outcome implies.
func (s *Service) runTask(parent context.Context, taskID string) {
	if err := s.sem.Acquire(parent, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	swapped, err := s.db.CompareAndSwapStatus(parent, taskID, []store.TaskStatus{store.TaskPending}, store.TaskRunning, nil, "")
	if err != nil || !swapped {
		return
	}
	task, err := s.db.GetTask(parent, taskID)
	if err != nil {
		return
	}

	s.appendStep(parent, taskID, "running", "running", "")
	s.registerRunning(task)

	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(parent, timeout)
	s.mu.Lock()
	s.cancelFuncs[taskID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.unregisterRunning(taskID, task)
	}()

	result, runErr := s.executor(runCtx, task.Goal, task.SessionID)
	s.finish(parent, taskID, task, result, runErr, runCtx.Err())
}

func (s *Service) registerRunning(task *store.Task) {
	if task.PushContext == nil || task.PushContext.DeviceID == "" {
		return
	}
	s.mu.Lock()
	s.runningByDevice[task.PushContext.DeviceID] = task.TaskID
	s.mu.Unlock()
}

func (s *Service) unregisterRunning(taskID string, task *store.Task) {
	s.mu.Lock()
	delete(s.cancelFuncs, taskID)
	delete(s.cancelReasons, taskID)
	if task.PushContext != nil {
		if current, ok := s.runningByDevice[task.PushContext.DeviceID]; ok && current == taskID {
			delete(s.runningByDevice, task.PushContext.DeviceID)
		}
	}
	s.mu.Unlock()
}

func (s *Service) finish(ctx context.Context, taskID string, task *store.Task, result agent.Result, runErr, ctxErr error) {
	switch {
	case runErr == nil && ctxErr == nil:
		payload := map[string]any{"text": result.Text, "execution_path": result.ExecutionPath, "allowed_tools": result.AllowedTools}
		if swapped, _ := s.db.CompareAndSwapStatus(ctx, taskID, []store.TaskStatus{store.TaskRunning}, store.TaskSuccess, payload, ""); swapped {
			s.appendStep(ctx, taskID, "success", "success", "")
			s.emit(ctx, taskID, store.TaskSuccess, "", "task_success")
		}
	case errors.Is(ctxErr, context.DeadlineExceeded):
		msg := fmt.Sprintf("timeout after %ds", task.TimeoutSeconds)
		if swapped, _ := s.db.CompareAndSwapStatus(ctx, taskID, []store.TaskStatus{store.TaskRunning}, store.TaskTimeout, nil, msg); swapped {
			s.appendStep(ctx, taskID, "timeout", "timeout", msg)
			s.emit(ctx, taskID, store.TaskTimeout, msg, "task_timeout")
		}
	case errors.Is(ctxErr, context.Canceled):
		s.mu.Lock()
		reason := s.cancelReasons[taskID]
		s.mu.Unlock()
		if reason == "" {
			reason = "canceled"
		}
		if swapped, _ := s.db.CompareAndSwapStatus(ctx, taskID, []store.TaskStatus{store.TaskPending, store.TaskRunning}, store.TaskCanceled, nil, reason); swapped {
			s.appendStep(ctx, taskID, "canceled", "canceled", reason)
			s.emit(ctx, taskID, store.TaskCanceled, reason, "task_canceled")
		}
	default:
		msg := ""
		if runErr != nil {
			msg = runErr.Error()
		}
		if swapped, _ := s.db.CompareAndSwapStatus(ctx, taskID, []store.TaskStatus{store.TaskRunning}, store.TaskFailed, nil, msg); swapped {
			s.appendStep(ctx, taskID, "failed", "failed", msg)
			s.emit(ctx, taskID, store.TaskFailed, msg, "task_failed")
		}
	}
}

func (s *Service) appendStep(ctx context.Context, taskID, stage, status, message string) {
	_ = s.db.AppendStep(ctx, taskID, store.TaskStep{TSMs: envelope.NowMS(), Stage: stage, Status: status, Message: message})
}

// Cancel CASes {pending,running}->canceled and cancels the running
// executor goroutine, if any.
func (s *Service) Cancel(ctx context.Context, taskID, reason string) error {
	s.mu.Lock()
	s.cancelReasons[taskID] = reason
	cancel, running := s.cancelFuncs[taskID]
	s.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	swapped, err := s.db.CompareAndSwapStatus(ctx, taskID, []store.TaskStatus{store.TaskPending, store.TaskRunning}, store.TaskCanceled, nil, reason)
	if err != nil {
		return err
	}
	if !swapped {
		return ErrAlreadyFinal
	}
	s.appendStep(ctx, taskID, "canceled", "canceled", reason)
	s.emit(ctx, taskID, store.TaskCanceled, reason, "task_canceled")
	return nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, taskID string) (*store.Task, error) {
	t, err := s.db.GetTask(ctx, taskID)
	if err != nil {
		return nil, ErrNotFound
	}
	return t, nil
}

// List returns tasks, optionally filtered by status.
func (s *Service) List(ctx context.Context, status store.TaskStatus, limit int) ([]store.Task, error) {
	return s.db.ListTasks(ctx, status, limit)
}

// Stats summarizes task counts by status, for the control plane and the
// observability sampler.
func (s *Service) Stats(ctx context.Context) (map[string]int, error) {
	tasks, err := s.db.ListTasks(ctx, "", 100000)
	if err != nil {
		return nil, err
	}
	out := map[string]int{}
	for _, t := range tasks {
		out[string(t.Status)]++
	}
	return out, nil
}

// emit builds the status update payload and runs the
// notify/retry/enqueue sequence described in spec.md §4.6.
func (s *Service) emit(ctx context.Context, taskID string, status store.TaskStatus, message, event string) {
	task, err := s.db.GetTask(ctx, taskID)
	if err != nil || task.PushContext == nil {
		return
	}
	pc := task.PushContext
	if !pc.Notify && !pc.Speak {
		return
	}

	update := StatusUpdate{
		TaskID:    taskID,
		DeviceID:  pc.DeviceID,
		SessionID: pc.SessionID,
		Notify:    pc.Notify,
		Speak:     pc.Speak,
		Status:    status,
		Message:   message,
		Event:     event,
		Task:      *task,
	}

	if s.callback == nil {
		if pc.Notify {
			s.enqueuePush(ctx, taskID, pc, update)
		}
		return
	}

	if !pc.Notify {
		// Speak-only: best-effort, no durable retry.
		s.callback(ctx, update)
		return
	}

	attempts := s.opts.StatusRetryCount + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if s.callback(ctx, update) {
			return
		}
		if attempt < attempts {
			time.Sleep(time.Duration(s.opts.StatusRetryBackoffMs*attempt) * time.Millisecond)
		}
	}
	s.enqueuePush(ctx, taskID, pc, update)
}

func (s *Service) enqueuePush(ctx context.Context, taskID string, pc *store.PushContext, update StatusUpdate) {
	payload := map[string]any{
		"task_id": taskID,
		"status":  string(update.Status),
		"message": update.Message,
		"event":   update.Event,
	}
	if _, err := s.db.EnqueuePushUpdate(ctx, store.PushUpdate{
		TaskID:    taskID,
		DeviceID:  pc.DeviceID,
		SessionID: pc.SessionID,
		Payload:   payload,
	}); err != nil {
		s.log.Errorf("enqueue push update for task %s: %v", taskID, err)
	}
}

// RecoverUnfinishedTasks loads every pending|running task, forces running
// rows back to pending (state is lost across a restart), and re-spawns
// their executors. Returns the count recovered.
func (s *Service) RecoverUnfinishedTasks(ctx context.Context, limit int) (int, error) {
	tasks, err := s.db.ListUnfinished(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		if t.Status == store.TaskRunning {
			if err := s.db.ForceStatus(ctx, t.TaskID, store.TaskPending, "recovered_after_restart"); err != nil {
				s.log.Errorf("recover task %s: %v", t.TaskID, err)
				continue
			}
			s.appendStep(ctx, t.TaskID, "recovered", "pending", "recovered_after_restart")
		}
		go s.runTask(context.Background(), t.TaskID)
	}
	return len(tasks), nil
}

// FlushPendingUpdates pushes every due pending push-queue entry for a
// device through the status callback, marking sent on success and
// rescheduling with backoff on failure.
func (s *Service) FlushPendingUpdates(ctx context.Context, deviceID, sessionID string, limit int) error {
	if s.callback == nil {
		return nil
	}
	entries, err := s.db.ListPendingPushUpdates(ctx, deviceID, limit, envelope.NowMS())
	if err != nil {
		return err
	}
	for _, e := range entries {
		update := StatusUpdate{
			TaskID:    e.TaskID,
			DeviceID:  e.DeviceID,
			SessionID: sessionID,
			Notify:    true,
			Status:    store.TaskStatus(fmt.Sprintf("%v", e.Payload["status"])),
			Message:   fmt.Sprintf("%v", e.Payload["message"]),
			Event:     fmt.Sprintf("%v", e.Payload["event"]),
		}
		if s.callback(ctx, update) {
			if err := s.db.MarkPushUpdateSent(ctx, e.ID); err != nil {
				s.log.Errorf("mark push update %d sent: %v", e.ID, err)
			}
			continue
		}
		delay := int64(s.opts.StatusRetryBackoffMs) * int64(e.Attempts+1)
		if err := s.db.MarkPushUpdateRetry(ctx, e.ID, "callback returned false", delay); err != nil {
			s.log.Errorf("mark push update %d retry: %v", e.ID, err)
		}
	}
	return nil
}

// FlushAllPendingUpdates is FlushPendingUpdates without a device filter,
// for the cron-driven periodic push-queue sweep (SPEC_FULL.md ambient
// maintenance) rather than the per-device flush triggered on `hello`.
func (s *Service) FlushAllPendingUpdates(ctx context.Context, limit int) (int, error) {
	if s.callback == nil {
		return 0, nil
	}
	entries, err := s.db.ListAllPendingPushUpdates(ctx, limit, envelope.NowMS())
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		update := StatusUpdate{
			TaskID:    e.TaskID,
			DeviceID:  e.DeviceID,
			SessionID: e.SessionID,
			Notify:    true,
			Status:    store.TaskStatus(fmt.Sprintf("%v", e.Payload["status"])),
			Message:   fmt.Sprintf("%v", e.Payload["message"]),
			Event:     fmt.Sprintf("%v", e.Payload["event"]),
		}
		if s.callback(ctx, update) {
			if err := s.db.MarkPushUpdateSent(ctx, e.ID); err != nil {
				s.log.Errorf("mark push update %d sent: %v", e.ID, err)
			}
			continue
		}
		delay := int64(s.opts.StatusRetryBackoffMs) * int64(e.Attempts+1)
		if err := s.db.MarkPushUpdateRetry(ctx, e.ID, "callback returned false", delay); err != nil {
			s.log.Errorf("mark push update %d retry: %v", e.ID, err)
		}
	}
	return len(entries), nil
}
