package store

import (
	"context"
	"encoding/json"

	"github.com/opencane/gateway/internal/envelope"
)

// PushStatus is a push-queue entry's delivery state (spec.md §3).
type PushStatus string

const (
	PushPending PushStatus = "pending"
	PushSent    PushStatus = "sent"
)

// PushUpdate is a durable per-device outbound status-push entry (C7).
type PushUpdate struct {
	ID            int64
	TaskID        string
	DeviceID      string
	SessionID     string
	Payload       map[string]any
	Status        PushStatus
	Attempts      int
	NextRetryAtMs int64
	LastError     string
	CreatedAt     int64
	UpdatedAt     int64
}

// EnqueuePushUpdate inserts a pending row, eligible for delivery
// immediately (next_retry_at = now).
func (d *TaskDB) EnqueuePushUpdate(ctx context.Context, u PushUpdate) (int64, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	payloadJSON, _ := json.Marshal(u.Payload)
	now := envelope.NowMS()
	res, err := d.Conn.ExecContext(ctx, `
		INSERT INTO push_queue (task_id, device_id, session_id, payload_json, status, attempts, next_retry_at_ms, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, '', ?, ?)`,
		u.TaskID, u.DeviceID, u.SessionID, string(payloadJSON), string(PushPending), now, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListPendingPushUpdates returns pending rows for deviceID whose
// next_retry_at_ms <= now, oldest first, bounded by limit.
func (d *TaskDB) ListPendingPushUpdates(ctx context.Context, deviceID string, limit int, now int64) ([]PushUpdate, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, task_id, device_id, session_id, payload_json, status, attempts, next_retry_at_ms, last_error, created_at, updated_at
		FROM push_queue WHERE device_id = ? AND status = ? AND next_retry_at_ms <= ?
		ORDER BY id ASC LIMIT ?`,
		deviceID, string(PushPending), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PushUpdate
	for rows.Next() {
		u, err := scanPushUpdate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// ListAllPendingPushUpdates is ListPendingPushUpdates without the
// device_id filter, for the cron-driven sweep across every device.
func (d *TaskDB) ListAllPendingPushUpdates(ctx context.Context, limit int, now int64) ([]PushUpdate, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, task_id, device_id, session_id, payload_json, status, attempts, next_retry_at_ms, last_error, created_at, updated_at
		FROM push_queue WHERE status = ? AND next_retry_at_ms <= ?
		ORDER BY id ASC LIMIT ?`,
		string(PushPending), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PushUpdate
	for rows.Next() {
		u, err := scanPushUpdate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// MarkPushUpdateSent transitions a row to `sent`.
func (d *TaskDB) MarkPushUpdateSent(ctx context.Context, id int64) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	_, err := d.Conn.ExecContext(ctx,
		`UPDATE push_queue SET status=?, updated_at=? WHERE id=?`,
		string(PushSent), envelope.NowMS(), id)
	return err
}

// MarkPushUpdateRetry bumps attempts, records the error, and schedules
// the next attempt at now+delayMs. The row stays `pending`.
func (d *TaskDB) MarkPushUpdateRetry(ctx context.Context, id int64, lastError string, delayMs int64) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	now := envelope.NowMS()
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE push_queue SET attempts = attempts + 1, last_error = ?, next_retry_at_ms = ?, updated_at = ?
		WHERE id = ?`,
		lastError, now+delayMs, now, id)
	return err
}

func scanPushUpdate(row rowScanner) (*PushUpdate, error) {
	var u PushUpdate
	var status, payloadJSON string
	if err := row.Scan(&u.ID, &u.TaskID, &u.DeviceID, &u.SessionID, &payloadJSON, &status,
		&u.Attempts, &u.NextRetryAtMs, &u.LastError, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, rowScanErr(err)
	}
	u.Status = PushStatus(status)
	_ = json.Unmarshal([]byte(payloadJSON), &u.Payload)
	return &u, nil
}
