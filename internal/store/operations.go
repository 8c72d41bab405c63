package store

import (
	"context"
	"encoding/json"

	"github.com/opencane/gateway/internal/envelope"
)

// OperationStatus is the device operation lifecycle (spec.md §3).
type OperationStatus string

const (
	OperationQueued OperationStatus = "queued"
	OperationSent   OperationStatus = "sent"
	OperationAcked  OperationStatus = "acked"
	OperationFailed OperationStatus = "failed"
)

// DeviceOperation is a tracked set_config/tool_call/ota_plan dispatch.
type DeviceOperation struct {
	OperationID string
	DeviceID    string
	SessionID   string
	OpType      string
	CommandType string
	Status      OperationStatus
	Payload     map[string]any
	Result      map[string]any
	Error       string
	CreatedAt   int64
	UpdatedAt   int64
	AckedAtMs   int64
}

// CreateOperation inserts a new operation in `queued` status.
func (d *LifelogDB) CreateOperation(ctx context.Context, op DeviceOperation) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	payloadJSON, _ := json.Marshal(op.Payload)
	resultJSON, _ := json.Marshal(op.Result)
	now := envelope.NowMS()
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO device_operations
			(operation_id, device_id, session_id, op_type, command_type, status, payload_json, result_json, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OperationID, op.DeviceID, op.SessionID, op.OpType, op.CommandType, string(OperationQueued),
		string(payloadJSON), string(resultJSON), op.Error, now, now)
	return err
}

// UpdateOperationStatus transitions an operation's status, optionally
// attaching a result/error and, for a transition to `acked`, the ack
// timestamp.
func (d *LifelogDB) UpdateOperationStatus(ctx context.Context, operationID string, status OperationStatus, result map[string]any, errMsg string) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	resultJSON, _ := json.Marshal(result)
	now := envelope.NowMS()
	ackedAt := int64(0)
	if status == OperationAcked {
		ackedAt = now
	}
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE device_operations SET status=?, result_json=?, error=?, updated_at=?,
			acked_at_ms = CASE WHEN ? > 0 THEN ? ELSE acked_at_ms END
		WHERE operation_id=?`,
		string(status), string(resultJSON), errMsg, now, ackedAt, ackedAt, operationID)
	return err
}

// GetOperation returns one operation by id, or a "not found" error if absent.
func (d *LifelogDB) GetOperation(ctx context.Context, operationID string) (*DeviceOperation, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	row := d.Conn.QueryRowContext(ctx, `
		SELECT operation_id, device_id, session_id, op_type, command_type, status, payload_json, result_json, error, created_at, updated_at, acked_at_ms
		FROM device_operations WHERE operation_id = ?`, operationID)
	return scanOperation(row)
}

// ListOperations returns operations for deviceID (or all, if empty),
// newest first.
func (d *LifelogDB) ListOperations(ctx context.Context, deviceID string, limit int) ([]DeviceOperation, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT operation_id, device_id, session_id, op_type, command_type, status, payload_json, result_json, error, created_at, updated_at, acked_at_ms
		FROM device_operations`
	args := []any{}
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeviceOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

func scanOperation(row rowScanner) (*DeviceOperation, error) {
	var op DeviceOperation
	var status, payloadJSON, resultJSON string
	if err := row.Scan(&op.OperationID, &op.DeviceID, &op.SessionID, &op.OpType, &op.CommandType, &status,
		&payloadJSON, &resultJSON, &op.Error, &op.CreatedAt, &op.UpdatedAt, &op.AckedAtMs); err != nil {
		return nil, rowScanErr(err)
	}
	op.Status = OperationStatus(status)
	_ = json.Unmarshal([]byte(payloadJSON), &op.Payload)
	_ = json.Unmarshal([]byte(resultJSON), &op.Result)
	return &op, nil
}
