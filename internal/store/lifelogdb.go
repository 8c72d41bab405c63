package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opencane/gateway/internal/session"
)

var lifelogMigrations = []string{
	`CREATE TABLE device_sessions (
		device_id          TEXT NOT NULL,
		session_id         TEXT NOT NULL,
		state              TEXT NOT NULL,
		created_at_ms      INTEGER NOT NULL,
		last_seen_ms       INTEGER NOT NULL,
		last_seq           INTEGER NOT NULL DEFAULT -1,
		last_outbound_seq  INTEGER NOT NULL DEFAULT 0,
		closed_at_ms       INTEGER NOT NULL DEFAULT 0,
		close_reason       TEXT NOT NULL DEFAULT '',
		metadata_json      TEXT NOT NULL DEFAULT '{}',
		telemetry_json     TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (device_id, session_id)
	);
	CREATE INDEX idx_device_sessions_device ON device_sessions(device_id);

	CREATE TABLE lifelog_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		device_id   TEXT NOT NULL DEFAULT '',
		event_type  TEXT NOT NULL,
		risk_level  TEXT NOT NULL DEFAULT '',
		payload_json TEXT NOT NULL DEFAULT '{}',
		ts_ms       INTEGER NOT NULL
	);
	CREATE INDEX idx_lifelog_events_session ON lifelog_events(session_id, ts_ms);
	CREATE INDEX idx_lifelog_events_type ON lifelog_events(event_type, ts_ms);
	CREATE INDEX idx_lifelog_events_risk ON lifelog_events(risk_level, ts_ms);

	CREATE TABLE device_bindings (
		device_id     TEXT PRIMARY KEY,
		token_hash    TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'registered',
		user_id       TEXT NOT NULL DEFAULT '',
		activated_at_ms INTEGER NOT NULL DEFAULT 0,
		revoked_at_ms   INTEGER NOT NULL DEFAULT 0,
		revoke_reason   TEXT NOT NULL DEFAULT '',
		metadata_json   TEXT NOT NULL DEFAULT '{}',
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);

	CREATE TABLE device_operations (
		operation_id TEXT PRIMARY KEY,
		device_id    TEXT NOT NULL,
		session_id   TEXT NOT NULL DEFAULT '',
		op_type      TEXT NOT NULL,
		command_type TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'queued',
		payload_json TEXT NOT NULL DEFAULT '{}',
		result_json  TEXT NOT NULL DEFAULT '{}',
		error        TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		acked_at_ms  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX idx_device_operations_device ON device_operations(device_id, created_at);

	CREATE TABLE thought_traces (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id    TEXT NOT NULL,
		session_id  TEXT NOT NULL DEFAULT '',
		source      TEXT NOT NULL DEFAULT '',
		stage       TEXT NOT NULL DEFAULT '',
		payload_json TEXT NOT NULL DEFAULT '{}',
		ts_ms       INTEGER NOT NULL
	);
	CREATE INDEX idx_thought_traces_trace ON thought_traces(trace_id, ts_ms);

	CREATE TABLE telemetry_samples (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id   TEXT NOT NULL,
		session_id  TEXT NOT NULL DEFAULT '',
		payload_json TEXT NOT NULL DEFAULT '{}',
		ts_ms       INTEGER NOT NULL
	);
	CREATE INDEX idx_telemetry_samples_device ON telemetry_samples(device_id, ts_ms);
	`,
}

// LifelogDB is the single SQLite database backing C3's persistence hooks
// plus the lifelog, binding, operation, thought-trace, and telemetry
// stores (spec.md §4.8: "one SQLite database for
// lifelog/sessions/bindings/operations/thought-traces/telemetry").
type LifelogDB struct {
	*DB
}

// OpenLifelogDB opens (creating if absent) the lifelog database at path.
func OpenLifelogDB(path string) (*LifelogDB, error) {
	db, err := open(path, lifelogMigrations)
	if err != nil {
		return nil, err
	}
	return &LifelogDB{DB: db}, nil
}

// --- session.Store -----------------------------------------------------

var _ session.Store = (*LifelogDB)(nil)

func (d *LifelogDB) UpsertDeviceSession(ctx context.Context, s session.Snapshot) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	metaJSON, _ := json.Marshal(s.Metadata)
	telJSON, _ := json.Marshal(s.Telemetry)
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO device_sessions
			(device_id, session_id, state, created_at_ms, last_seen_ms, last_seq,
			 last_outbound_seq, closed_at_ms, close_reason, metadata_json, telemetry_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, session_id) DO UPDATE SET
			state=excluded.state, last_seen_ms=excluded.last_seen_ms, last_seq=excluded.last_seq,
			last_outbound_seq=excluded.last_outbound_seq, closed_at_ms=excluded.closed_at_ms,
			close_reason=excluded.close_reason, metadata_json=excluded.metadata_json,
			telemetry_json=excluded.telemetry_json`,
		s.DeviceID, s.SessionID, string(s.State), s.CreatedAtMs, s.LastSeenMs, s.LastSeq,
		s.LastOutboundSeq, s.ClosedAtMs, s.CloseReason, string(metaJSON), string(telJSON))
	return err
}

func (d *LifelogDB) CloseDeviceSession(ctx context.Context, s session.Snapshot) error {
	return d.UpsertDeviceSession(ctx, s)
}

// ListDeviceSessions returns persisted session rows, most recently seen
// first, for the control-plane lifelog "device sessions" endpoint.
func (d *LifelogDB) ListDeviceSessions(ctx context.Context, deviceID string, limit int) ([]session.Snapshot, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	query := `SELECT device_id, session_id, state, created_at_ms, last_seen_ms, last_seq,
		last_outbound_seq, closed_at_ms, close_reason, metadata_json, telemetry_json
		FROM device_sessions`
	args := []any{}
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY last_seen_ms DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Snapshot
	for rows.Next() {
		var s session.Snapshot
		var state, metaJSON, telJSON string
		if err := rows.Scan(&s.DeviceID, &s.SessionID, &state, &s.CreatedAtMs, &s.LastSeenMs,
			&s.LastSeq, &s.LastOutboundSeq, &s.ClosedAtMs, &s.CloseReason, &metaJSON, &telJSON); err != nil {
			return nil, err
		}
		s.State = session.State(state)
		_ = json.Unmarshal([]byte(metaJSON), &s.Metadata)
		_ = json.Unmarshal([]byte(telJSON), &s.Telemetry)
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- LifelogStore --------------------------------------------------------

// LifelogEvent is one row of the append-only event log.
type LifelogEvent struct {
	ID        int64
	SessionID string
	DeviceID  string
	EventType string
	RiskLevel string
	Payload   map[string]any
	TSMs      int64
}

// AddEvent appends a lifelog event. Never returns an error to callers
// that treat persistence as best-effort (the orchestrator does); the
// error is still surfaced here so tests and the control plane can react.
func (d *LifelogDB) AddEvent(ctx context.Context, e LifelogEvent) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	payloadJSON, _ := json.Marshal(e.Payload)
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO lifelog_events (session_id, device_id, event_type, risk_level, payload_json, ts_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.DeviceID, e.EventType, e.RiskLevel, string(payloadJSON), e.TSMs)
	return err
}

// TimelineFilter narrows Timeline's results; zero values are unfiltered.
type TimelineFilter struct {
	SessionID string
	EventType string
	RiskLevel string
	Limit     int
	Offset    int
}

// Timeline returns lifelog events matching filter, newest first.
func (d *LifelogDB) Timeline(ctx context.Context, filter TimelineFilter) ([]LifelogEvent, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()

	query := `SELECT id, session_id, device_id, event_type, risk_level, payload_json, ts_ms FROM lifelog_events WHERE 1=1`
	var args []any
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, filter.EventType)
	}
	if filter.RiskLevel != "" {
		query += " AND risk_level = ?"
		args = append(args, filter.RiskLevel)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY ts_ms DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LifelogEvent
	for rows.Next() {
		var e LifelogEvent
		var payloadJSON string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.DeviceID, &e.EventType, &e.RiskLevel, &payloadJSON, &e.TSMs); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payloadJSON), &e.Payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SafetyStats summarizes safety_policy lifelog events for the control
// plane's safety-stats endpoint.
func (d *LifelogDB) SafetyStats(ctx context.Context, sinceMs int64) (map[string]int, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	rows, err := d.Conn.QueryContext(ctx,
		`SELECT risk_level, COUNT(*) FROM lifelog_events WHERE event_type = 'safety_policy' AND ts_ms >= ? GROUP BY risk_level`,
		sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var risk string
		var count int
		if err := rows.Scan(&risk, &count); err != nil {
			return nil, err
		}
		out[risk] = count
	}
	return out, rows.Err()
}

// CleanupRetention deletes lifelog, thought-trace and telemetry-sample rows
// older than cutoffMs, returning the number of rows removed (cron-driven retention
// sweep, SPEC_FULL.md ambient maintenance).
func (d *LifelogDB) CleanupRetention(ctx context.Context, cutoffMs int64) (int64, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	var removed int64
	res, err := d.Conn.ExecContext(ctx, `DELETE FROM lifelog_events WHERE ts_ms < ?`, cutoffMs)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	removed += n
	res, err = d.Conn.ExecContext(ctx, `DELETE FROM thought_traces WHERE ts_ms < ?`, cutoffMs)
	if err != nil {
		return removed, err
	}
	n, _ = res.RowsAffected()
	removed += n
	res, err = d.Conn.ExecContext(ctx, `DELETE FROM telemetry_samples WHERE ts_ms < ?`, cutoffMs)
	if err != nil {
		return removed, err
	}
	n, _ = res.RowsAffected()
	removed += n
	return removed, nil
}

func rowScanErr(err error) error {
	if err == sql.ErrNoRows {
		return fmt.Errorf("not found")
	}
	return err
}
