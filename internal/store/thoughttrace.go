package store

import (
	"context"
	"encoding/json"
)

// ThoughtTraceEntry is one audited step of a pipeline run, keyed by
// trace_id (spec.md's "Thought trace" glossary entry).
type ThoughtTraceEntry struct {
	TraceID   string
	SessionID string
	Source    string
	Stage     string
	Payload   map[string]any
	TSMs      int64
}

// AddThoughtTrace appends one trace entry.
func (d *LifelogDB) AddThoughtTrace(ctx context.Context, e ThoughtTraceEntry) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	payloadJSON, _ := json.Marshal(e.Payload)
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO thought_traces (trace_id, session_id, source, stage, payload_json, ts_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		e.TraceID, e.SessionID, e.Source, e.Stage, string(payloadJSON), e.TSMs)
	return err
}

// ThoughtTrace returns every entry for traceID, in chronological order —
// the "replay" view of a single pipeline run.
func (d *LifelogDB) ThoughtTrace(ctx context.Context, traceID string) ([]ThoughtTraceEntry, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	rows, err := d.Conn.QueryContext(ctx,
		`SELECT trace_id, session_id, source, stage, payload_json, ts_ms FROM thought_traces WHERE trace_id = ? ORDER BY ts_ms ASC`,
		traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ThoughtTraceEntry
	for rows.Next() {
		var e ThoughtTraceEntry
		var payloadJSON string
		if err := rows.Scan(&e.TraceID, &e.SessionID, &e.Source, &e.Stage, &payloadJSON, &e.TSMs); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payloadJSON), &e.Payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// QueryThoughtTraces returns recent trace entries for sessionID, newest
// first, bounded by limit.
func (d *LifelogDB) QueryThoughtTraces(ctx context.Context, sessionID string, limit int) ([]ThoughtTraceEntry, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.Conn.QueryContext(ctx,
		`SELECT trace_id, session_id, source, stage, payload_json, ts_ms FROM thought_traces WHERE session_id = ? ORDER BY ts_ms DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ThoughtTraceEntry
	for rows.Next() {
		var e ThoughtTraceEntry
		var payloadJSON string
		if err := rows.Scan(&e.TraceID, &e.SessionID, &e.Source, &e.Stage, &payloadJSON, &e.TSMs); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payloadJSON), &e.Payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// TelemetrySample is one raw telemetry reading persisted when telemetry
// normalization is enabled (spec.md §4.5 `telemetry` handling).
type TelemetrySample struct {
	DeviceID  string
	SessionID string
	Payload   map[string]any
	TSMs      int64
}

func (d *LifelogDB) AddTelemetrySample(ctx context.Context, s TelemetrySample) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	payloadJSON, _ := json.Marshal(s.Payload)
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO telemetry_samples (device_id, session_id, payload_json, ts_ms) VALUES (?, ?, ?, ?)`,
		s.DeviceID, s.SessionID, string(payloadJSON), s.TSMs)
	return err
}

func (d *LifelogDB) ListTelemetrySamples(ctx context.Context, deviceID string, limit int) ([]TelemetrySample, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.Conn.QueryContext(ctx,
		`SELECT device_id, session_id, payload_json, ts_ms FROM telemetry_samples WHERE device_id = ? ORDER BY ts_ms DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TelemetrySample
	for rows.Next() {
		var s TelemetrySample
		var payloadJSON string
		if err := rows.Scan(&s.DeviceID, &s.SessionID, &payloadJSON, &s.TSMs); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payloadJSON), &s.Payload)
		out = append(out, s)
	}
	return out, rows.Err()
}
