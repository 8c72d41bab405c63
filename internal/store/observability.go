package store

import (
	"context"
	"encoding/json"
)

var observabilityMigrations = []string{
	`CREATE TABLE observability_samples (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ts_ms       INTEGER NOT NULL,
		healthy     INTEGER NOT NULL,
		metrics_json TEXT NOT NULL DEFAULT '{}',
		thresholds_json TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX idx_observability_samples_ts ON observability_samples(ts_ms);
	`,
}

// ObservabilityDB is the dedicated SQLite database for observability
// samples (spec.md §4.8: "one for observability samples").
type ObservabilityDB struct {
	*DB
	maxRows int
}

// OpenObservabilityDB opens the observability database, retaining at most
// maxRows samples (oldest trimmed FIFO on insert).
func OpenObservabilityDB(path string, maxRows int) (*ObservabilityDB, error) {
	db, err := open(path, observabilityMigrations)
	if err != nil {
		return nil, err
	}
	if maxRows <= 0 {
		maxRows = 10000
	}
	return &ObservabilityDB{DB: db, maxRows: maxRows}, nil
}

// ObservabilitySample is one healthy/metrics/thresholds snapshot.
type ObservabilitySample struct {
	ID         int64
	TSMs       int64
	Healthy    bool
	Metrics    map[string]any
	Thresholds map[string]any
}

// AddSample inserts a sample and trims the table back to maxRows, oldest
// first, keeping retention bounded by row count (spec.md §3).
func (d *ObservabilityDB) AddSample(ctx context.Context, s ObservabilitySample) error {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	metricsJSON, _ := json.Marshal(s.Metrics)
	thresholdsJSON, _ := json.Marshal(s.Thresholds)
	healthy := 0
	if s.Healthy {
		healthy = 1
	}
	if _, err := d.Conn.ExecContext(ctx,
		`INSERT INTO observability_samples (ts_ms, healthy, metrics_json, thresholds_json) VALUES (?, ?, ?, ?)`,
		s.TSMs, healthy, string(metricsJSON), string(thresholdsJSON)); err != nil {
		return err
	}
	_, err := d.Conn.ExecContext(ctx, `
		DELETE FROM observability_samples WHERE id IN (
			SELECT id FROM observability_samples ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, d.maxRows)
	return err
}

// ListSamples returns samples within [sinceMs, untilMs] (untilMs<=0 means
// "now"), ascending by time, bounded by limit.
func (d *ObservabilityDB) ListSamples(ctx context.Context, sinceMs, untilMs int64, limit int) ([]ObservabilitySample, error) {
	d.Mu.Lock()
	defer d.Mu.Unlock()
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT id, ts_ms, healthy, metrics_json, thresholds_json FROM observability_samples WHERE ts_ms >= ?`
	args := []any{sinceMs}
	if untilMs > 0 {
		query += " AND ts_ms <= ?"
		args = append(args, untilMs)
	}
	query += " ORDER BY ts_ms ASC LIMIT ?"
	args = append(args, limit)

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ObservabilitySample
	for rows.Next() {
		var s ObservabilitySample
		var healthy int
		var metricsJSON, thresholdsJSON string
		if err := rows.Scan(&s.ID, &s.TSMs, &healthy, &metricsJSON, &thresholdsJSON); err != nil {
			return nil, err
		}
		s.Healthy = healthy != 0
		_ = json.Unmarshal([]byte(metricsJSON), &s.Metrics)
		_ = json.Unmarshal([]byte(thresholdsJSON), &s.Thresholds)
		out = append(out, s)
	}
	return out, rows.Err()
}
