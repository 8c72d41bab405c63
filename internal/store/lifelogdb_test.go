package store

import (
	"context"
	"testing"

	"github.com/opencane/gateway/internal/session"
)

func TestAddEventAndTimelineFilters(t *testing.T) {
	db := newTestLifelogDB(t)
	ctx := context.Background()

	events := []LifelogEvent{
		{SessionID: "s1", DeviceID: "dev-1", EventType: "safety_policy", RiskLevel: "P0", TSMs: 100},
		{SessionID: "s1", DeviceID: "dev-1", EventType: "safety_policy", RiskLevel: "P2", TSMs: 200},
		{SessionID: "s2", DeviceID: "dev-2", EventType: "tts_stop", RiskLevel: "P3", TSMs: 300},
	}
	for _, e := range events {
		if err := db.AddEvent(ctx, e); err != nil {
			t.Fatalf("add event: %v", err)
		}
	}

	all, err := db.Timeline(ctx, TimelineFilter{})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].TSMs != 300 {
		t.Fatalf("expected newest first, got ts %d", all[0].TSMs)
	}

	bySession, err := db.Timeline(ctx, TimelineFilter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("timeline by session: %v", err)
	}
	if len(bySession) != 2 {
		t.Fatalf("expected 2 events for s1, got %d", len(bySession))
	}

	byRisk, err := db.Timeline(ctx, TimelineFilter{RiskLevel: "P0"})
	if err != nil {
		t.Fatalf("timeline by risk: %v", err)
	}
	if len(byRisk) != 1 {
		t.Fatalf("expected 1 P0 event, got %d", len(byRisk))
	}
}

func TestSafetyStatsGroupsByRiskSinceTimestamp(t *testing.T) {
	db := newTestLifelogDB(t)
	ctx := context.Background()

	events := []LifelogEvent{
		{SessionID: "s1", EventType: "safety_policy", RiskLevel: "P0", TSMs: 100},
		{SessionID: "s1", EventType: "safety_policy", RiskLevel: "P0", TSMs: 200},
		{SessionID: "s1", EventType: "safety_policy", RiskLevel: "P1", TSMs: 300},
		{SessionID: "s1", EventType: "tts_stop", RiskLevel: "P3", TSMs: 400},
	}
	for _, e := range events {
		if err := db.AddEvent(ctx, e); err != nil {
			t.Fatalf("add event: %v", err)
		}
	}

	stats, err := db.SafetyStats(ctx, 0)
	if err != nil {
		t.Fatalf("safety stats: %v", err)
	}
	if stats["P0"] != 2 || stats["P1"] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if _, ok := stats["P3"]; ok {
		t.Fatal("expected non-safety_policy events to be excluded")
	}

	recent, err := db.SafetyStats(ctx, 250)
	if err != nil {
		t.Fatalf("safety stats since 250: %v", err)
	}
	if recent["P0"] != 0 || recent["P1"] != 1 {
		t.Fatalf("unexpected filtered stats: %+v", recent)
	}
}

func TestCleanupRetentionRemovesOldRows(t *testing.T) {
	db := newTestLifelogDB(t)
	ctx := context.Background()

	if err := db.AddEvent(ctx, LifelogEvent{SessionID: "s1", EventType: "x", TSMs: 100}); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if err := db.AddEvent(ctx, LifelogEvent{SessionID: "s1", EventType: "x", TSMs: 900}); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if err := db.AddThoughtTrace(ctx, ThoughtTraceEntry{TraceID: "t1", TSMs: 100}); err != nil {
		t.Fatalf("add trace: %v", err)
	}
	if err := db.AddTelemetrySample(ctx, TelemetrySample{DeviceID: "dev-1", TSMs: 100}); err != nil {
		t.Fatalf("add telemetry: %v", err)
	}

	removed, err := db.CleanupRetention(ctx, 500)
	if err != nil {
		t.Fatalf("cleanup retention: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 rows removed, got %d", removed)
	}

	remaining, err := db.Timeline(ctx, TimelineFilter{})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(remaining) != 1 || remaining[0].TSMs != 900 {
		t.Fatalf("expected only the newer event to remain, got %+v", remaining)
	}
}

func TestDeviceSessionsRoundTrip(t *testing.T) {
	db := newTestLifelogDB(t)
	ctx := context.Background()

	snap := session.Snapshot{
		DeviceID:   "dev-1",
		SessionID:  "sess-1",
		State:      session.StateReady,
		CreatedAtMs: 100,
		LastSeenMs: 200,
		LastSeq:    5,
		Metadata:   map[string]any{"fw": "1.0"},
	}
	if err := db.UpsertDeviceSession(ctx, snap); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	list, err := db.ListDeviceSessions(ctx, "dev-1", 10)
	if err != nil {
		t.Fatalf("list device sessions: %v", err)
	}
	if len(list) != 1 || list[0].SessionID != "sess-1" {
		t.Fatalf("expected one matching session, got %+v", list)
	}
	if list[0].Metadata["fw"] != "1.0" {
		t.Fatalf("expected metadata to round-trip, got %+v", list[0].Metadata)
	}

	snap.ClosedAtMs = 300
	snap.CloseReason = "done"
	if err := db.CloseDeviceSession(ctx, snap); err != nil {
		t.Fatalf("close: %v", err)
	}
	list, err = db.ListDeviceSessions(ctx, "dev-1", 10)
	if err != nil {
		t.Fatalf("list after close: %v", err)
	}
	if list[0].ClosedAtMs != 300 {
		t.Fatalf("expected closed_at_ms to persist, got %+v", list[0])
	}
}
