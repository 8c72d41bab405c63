package envelope

import "testing"

func TestParseAliasResolution(t *testing.T) {
	data := map[string]any{
		"deviceId":  "dev-1",
		"sessionId": "sess-1",
		"v":         "1.2",
		"id":        "msg-9",
		"type":      "hello",
		"seq":       float64(3),
		"ts":        float64(1000),
		"payload":   map[string]any{"fw": "1.0"},
	}
	env, err := Parse(data, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.DeviceID != "dev-1" || env.SessionID != "sess-1" || env.Version != "1.2" || env.MsgID != "msg-9" {
		t.Fatalf("alias resolution failed: %+v", env)
	}
	if env.Seq != 3 || env.TS != 1000 {
		t.Fatalf("numeric coercion failed: %+v", env)
	}
	if env.Payload["fw"] != "1.0" {
		t.Fatalf("payload not preserved: %+v", env.Payload)
	}
}

func TestParseMissingDeviceID(t *testing.T) {
	_, err := Parse(map[string]any{"type": "hello"}, "", "")
	if err == nil {
		t.Fatal("expected error for missing device_id")
	}
	if _, ok := err.(*InvalidEnvelope); !ok {
		t.Fatalf("expected *InvalidEnvelope, got %T", err)
	}
}

func TestParseMissingType(t *testing.T) {
	_, err := Parse(map[string]any{"device_id": "dev-1"}, "", "")
	if err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestParseSessionIDSynthesized(t *testing.T) {
	env, err := Parse(map[string]any{"device_id": "dev-1", "type": "hello"}, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.SessionID == "" {
		t.Fatal("expected synthesized session_id")
	}
	want := "dev-1-"
	if len(env.SessionID) <= len(want) || env.SessionID[:len(want)] != want {
		t.Fatalf("synthesized session_id %q does not have expected prefix %q", env.SessionID, want)
	}
}

func TestParseSeqFallsBackOnNegative(t *testing.T) {
	env, err := Parse(map[string]any{"device_id": "dev-1", "type": "hello", "seq": float64(-5)}, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Seq != 0 {
		t.Fatalf("expected seq clamped to 0, got %d", env.Seq)
	}
}

func TestParseNonMapPayloadIsWrapped(t *testing.T) {
	env, err := Parse(map[string]any{"device_id": "dev-1", "type": "hello", "payload": "raw-string"}, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Payload["value"] != "raw-string" {
		t.Fatalf("expected wrapped payload, got %+v", env.Payload)
	}
}

func TestParseUsesDefaultsWhenAbsent(t *testing.T) {
	env, err := Parse(map[string]any{"type": "hello"}, "dev-default", "sess-default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.DeviceID != "dev-default" || env.SessionID != "sess-default" {
		t.Fatalf("expected defaults to be used, got %+v", env)
	}
}

func TestNewEventAndNewCommand(t *testing.T) {
	evt := NewEvent(EventAudioChunk, "dev-1", "sess-1", -9, nil)
	if evt.Seq != 0 {
		t.Fatalf("expected NewEvent to clamp negative seq to 0, got %d", evt.Seq)
	}
	if evt.Payload == nil {
		t.Fatal("expected non-nil payload map")
	}

	cmd := NewCommand(CommandTTSStart, "dev-1", "sess-1", 2, map[string]any{"voice": "default"})
	if cmd.Type != string(CommandTTSStart) {
		t.Fatalf("unexpected command type: %s", cmd.Type)
	}
}

func TestToMapRoundTrip(t *testing.T) {
	env := NewEvent(EventHeartbeat, "dev-1", "sess-1", 1, map[string]any{"battery": 90})
	m := env.ToMap()
	reparsed, err := Parse(m, "", "")
	if err != nil {
		t.Fatalf("unexpected error reparsing: %v", err)
	}
	if !env.Equal(reparsed) {
		t.Fatalf("round trip mismatch: %+v vs %+v", env, reparsed)
	}
}
