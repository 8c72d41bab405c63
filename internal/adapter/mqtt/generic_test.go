package mqtt

import "testing"

func newTestGenericAdapter(profile Profile) *GenericAdapter {
	return &GenericAdapter{opts: GenericOptions{Profile: profile}}
}

func TestCanonicalizeEnvelopeResolvesAliasedFields(t *testing.T) {
	a := newTestGenericAdapter(Profile{
		FieldAliases: map[string][]string{
			"device_id": {"dev"},
			"type":      {"evt"},
		},
		EventTypeAliases: map[string]string{"hb": "heartbeat"},
	})
	raw := map[string]any{"dev": "dev-1", "evt": "hb", "seq": 3}

	out := a.canonicalizeEnvelope(raw)
	if out["device_id"] != "dev-1" {
		t.Fatalf("expected device_id dev-1, got %+v", out)
	}
	if out["type"] != "heartbeat" {
		t.Fatalf("expected type normalized to heartbeat, got %+v", out)
	}
}

func TestCanonicalizeEnvelopeNestsPayloadWhenAliased(t *testing.T) {
	a := newTestGenericAdapter(Profile{
		FieldAliases: map[string][]string{"payload": {"data"}},
	})
	raw := map[string]any{"device_id": "dev-1", "data": map[string]any{"text": "hi"}}

	out := a.canonicalizeEnvelope(raw)
	payload, ok := out["payload"].(map[string]any)
	if !ok || payload["text"] != "hi" {
		t.Fatalf("expected nested payload to round-trip, got %+v", out)
	}
}

func TestCanonicalizeEnvelopeFallsBackToRawAsPayload(t *testing.T) {
	a := newTestGenericAdapter(Profile{})
	raw := map[string]any{"text": "hi"}

	out := a.canonicalizeEnvelope(raw)
	payload, ok := out["payload"].(map[string]any)
	if !ok || payload["text"] != "hi" {
		t.Fatalf("expected raw fields to become the payload, got %+v", out)
	}
}

func TestCanonicalizePayloadResolvesAliasedKeysWithoutLosingOthers(t *testing.T) {
	a := newTestGenericAdapter(Profile{
		PayloadFieldAliases: map[string][]string{"audio_b64": {"data"}},
	})
	raw := map[string]any{"data": "base64==", "seq": 5}

	out := a.canonicalizePayload(raw)
	if out["audio_b64"] != "base64==" {
		t.Fatalf("expected audio_b64 resolved, got %+v", out)
	}
	if out["seq"] != 5 {
		t.Fatalf("expected unrelated keys preserved, got %+v", out)
	}
	if out["data"] != "base64==" {
		t.Fatalf("expected original alias key left untouched, got %+v", out)
	}
}

func TestCanonicalizePayloadNoOpWhenNoAliases(t *testing.T) {
	a := newTestGenericAdapter(Profile{})
	raw := map[string]any{"seq": 1}
	out := a.canonicalizePayload(raw)
	if out["seq"] != 1 {
		t.Fatalf("expected unchanged payload, got %+v", out)
	}
}

func TestToIntHandlesNumericJSONTypes(t *testing.T) {
	if toInt(5) != 5 {
		t.Fatal("expected int passthrough")
	}
	if toInt(int64(6)) != 6 {
		t.Fatal("expected int64 conversion")
	}
	if toInt(float64(7)) != 7 {
		t.Fatal("expected float64 conversion")
	}
	if toInt("not a number") != 0 {
		t.Fatal("expected fallback to zero for unrecognized types")
	}
}
