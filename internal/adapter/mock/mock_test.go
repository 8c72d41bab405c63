package mock

import (
	"context"
	"testing"

	"github.com/opencane/gateway/internal/adapter/audioframe"
	"github.com/opencane/gateway/internal/envelope"
)

func TestStartStopClosesEventsChannel(t *testing.T) {
	a := New(0xAA)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := <-a.Events(); ok {
		t.Fatal("expected the events channel to be closed after Stop")
	}
}

func TestSendCommandRecordsSent(t *testing.T) {
	a := New(0xAA)
	cmd := envelope.NewCommand(envelope.CommandTTSStart, "dev-1", "sess-1", 1, nil)
	if err := a.SendCommand(context.Background(), cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}
	sent := a.Sent()
	if len(sent) != 1 || sent[0].DeviceID != "dev-1" || sent[0].Command != cmd {
		t.Fatalf("unexpected sent record: %+v", sent)
	}
}

func TestInjectEventDeliversOnEventsChannel(t *testing.T) {
	a := New(0xAA)
	env := envelope.NewEvent(envelope.EventHeartbeat, "dev-1", "sess-1", 1, nil)
	a.InjectEvent(env)

	select {
	case got := <-a.Events():
		if got != env {
			t.Fatal("expected to receive the same envelope instance")
		}
	default:
		t.Fatal("expected an event to be immediately available")
	}
}

func TestIngestControlParsesAndInjects(t *testing.T) {
	a := New(0xAA)
	raw := []byte(`{"type":"heartbeat","device_id":"dev-1","session_id":"sess-1","seq":1}`)
	env, err := a.IngestControl(raw, "dev-1", "sess-1")
	if err != nil {
		t.Fatalf("ingest control: %v", err)
	}
	if env.Type != string(envelope.EventHeartbeat) {
		t.Fatalf("expected heartbeat event, got %q", env.Type)
	}
	if got := <-a.Events(); got != env {
		t.Fatal("expected the parsed envelope to be injected")
	}
}

func TestIngestControlRejectsInvalidJSON(t *testing.T) {
	a := New(0xAA)
	if _, err := a.IngestControl([]byte("not json"), "dev-1", "sess-1"); err == nil {
		t.Fatal("expected an error for invalid json")
	}
}

func TestIngestAudioPacketDecodesFrame(t *testing.T) {
	a := New(0xAA)
	framed := audioframe.Encode(0xAA, 5, 100, []byte("pcm"))
	env, err := a.IngestAudioPacket(framed, "dev-1", "sess-1")
	if err != nil {
		t.Fatalf("ingest audio packet: %v", err)
	}
	if env.Type != string(envelope.EventAudioChunk) {
		t.Fatalf("expected audio_chunk event, got %q", env.Type)
	}
	if env.Payload["seq"] != 5 {
		t.Fatalf("expected seq 5 in payload, got %+v", env.Payload)
	}
}

func TestIngestAudioPacketRejectsBadMagic(t *testing.T) {
	a := New(0xAA)
	framed := audioframe.Encode(0xBB, 1, 1, []byte("pcm"))
	if _, err := a.IngestAudioPacket(framed, "dev-1", "sess-1"); err == nil {
		t.Fatal("expected a magic mismatch error")
	}
	if got := <-a.Events(); got.Type != string(envelope.EventError) {
		t.Fatalf("expected an error event to be emitted, got %q", got.Type)
	}
}
