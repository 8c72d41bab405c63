package audio

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestAppendChunkOrdersTextByKey(t *testing.T) {
	p := NewPipeline(Options{EnableVAD: false})
	p.AppendChunk("dev-1", "sess-1", map[string]any{"order": 2, "text": "world"}, nil)
	text := p.AppendChunk("dev-1", "sess-1", map[string]any{"order": 1, "text": "hello"}, nil)
	if text != "hello world" {
		t.Fatalf("expected ordered composition, got %q", text)
	}
}

func TestAppendChunkShiftsOnTextCollision(t *testing.T) {
	p := NewPipeline(Options{EnableVAD: false})
	p.AppendChunk("dev-1", "sess-1", map[string]any{"order": 1, "text": "first"}, nil)
	text := p.AppendChunk("dev-1", "sess-1", map[string]any{"order": 1, "text": "second"}, nil)
	if !strings.Contains(text, "first") || !strings.Contains(text, "second") {
		t.Fatalf("expected both pieces preserved, got %q", text)
	}
}

func TestAppendChunkVADPrebufferAndFlush(t *testing.T) {
	p := NewPipeline(Options{EnableVAD: true, PrebufferChunks: 2, JitterWindow: 8, VADSilenceChunks: 2})

	p.AppendChunk("dev-1", "sess-1", map[string]any{"order": 0, "audio_b64": b64("a"), "is_speech": false}, nil)
	p.AppendChunk("dev-1", "sess-1", map[string]any{"order": 1, "audio_b64": b64("b"), "is_speech": true}, nil)

	final := p.FinalizeCapture(context.Background(), "dev-1", "sess-1", map[string]any{})
	if final != "" {
		t.Fatalf("expected no text transcript without a transcriber, got %q", final)
	}
}

func TestFinalizeCaptureUsesExplicitTranscript(t *testing.T) {
	p := NewPipeline(Options{})
	text := p.FinalizeCapture(context.Background(), "dev-1", "sess-1", map[string]any{"transcript": "already known"})
	if text != "already known" {
		t.Fatalf("expected explicit transcript to win, got %q", text)
	}
}

func TestFinalizeCaptureFallsBackToTranscribeFunc(t *testing.T) {
	p := NewPipeline(Options{
		EnableVAD: false,
		TranscribeFunc: func(ctx context.Context, audio []byte) (string, error) {
			return "transcribed: " + string(audio), nil
		},
	})
	p.AppendChunk("dev-1", "sess-1", map[string]any{"order": 0, "audio_b64": b64("hi")}, nil)
	text := p.FinalizeCapture(context.Background(), "dev-1", "sess-1", map[string]any{})
	if text != "transcribed: hi" {
		t.Fatalf("expected transcriber fallback, got %q", text)
	}
}

func TestFinalizeCaptureSwallowsTranscribeError(t *testing.T) {
	p := NewPipeline(Options{
		EnableVAD: false,
		TranscribeFunc: func(ctx context.Context, audio []byte) (string, error) {
			return "", errBoom
		},
	})
	p.AppendChunk("dev-1", "sess-1", map[string]any{"order": 0, "audio_b64": b64("hi")}, nil)
	text := p.FinalizeCapture(context.Background(), "dev-1", "sess-1", map[string]any{})
	if text != "" {
		t.Fatalf("expected empty string on transcriber failure, got %q", text)
	}
}

type boomErr string

func (e boomErr) Error() string { return string(e) }

var errBoom boomErr = "boom"

func TestPartialTranscriptTruncates(t *testing.T) {
	p := NewPipeline(Options{EnableVAD: false})
	p.AppendChunk("dev-1", "sess-1", map[string]any{"order": 0, "text": "this is a long piece of text"}, nil)
	got := p.PartialTranscript("dev-1", "sess-1", 10)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncation ellipsis, got %q", got)
	}
	if len(got) > 10 {
		t.Fatalf("expected truncated length <= 10, got %d (%q)", len(got), got)
	}
}

func TestResolveOrderFallsBackToEventSeqThenLocalCounter(t *testing.T) {
	p := NewPipeline(Options{EnableVAD: false})
	seq := 5
	text1 := p.AppendChunk("dev-1", "sess-1", map[string]any{"text": "a"}, &seq)
	text2 := p.AppendChunk("dev-1", "sess-1", map[string]any{"text": "b"}, nil)
	if text1 != "a" {
		t.Fatalf("unexpected first composition: %q", text1)
	}
	if text2 != "a b" {
		t.Fatalf("expected event-seq ordered before local-counter chunk, got %q", text2)
	}
}

func TestAudioBufferCapDropsOverflow(t *testing.T) {
	p := NewPipeline(Options{EnableVAD: false, MaxBytes: 4})
	p.AppendChunk("dev-1", "sess-1", map[string]any{"order": 0, "audio_b64": b64("abcd")}, nil)
	p.AppendChunk("dev-1", "sess-1", map[string]any{"order": 1, "audio_b64": b64("e")}, nil)
	got := p.FinalizeCapture(context.Background(), "dev-1", "sess-1", map[string]any{})
	if got != "" {
		t.Fatalf("expected no text transcript, got %q", got)
	}
}

func TestResetCaptureClearsState(t *testing.T) {
	p := NewPipeline(Options{EnableVAD: false})
	p.AppendChunk("dev-1", "sess-1", map[string]any{"order": 0, "text": "hello"}, nil)
	p.ResetCapture("dev-1", "sess-1")
	got := p.PartialTranscript("dev-1", "sess-1", 100)
	if got != "" {
		t.Fatalf("expected empty transcript after reset, got %q", got)
	}
}
