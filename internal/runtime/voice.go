package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opencane/gateway/internal/agent"
	"github.com/opencane/gateway/internal/digitaltask"
	"github.com/opencane/gateway/internal/envelope"
	"github.com/opencane/gateway/internal/session"
	"github.com/opencane/gateway/internal/store"
)

// processListenStop implements spec.md §4.5's `_process_listen_stop`: it
// finalizes the audio capture, routes to either the digital-task executor
// or the conversational agent, and speaks the reply through the safety and
// interaction policies.
func (o *Orchestrator) processListenStop(ctx context.Context, env *envelope.Envelope) {
	start := envelope.NowMS()
	deviceID, sessionID := env.DeviceID, env.SessionID
	traceID := uuid.NewString()

	transcript := o.audio.FinalizeCapture(ctx, deviceID, sessionID, env.Payload)
	sttDoneMs := envelope.NowMS()

	if strings.TrimSpace(transcript) == "" {
		atomic.AddInt64(&o.metrics.VoiceErrors, 1)
		o.speak(ctx, deviceID, sessionID, "抱歉，我没有听清楚，请再说一次。", "stt_error", "P2", 1.0, nil)
		o.sessions.UpdateState(ctx, deviceID, sessionID, session.StateReady)
		o.recordVoiceTurn(ctx, deviceID, sessionID, traceID, "", "stt_empty", start, sttDoneMs, sttDoneMs, false)
		return
	}

	if o.shouldRouteToDigitalTask(transcript, env.Payload) {
		o.routeToDigitalTask(ctx, deviceID, sessionID, transcript, traceID, start, sttDoneMs)
		return
	}

	o.routeToConversationalAgent(ctx, deviceID, sessionID, transcript, traceID, start, sttDoneMs)
}

// shouldRouteToDigitalTask implements the explicit-intent / flag /
// keyword-prefix routing rule from spec.md §4.5.
func (o *Orchestrator) shouldRouteToDigitalTask(transcript string, payload map[string]any) bool {
	if intent, _ := payload["intent"].(string); intent == "digital_task" {
		return true
	}
	if flag, _ := payload["digital_task"].(bool); flag {
		return true
	}
	trimmed := strings.TrimSpace(transcript)
	for _, kw := range o.cfg.DigitalTaskIntentKeywords {
		if strings.HasPrefix(trimmed, kw) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) routeToDigitalTask(ctx context.Context, deviceID, sessionID, transcript, traceID string, start, sttDoneMs int64) {
	if o.tasks == nil {
		o.speak(ctx, deviceID, sessionID, "数字任务功能当前不可用。", "digital_task_error", "P2", 1.0, nil)
		o.sessions.UpdateState(ctx, deviceID, sessionID, session.StateReady)
		o.recordVoiceTurn(ctx, deviceID, sessionID, traceID, transcript, "digital_task_unavailable", start, sttDoneMs, envelope.NowMS(), false)
		return
	}
	atomic.AddInt64(&o.metrics.TaskRouted, 1)
	_, err := o.tasks.Execute(ctx, digitaltask.ExecuteRequest{
		SessionID:         "digital-" + sessionID,
		Goal:              transcript,
		DeviceID:          deviceID,
		Notify:            o.cfg.DigitalTaskNotify,
		Speak:             o.cfg.DigitalTaskSpeak,
		InterruptPrevious: true,
		Source:            "voice_intent",
		TraceID:           traceID,
	})
	o.sessions.UpdateState(ctx, deviceID, sessionID, session.StateReady)
	if err != nil {
		o.speak(ctx, deviceID, sessionID, fmt.Sprintf("%s。", err.Error()), "digital_task_error", "P2", 1.0, nil)
		o.recordVoiceTurn(ctx, deviceID, sessionID, traceID, transcript, "digital_task_dispatch_failed", start, sttDoneMs, envelope.NowMS(), false)
		return
	}
	o.recordVoiceTurn(ctx, deviceID, sessionID, traceID, transcript, "digital_task", start, sttDoneMs, envelope.NowMS(), true)
}

func (o *Orchestrator) routeToConversationalAgent(ctx context.Context, deviceID, sessionID, transcript, traceID string, start, sttDoneMs int64) {
	if o.agentConv == nil {
		o.speak(ctx, deviceID, sessionID, "对话功能当前不可用。", "agent_unavailable", "P2", 1.0, nil)
		o.sessions.UpdateState(ctx, deviceID, sessionID, session.StateReady)
		o.recordVoiceTurn(ctx, deviceID, sessionID, traceID, transcript, "agent_unavailable", start, sttDoneMs, envelope.NowMS(), false)
		return
	}

	allow, deny, warning := agent.ResolveToolPolicy(ctx, o.policyClient, deviceID)
	snap, _ := o.sessions.SnapshotOf(deviceID, sessionID)
	rc := agent.RuntimeContext{
		DeviceID:          deviceID,
		SessionID:         sessionID,
		State:             string(snap.State),
		TraceID:           traceID,
		TranscriptPreview: shorten(transcript, o.cfg.TranscriptPreviewChars),
		Telemetry:         snap.Telemetry,
		PolicyWarning:     warning,
	}

	reply, err := o.agentConv.ProcessDirect(ctx, transcript, rc, allow, deny)
	agentDoneMs := envelope.NowMS()
	o.sessions.UpdateState(ctx, deviceID, sessionID, session.StateReady)
	if err != nil {
		atomic.AddInt64(&o.metrics.VoiceErrors, 1)
		o.speak(ctx, deviceID, sessionID, fmt.Sprintf("%s。", err.Error()), "agent_error", "P2", 1.0, nil)
		o.recordVoiceTurn(ctx, deviceID, sessionID, traceID, transcript, "agent_error", start, sttDoneMs, agentDoneMs, false)
		return
	}
	o.speak(ctx, deviceID, sessionID, reply.Text, "agent_reply", "P3", 0.9, nil)
	o.recordVoiceTurn(ctx, deviceID, sessionID, traceID, transcript, "agent_reply", start, sttDoneMs, agentDoneMs, true)
}

// processImageReady implements §4.5's `_process_image_ready`.
func (o *Orchestrator) processImageReady(ctx context.Context, env *envelope.Envelope) {
	deviceID, sessionID := env.DeviceID, env.SessionID
	o.logEvent(ctx, deviceID, sessionID, "image_ingested", "P3", map[string]any{"size_hint": firstPayloadString(env.Payload, "size_hint")})

	if o.vision == nil {
		o.speak(ctx, deviceID, sessionID, "图像分析功能当前不可用。", "vision_unavailable", "P2", 1.0, nil)
		o.sessions.UpdateState(ctx, deviceID, sessionID, session.StateReady)
		return
	}

	snap, _ := o.sessions.SnapshotOf(deviceID, sessionID)
	rc := agent.RuntimeContext{
		DeviceID:  deviceID,
		SessionID: sessionID,
		State:     string(snap.State),
		Telemetry: snap.Telemetry,
	}
	text, err := o.vision.AnalyzePayload(ctx, env.Payload, rc)
	o.sessions.UpdateState(ctx, deviceID, sessionID, session.StateReady)
	if err != nil {
		o.speak(ctx, deviceID, sessionID, fmt.Sprintf("%s。", err.Error()), "vision_error", "P2", 1.0, nil)
		return
	}
	o.speak(ctx, deviceID, sessionID, text, "vision_reply", "P3", 0.9, nil)
}

func (o *Orchestrator) recordVoiceTurn(ctx context.Context, deviceID, sessionID, traceID, transcript, outcome string, startMs, sttDoneMs, agentDoneMs int64, ok bool) {
	atomic.AddInt64(&o.metrics.VoiceTurns, 1)
	now := envelope.NowMS()
	o.logEvent(ctx, deviceID, sessionID, "voice_turn", "P3", map[string]any{
		"trace_id":        traceID,
		"transcript":      transcript,
		"outcome":         outcome,
		"ok":              ok,
		"stt_latency_ms":  sttDoneMs - startMs,
		"agent_latency_ms": agentDoneMs - sttDoneMs,
		"total_latency_ms": now - startMs,
	})
	if o.lifelog != nil {
		_ = o.lifelog.AddThoughtTrace(ctx, store.ThoughtTraceEntry{
			TraceID:   traceID,
			SessionID: sessionID,
			Source:    "runtime",
			Stage:     outcome,
			Payload:   map[string]any{"transcript": transcript, "ok": ok},
			TSMs:      now,
		})
	}
}

func shorten(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	cut := maxChars - 3
	if cut < 1 {
		cut = 1
	}
	return strings.TrimRight(text[:cut], " ") + "..."
}
