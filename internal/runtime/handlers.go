package runtime

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/opencane/gateway/internal/envelope"
	"github.com/opencane/gateway/internal/session"
	"github.com/opencane/gateway/internal/store"
)

// handleEnvelope is the main loop body: record metrics, apply the auth
// gate, apply the sequence gate, then dispatch by event type (spec.md
// §4.5 "Main loop").
func (o *Orchestrator) handleEnvelope(ctx context.Context, env *envelope.Envelope) {
	atomic.AddInt64(&o.metrics.EventsProcessed, 1)

	if !o.authorize(ctx, env) {
		atomic.AddInt64(&o.metrics.AuthDenied, 1)
		return
	}

	if env.Seq >= 0 {
		fresh := o.sessions.CheckAndCommitSeq(ctx, env.DeviceID, env.SessionID, env.Seq)
		if !fresh {
			atomic.AddInt64(&o.metrics.DuplicateDropped, 1)
			switch envelope.EventType(env.Type) {
			case envelope.EventAudioChunk, envelope.EventHello:
				// still processed below; duplicates are idempotent for these.
			case envelope.EventHeartbeat, envelope.EventListenStart, envelope.EventListenStop,
				envelope.EventTelemetry, envelope.EventToolResult:
				o.ack(ctx, env)
				return
			default:
				return
			}
		}
	}

	switch envelope.EventType(env.Type) {
	case envelope.EventHello:
		o.handleHello(ctx, env)
	case envelope.EventHeartbeat:
		o.handleHeartbeat(ctx, env)
	case envelope.EventListenStart:
		o.handleListenStart(ctx, env)
	case envelope.EventAudioChunk:
		o.handleAudioChunk(ctx, env)
	case envelope.EventListenStop:
		o.handleListenStop(ctx, env)
	case envelope.EventAbort:
		o.handleAbort(ctx, env)
	case envelope.EventImageReady:
		o.handleImageReady(ctx, env)
	case envelope.EventTelemetry:
		o.handleTelemetry(ctx, env)
	case envelope.EventToolResult:
		o.handleToolResult(ctx, env)
	case envelope.EventError:
		o.logEvent(ctx, env.DeviceID, env.SessionID, "device_error", "P1", env.Payload)
	}
}

// authorize implements the "Authorization gate": when enabled, the first
// event of a session must be hello carrying a verifiable device token.
// Subsequent events from an unauthenticated session are rejected the same
// way.
func (o *Orchestrator) authorize(ctx context.Context, env *envelope.Envelope) bool {
	if !o.cfg.DeviceAuthEnabled {
		return true
	}

	snap, exists := o.sessions.SnapshotOf(env.DeviceID, env.SessionID)
	if exists {
		if passed, _ := snap.Metadata["auth_passed"].(bool); passed {
			return true
		}
	}

	if envelope.EventType(env.Type) != envelope.EventHello {
		o.denyAuth(ctx, env, "unauthenticated_session")
		return false
	}

	token := firstPayloadString(env.Payload, "device_token", "auth_token", "token", "authorization")
	token = store.StripBearer(token)
	if token == "" {
		o.denyAuth(ctx, env, "missing_device_token")
		return false
	}
	if o.lifelog == nil {
		o.denyAuth(ctx, env, "auth_service_unavailable")
		return false
	}

	result := o.lifelog.VerifyBinding(ctx, env.DeviceID, token, o.cfg.RequireActivatedDevices, o.cfg.AllowUnboundDevices)
	if !result.Success {
		reason := result.Reason
		if reason == "" {
			reason = "invalid_device_token"
		}
		o.denyAuth(ctx, env, reason)
		return false
	}

	status := ""
	if result.Binding != nil {
		status = string(result.Binding.Status)
	}
	o.sessions.UpdateMetadata(ctx, env.DeviceID, env.SessionID, map[string]any{
		"auth_passed":    true,
		"binding_status": status,
	})
	return true
}

func (o *Orchestrator) denyAuth(ctx context.Context, env *envelope.Envelope, reason string) {
	_ = o.sendCommand(ctx, envelope.NewCommand(envelope.CommandClose, env.DeviceID, env.SessionID, 0,
		map[string]any{"reason": reason}))
	o.sessions.Close(ctx, env.DeviceID, env.SessionID, reason)
	o.logEvent(ctx, env.DeviceID, env.SessionID, "device_auth_denied", "P1", map[string]any{"reason": reason})
}

func (o *Orchestrator) ack(ctx context.Context, env *envelope.Envelope) {
	_ = o.sendCommand(ctx, envelope.NewCommand(envelope.CommandAck, env.DeviceID, env.SessionID,
		o.sessions.NextOutboundSeq(ctx, env.DeviceID, env.SessionID),
		map[string]any{"ack_seq": env.Seq}))
}

func (o *Orchestrator) handleHello(ctx context.Context, env *envelope.Envelope) {
	o.sessions.UpdateMetadata(ctx, env.DeviceID, env.SessionID, env.Payload)
	o.sessions.UpdateState(ctx, env.DeviceID, env.SessionID, session.StateReady)
	_ = o.sendCommand(ctx, envelope.NewCommand(envelope.CommandHelloAck, env.DeviceID, env.SessionID,
		o.sessions.NextOutboundSeq(ctx, env.DeviceID, env.SessionID),
		map[string]any{"runtime": "gateway", "protocol": envelope.DefaultVersion, "session_id": env.SessionID, "ack_seq": env.Seq}))

	if o.tasks != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			_ = o.tasks.FlushPendingUpdates(ctx, env.DeviceID, env.SessionID, 50)
		}()
	}
}

func (o *Orchestrator) handleHeartbeat(ctx context.Context, env *envelope.Envelope) {
	o.sessions.UpdateState(ctx, env.DeviceID, env.SessionID, session.StateReady)
	o.ack(ctx, env)
}

func (o *Orchestrator) handleListenStart(ctx context.Context, env *envelope.Envelope) {
	snap, _ := o.sessions.SnapshotOf(env.DeviceID, env.SessionID)
	if snap.State == session.StateSpeaking {
		o.sendTTSStop(ctx, env.DeviceID, env.SessionID, true, "barge_in")
		o.logEvent(ctx, env.DeviceID, env.SessionID, "voice_interrupt", "P3", nil)
	}
	o.sessions.UpdateState(ctx, env.DeviceID, env.SessionID, session.StateListening)
	o.audio.StartCapture(env.DeviceID, env.SessionID)
	o.ack(ctx, env)
}

func (o *Orchestrator) handleAudioChunk(ctx context.Context, env *envelope.Envelope) {
	seq := env.Seq
	text := o.audio.AppendChunk(env.DeviceID, env.SessionID, env.Payload, &seq)
	o.maybeEmitSTTPartial(ctx, env.DeviceID, env.SessionID, text)
}

func (o *Orchestrator) maybeEmitSTTPartial(ctx context.Context, deviceID, sessionID, text string) {
	if text == "" {
		return
	}
	key := sttKey{deviceID, sessionID}
	now := envelope.NowMS()

	o.sttMu.Lock()
	prev, had := o.sttState[key]
	suppress := false
	if had {
		elapsed := now - prev.atMs
		if prev.text == text && elapsed < o.cfg.STTPartialMinIntervalMs {
			suppress = true
		} else if strings.HasPrefix(text, prev.text) &&
			len(text)-len(prev.text) < o.cfg.STTPartialMinGrowthChars &&
			elapsed < o.cfg.STTPartialMinGrowthIntervalMs {
			suppress = true
		}
	}
	if !suppress {
		o.sttState[key] = sttRecord{text: text, atMs: now}
	}
	o.sttMu.Unlock()

	if suppress {
		return
	}
	_ = o.sendCommand(ctx, envelope.NewCommand(envelope.CommandSTTPartial, deviceID, sessionID,
		o.sessions.NextOutboundSeq(ctx, deviceID, sessionID), map[string]any{"text": text}))
}

func (o *Orchestrator) handleListenStop(ctx context.Context, env *envelope.Envelope) {
	o.sessions.UpdateState(ctx, env.DeviceID, env.SessionID, session.StateThinking)
	o.ack(ctx, env)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.processListenStop(ctx, env)
	}()
}

func (o *Orchestrator) handleAbort(ctx context.Context, env *envelope.Envelope) {
	o.audio.ResetCapture(env.DeviceID, env.SessionID)
	o.sessions.UpdateState(ctx, env.DeviceID, env.SessionID, session.StateReady)
	reason := firstPayloadString(env.Payload, "reason")
	o.sendTTSStop(ctx, env.DeviceID, env.SessionID, true, reason)
}

func (o *Orchestrator) handleImageReady(ctx context.Context, env *envelope.Envelope) {
	o.sessions.UpdateState(ctx, env.DeviceID, env.SessionID, session.StateThinking)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.processImageReady(ctx, env)
	}()
}

func (o *Orchestrator) handleTelemetry(ctx context.Context, env *envelope.Envelope) {
	o.sessions.UpdateTelemetry(ctx, env.DeviceID, env.SessionID, env.Payload)
	if o.lifelog != nil {
		_ = o.lifelog.AddTelemetrySample(ctx, store.TelemetrySample{
			DeviceID:  env.DeviceID,
			SessionID: env.SessionID,
			Payload:   env.Payload,
			TSMs:      envelope.NowMS(),
		})
	}
	o.ack(ctx, env)
}

func (o *Orchestrator) handleToolResult(ctx context.Context, env *envelope.Envelope) {
	o.ack(ctx, env)
	o.logEvent(ctx, env.DeviceID, env.SessionID, "tool_result", "P3", env.Payload)
	opID := firstPayloadString(env.Payload, "operation_id")
	if opID == "" || o.lifelog == nil {
		return
	}
	status := store.OperationAcked
	errMsg := ""
	if failed, _ := env.Payload["failed"].(bool); failed {
		status = store.OperationFailed
		errMsg = firstPayloadString(env.Payload, "error")
	}
	result, _ := env.Payload["result"].(map[string]any)
	_ = o.lifelog.UpdateOperationStatus(ctx, opID, status, result, errMsg)
}

func firstPayloadString(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
