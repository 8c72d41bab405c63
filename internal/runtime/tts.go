package runtime

import (
	"context"
	"encoding/base64"
	"sync/atomic"

	"github.com/opencane/gateway/internal/envelope"
	"github.com/opencane/gateway/internal/session"
)

// speak pipes text through the safety policy, then the interaction policy,
// then the configured TTS path (spec.md §4.5 "Safety policy wrapping",
// "Interaction policy wrapping", "TTS paths").
func (o *Orchestrator) speak(ctx context.Context, deviceID, sessionID, text, source, riskLevel string, confidence float64, policyContext map[string]any) {
	decision := o.safety.Evaluate(text, source, confidence, riskLevel, policyContext)
	if decision.Downgraded {
		atomic.AddInt64(&o.metrics.SafetyDowngrades, 1)
	}
	o.logEvent(ctx, deviceID, sessionID, "safety_policy", decision.RiskLevel, map[string]any{
		"source":     decision.Source,
		"downgraded": decision.Downgraded,
		"reason":     decision.Reason,
		"flags":      decision.Flags,
		"rule_ids":   decision.RuleIDs,
		"confidence": decision.Confidence,
	})

	interaction := o.interact.Evaluate(decision.Text, source, decision.RiskLevel, policyContext, true)
	if !interaction.ShouldSpeak {
		o.sendTTSStop(ctx, deviceID, sessionID, false, "interaction_policy_silent")
		o.sessions.UpdateState(ctx, deviceID, sessionID, session.StateReady)
		return
	}

	if o.cfg.TTSMode == "server_audio" && o.synth != nil {
		if o.speakServerAudio(ctx, deviceID, sessionID, interaction.Text) {
			return
		}
	}
	o.speakDeviceText(ctx, deviceID, sessionID, interaction.Text)
}

// Speak runs text through the safety/interaction-wrapped TTS pipeline on
// behalf of a caller outside the event loop, such as the digital-task
// status callback delivering a "speak" update.
func (o *Orchestrator) Speak(ctx context.Context, deviceID, sessionID, text, source, riskLevel string, confidence float64) {
	o.speak(ctx, deviceID, sessionID, text, source, riskLevel, confidence, nil)
}

func (o *Orchestrator) speakDeviceText(ctx context.Context, deviceID, sessionID, text string) {
	o.sessions.UpdateState(ctx, deviceID, sessionID, session.StateSpeaking)
	o.sendTTS(ctx, deviceID, sessionID, envelope.CommandTTSStart, map[string]any{"text": shorten(text, o.cfg.TTSStartPreviewChars)})

	for start := 0; start < len(text); start += o.cfg.TTSTextChunkChars {
		end := start + o.cfg.TTSTextChunkChars
		if end > len(text) {
			end = len(text)
		}
		o.sendTTS(ctx, deviceID, sessionID, envelope.CommandTTSChunk, map[string]any{"text": text[start:end]})
	}

	o.sendTTSStop(ctx, deviceID, sessionID, false, "")
	o.sessions.UpdateState(ctx, deviceID, sessionID, session.StateReady)
}

// speakServerAudio synthesizes text through the external TTS backend. It
// returns false (having emitted nothing) when synthesis yields no audio,
// signalling the caller to fall back to the device_text path.
func (o *Orchestrator) speakServerAudio(ctx context.Context, deviceID, sessionID, text string) bool {
	audioBytes, encoding, sampleRateHz, err := o.synth.Synthesize(ctx, text)
	if err != nil || len(audioBytes) == 0 {
		return false
	}

	o.sessions.UpdateState(ctx, deviceID, sessionID, session.StateSpeaking)
	o.sendTTS(ctx, deviceID, sessionID, envelope.CommandTTSStart, map[string]any{"mode": "server_audio", "encoding": encoding})

	for start := 0; start < len(audioBytes); start += o.cfg.TTSAudioChunkBytes {
		end := start + o.cfg.TTSAudioChunkBytes
		if end > len(audioBytes) {
			end = len(audioBytes)
		}
		chunk := map[string]any{
			"audio_b64": base64.StdEncoding.EncodeToString(audioBytes[start:end]),
			"encoding":  encoding,
		}
		if sampleRateHz > 0 {
			chunk["sample_rate_hz"] = sampleRateHz
		}
		o.sendTTS(ctx, deviceID, sessionID, envelope.CommandTTSChunk, chunk)
	}

	o.sendTTSStop(ctx, deviceID, sessionID, false, "")
	o.sessions.UpdateState(ctx, deviceID, sessionID, session.StateReady)
	return true
}

func (o *Orchestrator) sendTTS(ctx context.Context, deviceID, sessionID string, cmdType envelope.CommandType, payload map[string]any) {
	_ = o.sendCommand(ctx, envelope.NewCommand(cmdType, deviceID, sessionID,
		o.sessions.NextOutboundSeq(ctx, deviceID, sessionID), payload))
}

func (o *Orchestrator) sendTTSStop(ctx context.Context, deviceID, sessionID string, aborted bool, reason string) {
	payload := map[string]any{"aborted": aborted}
	if reason != "" {
		payload["reason"] = reason
	}
	o.sendTTS(ctx, deviceID, sessionID, envelope.CommandTTSStop, payload)
	if reason != "" {
		o.logEvent(ctx, deviceID, sessionID, "tts_stop", "P3", map[string]any{"reason": reason, "aborted": aborted})
	}
}
