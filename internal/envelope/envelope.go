// Package envelope defines the canonical message format shared by every
// southbound adapter and the runtime orchestrator (spec C1).
package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the closed set of inbound event types a device can emit.
type EventType string

const (
	EventHello       EventType = "hello"
	EventHeartbeat   EventType = "heartbeat"
	EventListenStart EventType = "listen_start"
	EventAudioChunk  EventType = "audio_chunk"
	EventListenStop  EventType = "listen_stop"
	EventAbort       EventType = "abort"
	EventImageReady  EventType = "image_ready"
	EventTelemetry   EventType = "telemetry"
	EventToolResult  EventType = "tool_result"
	EventError       EventType = "error"
)

// CommandType enumerates the closed set of outbound command types the
// runtime may push to a device.
type CommandType string

const (
	CommandHelloAck  CommandType = "hello_ack"
	CommandSTTPartial CommandType = "stt_partial"
	CommandSTTFinal  CommandType = "stt_final"
	CommandTTSStart  CommandType = "tts_start"
	CommandTTSChunk  CommandType = "tts_chunk"
	CommandTTSStop   CommandType = "tts_stop"
	CommandTaskUpdate CommandType = "task_update"
	CommandToolCall  CommandType = "tool_call"
	CommandSetConfig CommandType = "set_config"
	CommandOTAPlan   CommandType = "ota_plan"
	CommandClose     CommandType = "close"
	CommandAck       CommandType = "ack"
)

const DefaultVersion = "0.1"

// InvalidEnvelope is returned by Parse when a mapping cannot be turned into
// a valid envelope.
type InvalidEnvelope struct {
	Reason string
}

func (e *InvalidEnvelope) Error() string {
	return fmt.Sprintf("invalid envelope: %s", e.Reason)
}

// Envelope is the canonical, immutable message format used across adapters,
// the session manager, and the orchestrator. Construct via Parse, NewEvent,
// or NewCommand; once built, treat the value as read-only.
type Envelope struct {
	Version   string
	MsgID     string
	DeviceID  string
	SessionID string
	Seq       int
	TS        int64
	Type      string
	Payload   map[string]any
}

// NowMS returns the current time in milliseconds since epoch, the same unit
// used throughout the envelope and every store timestamp column.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// Parse builds a canonical envelope from a loosely-typed mapping, e.g. one
// decoded from adapter-specific JSON. It accepts the alias keys documented
// in spec.md §4.1 and defaults malformed numeric fields instead of failing,
// only rejecting when device_id or type is empty.
func Parse(data map[string]any, defaultDeviceID, defaultSessionID string) (*Envelope, error) {
	version := firstString(data, "version", "v")
	if version == "" {
		version = DefaultVersion
	}
	msgID := firstString(data, "msg_id", "id")
	if msgID == "" {
		msgID = uuid.NewString()
	}
	deviceID := firstString(data, "device_id", "deviceId")
	if deviceID == "" {
		deviceID = defaultDeviceID
	}
	sessionID := firstString(data, "session_id", "sessionId")
	if sessionID == "" {
		sessionID = defaultSessionID
	}
	msgType := firstString(data, "type")

	if deviceID == "" {
		return nil, &InvalidEnvelope{Reason: "device_id is required"}
	}
	if msgType == "" {
		return nil, &InvalidEnvelope{Reason: "type is required"}
	}
	if sessionID == "" {
		sessionID = fmt.Sprintf("%s-%s", deviceID, uuid.NewString()[:8])
	}

	seq := toInt(data["seq"], 0)
	if seq < 0 {
		seq = 0
	}
	ts := toInt64(data["ts"], NowMS())
	if ts < 0 {
		ts = NowMS()
	}

	payload := wrapPayload(data["payload"])

	return &Envelope{
		Version:   version,
		MsgID:     msgID,
		DeviceID:  deviceID,
		SessionID: sessionID,
		Seq:       seq,
		TS:        ts,
		Type:      msgType,
		Payload:   payload,
	}, nil
}

// NewEvent builds an inbound event envelope directly, bypassing Parse's
// alias resolution — used by tests and the mock adapter's inject_event path.
func NewEvent(eventType EventType, deviceID, sessionID string, seq int, payload map[string]any) *Envelope {
	return &Envelope{
		Version:   DefaultVersion,
		MsgID:     uuid.NewString(),
		DeviceID:  deviceID,
		SessionID: sessionID,
		Seq:       maxInt(0, seq),
		TS:        NowMS(),
		Type:      string(eventType),
		Payload:   orEmpty(payload),
	}
}

// NewCommand builds an outbound command envelope.
func NewCommand(cmdType CommandType, deviceID, sessionID string, seq int, payload map[string]any) *Envelope {
	return &Envelope{
		Version:   DefaultVersion,
		MsgID:     uuid.NewString(),
		DeviceID:  deviceID,
		SessionID: sessionID,
		Seq:       maxInt(0, seq),
		TS:        NowMS(),
		Type:      string(cmdType),
		Payload:   orEmpty(payload),
	}
}

// ToMap serializes the envelope losslessly to a JSON-shaped map.
func (e *Envelope) ToMap() map[string]any {
	return map[string]any{
		"version":    e.Version,
		"msg_id":     e.MsgID,
		"device_id":  e.DeviceID,
		"session_id": e.SessionID,
		"seq":        e.Seq,
		"ts":         e.TS,
		"type":       e.Type,
		"payload":    e.Payload,
	}
}

// Equal reports structural equality between two envelopes.
func (e *Envelope) Equal(other *Envelope) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.Version != other.Version || e.MsgID != other.MsgID || e.DeviceID != other.DeviceID ||
		e.SessionID != other.SessionID || e.Seq != other.Seq || e.TS != other.TS || e.Type != other.Type {
		return false
	}
	if len(e.Payload) != len(other.Payload) {
		return false
	}
	for k, v := range e.Payload {
		if other.Payload[k] != v {
			return false
		}
	}
	return true
}

func wrapPayload(raw any) map[string]any {
	if raw == nil {
		return map[string]any{}
	}
	if m, ok := raw.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": raw}
}

func orEmpty(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	return payload
}

func firstString(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := data[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
			if v != nil {
				if s := fmt.Sprintf("%v", v); s != "" && s != "<nil>" {
					return s
				}
			}
		}
	}
	return ""
}

func toInt(v any, def int) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		var i int
		if _, err := fmt.Sscanf(t, "%d", &i); err == nil {
			return i
		}
	}
	return def
}

func toInt64(v any, def int64) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	case string:
		var i int64
		if _, err := fmt.Sscanf(t, "%d", &i); err == nil {
			return i
		}
	}
	return def
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
