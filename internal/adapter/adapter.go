// Package adapter defines the southbound transport contract (C2) shared by
// every device-facing adapter: MQTT (vendor + profile-driven), WebSocket,
// and the mock test/debug adapter.
package adapter

import (
	"context"

	"github.com/opencane/gateway/internal/envelope"
)

// Adapter is the uniform surface the runtime orchestrator drives. Every
// transport-specific adapter (mock, websocket, mqtt/ec600, mqtt/generic)
// implements it identically so the orchestrator never branches on
// transport kind.
type Adapter interface {
	// Start begins accepting connections / subscribing / listening.
	Start(ctx context.Context) error
	// Stop releases transport resources. Safe to call after Start failed.
	Stop(ctx context.Context) error
	// Events returns the channel of inbound envelopes. Closed when the
	// adapter stops.
	Events() <-chan *envelope.Envelope
	// SendCommand delivers an outbound command to the device identified by
	// cmd.DeviceID (and, where the transport supports per-session
	// delivery, cmd.SessionID). Returns an error if the device is
	// unreachable; callers must not treat this as fatal for the session.
	SendCommand(ctx context.Context, cmd *envelope.Envelope) error
}

// Injectable is implemented by adapters that support synthetic event
// injection for tests and the debug HTTP endpoint (POST /v1/device/event).
type Injectable interface {
	InjectEvent(env *envelope.Envelope)
}

// EmitError is the canonical way every adapter reports an unparseable
// frame: an `error` inbound event carrying {"error": reason} in the
// target session, never a propagated exception (spec.md §7).
func EmitError(ch chan<- *envelope.Envelope, deviceID, sessionID, reason string) {
	env := envelope.NewEvent(envelope.EventError, deviceID, sessionID, -1, map[string]any{
		"error": reason,
	})
	select {
	case ch <- env:
	default:
	}
}
