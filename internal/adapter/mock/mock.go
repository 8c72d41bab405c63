// Package mock implements the programmable test/debug adapter (spec.md
// §4.2.4): a queue of injected envelopes plus raw-control and raw-audio
// ingestion helpers, used by tests and the debug POST /v1/device/event
// control-plane endpoint.
package mock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/opencane/gateway/internal/adapter"
	"github.com/opencane/gateway/internal/adapter/audioframe"
	"github.com/opencane/gateway/internal/envelope"
)

// Sent records one command delivered via SendCommand, for test assertions.
type Sent struct {
	DeviceID string
	Command  *envelope.Envelope
}

// Adapter is a fully in-memory adapter: no network I/O, everything is
// driven by direct calls from tests or the debug endpoint.
type Adapter struct {
	mu      sync.Mutex
	events  chan *envelope.Envelope
	sent    []Sent
	magic   byte
	started bool
}

// New builds a mock adapter. magic configures the audio frame magic byte
// used by IngestAudioPacket, matching whatever the deployment's MQTT/WS
// adapters use so tests exercise the same framing.
func New(magic byte) *Adapter {
	return &Adapter{
		events: make(chan *envelope.Envelope, 256),
		magic:  magic,
	}
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		close(a.events)
		a.started = false
	}
	return nil
}

func (a *Adapter) Events() <-chan *envelope.Envelope {
	return a.events
}

// SendCommand records the command instead of delivering it anywhere.
func (a *Adapter) SendCommand(ctx context.Context, cmd *envelope.Envelope) error {
	a.mu.Lock()
	a.sent = append(a.sent, Sent{DeviceID: cmd.DeviceID, Command: cmd})
	a.mu.Unlock()
	return nil
}

// InjectEvent pushes a pre-built envelope straight onto the event channel.
func (a *Adapter) InjectEvent(env *envelope.Envelope) {
	select {
	case a.events <- env:
	default:
	}
}

// Sent returns every command delivered so far, in order.
func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Sent, len(a.sent))
	copy(out, a.sent)
	return out
}

// IngestControl parses raw JSON control bytes into a canonical envelope
// and injects it, mirroring what a real transport's JSON path would do.
func (a *Adapter) IngestControl(raw []byte, defaultDeviceID, defaultSessionID string) (*envelope.Envelope, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	env, err := envelope.Parse(data, defaultDeviceID, defaultSessionID)
	if err != nil {
		return nil, err
	}
	a.InjectEvent(env)
	return env, nil
}

// IngestAudioPacket decodes a framed binary audio packet and injects it as
// an audio_chunk event carrying base64 audio plus the frame's seq/ts.
func (a *Adapter) IngestAudioPacket(packet []byte, deviceID, sessionID string) (*envelope.Envelope, error) {
	frame, err := audioframe.Decode(a.magic, packet)
	if err != nil {
		adapter.EmitError(a.events, deviceID, sessionID, err.Error())
		return nil, err
	}
	env := envelope.NewEvent(envelope.EventAudioChunk, deviceID, sessionID, int(frame.Seq), map[string]any{
		"audio_b64": base64.StdEncoding.EncodeToString(frame.Body),
		"seq":       int(frame.Seq),
		"ts":        int64(frame.TS),
	})
	a.InjectEvent(env)
	return env, nil
}
