package mqtt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/opencane/gateway/internal/adapter"
	"github.com/opencane/gateway/internal/adapter/audioframe"
	"github.com/opencane/gateway/internal/envelope"
	"github.com/opencane/gateway/internal/logging"
)

// AudioUplinkMode selects how the generic adapter decodes binary audio.
type AudioUplinkMode string

const (
	AudioUplinkFramed  AudioUplinkMode = "framed"
	AudioUplinkJSONB64 AudioUplinkMode = "json_b64"
)

// GenericOptions configures the profile-driven adapter; shares the same
// transport knobs as Options plus a Profile and an audio uplink mode.
type GenericOptions struct {
	Options
	Profile         Profile
	AudioUplinkMode AudioUplinkMode
}

// GenericAdapter is the profile-driven MQTT southbound transport: same
// offline/resume state machine as Adapter, but every field name and event
// type is resolved through a device Profile (spec.md §4.2.2).
type GenericAdapter struct {
	opts   GenericOptions
	log    *logging.Logger
	client paho.Client
	events chan *envelope.Envelope
	bufs   *registry

	connected atomic.Bool
	heartbeat *time.Ticker
	stopHB    chan struct{}
}

func NewGeneric(opts GenericOptions, log *logging.Logger) *GenericAdapter {
	if log == nil {
		log = logging.New(false)
	}
	return &GenericAdapter{
		opts:   opts,
		log:    log.Named("mqtt_generic_adapter"),
		events: make(chan *envelope.Envelope, 1024),
		bufs:   newRegistry(opts.OfflineControlBuffer, opts.ControlReplayWindow),
		stopHB: make(chan struct{}),
	}
}

func (a *GenericAdapter) Start(ctx context.Context) error {
	o := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", a.opts.Host, a.opts.Port)).
		SetClientID(a.opts.ClientID).
		SetKeepAlive(time.Duration(a.opts.Keepalive) * time.Second).
		SetAutoReconnect(true).
		SetConnectRetryInterval(time.Duration(a.opts.ReconnectMinSeconds) * time.Second).
		SetMaxReconnectInterval(time.Duration(a.opts.ReconnectMaxSeconds) * time.Second).
		SetOnConnectHandler(func(paho.Client) {
			a.connected.Store(true)
			a.bufs.mu.Lock()
			deviceIDs := make([]string, 0, len(a.bufs.byDevice))
			for id := range a.bufs.byDevice {
				deviceIDs = append(deviceIDs, id)
			}
			a.bufs.mu.Unlock()
			for _, id := range deviceIDs {
				a.flushPending(id)
			}
		}).
		SetConnectionLostHandler(func(c paho.Client, err error) {
			a.connected.Store(false)
			a.log.Warnw("mqtt connection lost", "error", err)
		})
	if a.opts.Username != "" {
		o.SetUsername(a.opts.Username)
		o.SetPassword(a.opts.Password)
	}

	a.client = paho.NewClient(o)
	token := a.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timed out")
	}
	if token.Error() != nil {
		return token.Error()
	}

	if token := a.client.Subscribe(a.opts.UpControlTopic, a.opts.QoSControl, a.onControlMessage); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if token := a.client.Subscribe(a.opts.UpAudioTopic, a.opts.QoSAudio, a.onAudioMessage); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if a.opts.HeartbeatTopic != "" && a.opts.HeartbeatIntervalSeconds > 0 {
		a.startHeartbeat()
	}
	return nil
}

func (a *GenericAdapter) Stop(ctx context.Context) error {
	if a.heartbeat != nil {
		a.heartbeat.Stop()
		close(a.stopHB)
	}
	if a.client != nil && a.client.IsConnected() {
		a.client.Disconnect(250)
	}
	close(a.events)
	return nil
}

func (a *GenericAdapter) Events() <-chan *envelope.Envelope { return a.events }

func (a *GenericAdapter) InjectEvent(env *envelope.Envelope) {
	select {
	case a.events <- env:
	default:
	}
}

// onControlMessage resolves every canonical field through the profile's
// alias tables before handing the result to envelope.Parse.
func (a *GenericAdapter) onControlMessage(client paho.Client, msg paho.Message) {
	var raw map[string]any
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		deviceID := extractDeviceID(a.opts.UpControlTopic, msg.Topic())
		adapter.EmitError(a.events, deviceID, "", "invalid control json")
		return
	}

	canonical := a.canonicalizeEnvelope(raw)
	deviceID, _ := canonical["device_id"].(string)
	if deviceID == "" {
		deviceID = extractDeviceID(a.opts.UpControlTopic, msg.Topic())
		canonical["device_id"] = deviceID
	}

	env, err := envelope.Parse(canonical, deviceID, "")
	if err != nil {
		adapter.EmitError(a.events, deviceID, "", err.Error())
		return
	}
	if env.Type == string(envelope.EventHello) {
		a.handleHelloResume(env)
	}
	a.InjectEvent(env)
}

// canonicalizeEnvelope rewrites a vendor-shaped JSON object into canonical
// field names, normalizing the event type and the payload field names.
func (a *GenericAdapter) canonicalizeEnvelope(raw map[string]any) map[string]any {
	p := a.opts.Profile
	out := map[string]any{}
	for _, field := range []string{"device_id", "session_id", "seq", "ts", "msg_id", "version"} {
		if v, ok := p.resolveField(raw, field); ok {
			out[field] = v
		}
	}
	if v, ok := p.resolveField(raw, "type"); ok {
		if s, isStr := v.(string); isStr {
			out["type"] = p.normalizeEventType(s)
		} else {
			out["type"] = v
		}
	}
	if v, ok := p.resolveField(raw, "payload"); ok {
		if m, isMap := v.(map[string]any); isMap {
			out["payload"] = a.canonicalizePayload(m)
		} else {
			out["payload"] = v
		}
	} else {
		out["payload"] = a.canonicalizePayload(raw)
	}
	return out
}

func (a *GenericAdapter) canonicalizePayload(raw map[string]any) map[string]any {
	p := a.opts.Profile
	if len(p.PayloadFieldAliases) == 0 {
		return raw
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	for canonical := range p.PayloadFieldAliases {
		if v, ok := p.resolvePayloadField(raw, canonical); ok {
			out[canonical] = v
		}
	}
	return out
}

func (a *GenericAdapter) onAudioMessage(client paho.Client, msg paho.Message) {
	deviceID := extractDeviceID(a.opts.UpAudioTopic, msg.Topic())

	if a.opts.AudioUplinkMode == AudioUplinkJSONB64 {
		var raw map[string]any
		if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
			adapter.EmitError(a.events, deviceID, "", "invalid audio packet")
			return
		}
		payload := a.canonicalizePayload(raw)
		if _, ok := payload["audio_b64"]; !ok {
			adapter.EmitError(a.events, deviceID, "", "invalid audio packet")
			return
		}
		seq := toInt(payload["seq"])
		env := envelope.NewEvent(envelope.EventAudioChunk, deviceID, "", seq, payload)
		a.InjectEvent(env)
		return
	}

	frame, err := audioframe.Decode(a.opts.AudioMagicByte, msg.Payload())
	if err != nil {
		adapter.EmitError(a.events, deviceID, "", err.Error())
		return
	}
	env := envelope.NewEvent(envelope.EventAudioChunk, deviceID, "", int(frame.Seq), map[string]any{
		"audio_b64": base64.StdEncoding.EncodeToString(frame.Body),
		"seq":       int(frame.Seq),
		"ts":        int64(frame.TS),
	})
	a.InjectEvent(env)
}

func (a *GenericAdapter) handleHelloResume(env *envelope.Envelope) {
	if !a.opts.ReplayEnabled {
		return
	}
	lastRecvSeq, ok := env.Payload["last_recv_seq"]
	if !ok {
		return
	}
	k := toInt(lastRecvSeq)
	buf := a.bufs.get(env.DeviceID)
	for _, entry := range buf.since(k) {
		if !a.publishControlRaw(env.DeviceID, entry.command) {
			return
		}
	}
	a.flushPending(env.DeviceID)
}

// SendCommand remaps the canonical command through the profile's downlink
// key/command-type aliases before publishing.
func (a *GenericAdapter) SendCommand(ctx context.Context, cmd *envelope.Envelope) error {
	if cmd.Type == string(envelope.CommandTTSChunk) {
		if b64, isStr := cmd.Payload["audio_b64"].(string); isStr && b64 != "" {
			raw, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return err
			}
			framed := audioframe.Encode(a.opts.AudioMagicByte, uint32(cmd.Seq), uint32(cmd.TS), raw)
			topic := renderTopic(a.opts.DownAudioTopic, cmd.DeviceID)
			token := a.client.Publish(topic, a.opts.QoSAudio, false, framed)
			token.Wait()
			return token.Error()
		}
	}

	payload := cmd.ToMap()
	payload["type"] = a.opts.Profile.remapDownlinkCommandType(cmd.Type)
	payload = a.opts.Profile.remapDownlinkEnvelope(payload)

	if !a.connected.Load() || a.client == nil || !a.client.IsConnected() {
		a.bufs.get(cmd.DeviceID).pushPending(payload)
		return nil
	}
	if !a.publishControlRaw(cmd.DeviceID, payload) {
		return fmt.Errorf("mqtt publish failed for device %s", cmd.DeviceID)
	}
	a.bufs.get(cmd.DeviceID).pushReplay(replayEntry{seq: cmd.Seq, command: payload})
	return nil
}

func (a *GenericAdapter) publishControlRaw(deviceID string, payload map[string]any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	topic := renderTopic(a.opts.DownControlTopic, deviceID)
	token := a.client.Publish(topic, a.opts.QoSControl, false, raw)
	token.Wait()
	if token.Error() != nil {
		a.bufs.get(deviceID).pushPendingFront(payload)
		return false
	}
	return true
}

func (a *GenericAdapter) flushPending(deviceID string) {
	buf := a.bufs.get(deviceID)
	pending := buf.drainPending()
	for i, payload := range pending {
		if !a.publishControlRaw(deviceID, payload) {
			requeued := buf.drainPending()
			n := min(1, len(requeued))
			ordered := append(append(requeued[:n:n], pending[i+1:]...), requeued[n:]...)
			for j := len(ordered) - 1; j >= 0; j-- {
				buf.pushPendingFront(ordered[j])
			}
			return
		}
	}
}

func (a *GenericAdapter) startHeartbeat() {
	a.heartbeat = time.NewTicker(time.Duration(a.opts.HeartbeatIntervalSeconds) * time.Second)
	go func() {
		for {
			select {
			case <-a.stopHB:
				return
			case <-a.heartbeat.C:
				if a.connected.Load() {
					body, _ := json.Marshal(map[string]any{
						"source":    "gateway",
						"ts":        envelope.NowMS(),
						"connected": true,
					})
					a.client.Publish(a.opts.HeartbeatTopic, a.opts.QoSControl, false, body)
				}
			}
		}
	}()
}
