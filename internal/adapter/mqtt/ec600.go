// Package mqtt implements the vendor MQTT southbound adapter (spec.md
// §4.2.1) on top of github.com/eclipse/paho.mqtt.golang: framed binary
// audio uplink, JSON control uplink/downlink, offline buffering with a
// replay window for resume-on-reconnect, and a periodic heartbeat
// publish.
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

// Options configures the vendor adapter (maps 1:1 to config.MQTTConfig).
type Options struct {
	Host, ClientID, Username, Password string
	Port                               int
	Keepalive                          int
	QoSControl, QoSAudio               byte
	ReconnectMinSeconds                int
	ReconnectMaxSeconds                int
	OfflineControlBuffer               int
	ControlReplayWindow                int
	ReplayEnabled                      bool
	HeartbeatTopic                     string
	HeartbeatIntervalSeconds           int
	UpControlTopic                     string // e.g. "device/+/control/up"
	UpAudioTopic                       string
	DownControlTopic                   string // e.g. "device/{device_id}/control/down"
	DownAudioTopic                     string
	AudioMagicByte                     byte
}

// Adapter is the EC600 vendor MQTT southbound transport.
type Adapter struct {
	opts   Options
	log    *logging.Logger
	client paho.Client
	events chan *envelope.Envelope
	bufs   *registry

	connected atomic.Bool
	heartbeat *time.Ticker
	stopHB    chan struct{}
}

// New builds a vendor MQTT adapter. Call Start to connect and subscribe.
func New(opts Options, log *logging.Logger) *Adapter {
	if log == nil {
		log = logging.New(false)
	}
	return &Adapter{
		opts:   opts,
		log:    log.Named("mqtt_adapter"),
		events: make(chan *envelope.Envelope, 1024),
		bufs:   newRegistry(opts.OfflineControlBuffer, opts.ControlReplayWindow),
		stopHB: make(chan struct{}),
	}
}

func (a *Adapter) Start(ctx context.Context) error {
	o := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", a.opts.Host, a.opts.Port)).
		SetClientID(a.opts.ClientID).
		SetKeepAlive(time.Duration(a.opts.Keepalive) * time.Second).
		SetAutoReconnect(true).
		SetConnectRetryInterval(time.Duration(a.opts.ReconnectMinSeconds) * time.Second).
		SetMaxReconnectInterval(time.Duration(a.opts.ReconnectMaxSeconds) * time.Second).
		SetOnConnectHandler(a.onConnect).
		SetConnectionLostHandler(a.onConnectionLost)
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

	if err := a.subscribe(); err != nil {
		return err
	}
	if a.opts.HeartbeatTopic != "" && a.opts.HeartbeatIntervalSeconds > 0 {
		a.startHeartbeat()
	}
	return nil
}

func (a *Adapter) subscribe() error {
	if token := a.client.Subscribe(a.opts.UpControlTopic, a.opts.QoSControl, a.onControlMessage); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if token := a.client.Subscribe(a.opts.UpAudioTopic, a.opts.QoSAudio, a.onAudioMessage); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.stopHeartbeat()
	if a.client != nil && a.client.IsConnected() {
		a.client.Disconnect(250)
	}
	close(a.events)
	return nil
}

func (a *Adapter) Events() <-chan *envelope.Envelope {
	return a.events
}

func (a *Adapter) InjectEvent(env *envelope.Envelope) {
	select {
	case a.events <- env:
	default:
	}
}

// onConnect fires on both initial connect and every automatic reconnect.
// Per spec.md §4.2.1, a bare reconnect (no last_recv_seq known yet) only
// flushes the pending buffer — replay happens later, driven by the
// device's own hello{last_recv_seq}.
func (a *Adapter) onConnect(client paho.Client) {
	a.connected.Store(true)
	a.log.Infow("mqtt connected")
	a.bufs.mu.Lock()
	deviceIDs := make([]string, 0, len(a.bufs.byDevice))
	for id := range a.bufs.byDevice {
		deviceIDs = append(deviceIDs, id)
	}
	a.bufs.mu.Unlock()
	for _, id := range deviceIDs {
		a.flushPending(id)
	}
}

// onConnectionLost accepts the single-arity signature paho.mqtt.golang
// exposes; the Python source's two-arity compatibility shim (old vs.
// MQTT5-era paho-mqtt) has no equivalent split in this client library.
func (a *Adapter) onConnectionLost(client paho.Client, err error) {
	a.connected.Store(false)
	a.log.Warnw("mqtt connection lost", "error", err)
}

func (a *Adapter) onControlMessage(client paho.Client, msg paho.Message) {
	deviceID := extractDeviceID(a.opts.UpControlTopic, msg.Topic())
	var data map[string]any
	if err := json.Unmarshal(msg.Payload(), &data); err != nil {
		adapter.EmitError(a.events, deviceID, "", "invalid control json")
		return
	}
	env, err := envelope.Parse(data, deviceID, "")
	if err != nil {
		adapter.EmitError(a.events, deviceID, "", err.Error())
		return
	}
	if env.Type == string(envelope.EventHello) {
		a.handleHelloResume(env)
	}
	a.InjectEvent(env)
}

func (a *Adapter) onAudioMessage(client paho.Client, msg paho.Message) {
	deviceID := extractDeviceID(a.opts.UpAudioTopic, msg.Topic())
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

// handleHelloResume implements the replay-then-flush sequence on
// hello{last_recv_seq}.
func (a *Adapter) handleHelloResume(env *envelope.Envelope) {
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
			return // preserve order: stop replay on first failure
		}
	}
	a.flushPending(env.DeviceID)
}

// SendCommand renders the outbound command to its topic. JSON control
// commands are buffered when offline; tts_chunk audio is re-framed and
// published directly (no offline buffering for audio).
func (a *Adapter) SendCommand(ctx context.Context, cmd *envelope.Envelope) error {
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

// publishControlRaw publishes a rendered control payload and reports
// success. On failure it re-enqueues the command at the head of the
// pending buffer, per spec.md's "abort further flushing to preserve
// order" rule.
func (a *Adapter) publishControlRaw(deviceID string, payload map[string]any) bool {
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

// flushPending drains and republishes the pending buffer in FIFO order,
// stopping at the first failure (which re-enqueues at the head).
func (a *Adapter) flushPending(deviceID string) {
	buf := a.bufs.get(deviceID)
	pending := buf.drainPending()
	for i, payload := range pending {
		if !a.publishControlRaw(deviceID, payload) {
			// re-enqueue the remainder after the failed (already
			// re-enqueued) entry to preserve order.
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

func (a *Adapter) startHeartbeat() {
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

func (a *Adapter) stopHeartbeat() {
	if a.heartbeat != nil {
		a.heartbeat.Stop()
		close(a.stopHB)
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}
