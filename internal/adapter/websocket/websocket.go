// Package websocket implements the WebSocket southbound adapter (spec.md
// §4.2.3): connection acceptance keyed by device_id/session_id/token query
// params, text-frame envelopes, binary-frame framed or raw audio, and
// outbound delivery that prefers a session-specific socket over the
// device's latest.
package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/opencane/gateway/internal/adapter"
	"github.com/opencane/gateway/internal/adapter/audioframe"
	"github.com/opencane/gateway/internal/envelope"
	"github.com/opencane/gateway/internal/logging"
)

// Options configures the adapter.
type Options struct {
	ListenAddr   string
	RequireToken bool
	Token        string
	AudioMagic   byte
}

type deviceSessionKey struct {
	deviceID  string
	sessionID string
}

// Adapter is the WebSocket southbound transport.
type Adapter struct {
	opts   Options
	log    *logging.Logger
	events chan *envelope.Envelope

	mu        sync.Mutex
	byDevice  map[string]*websocket.Conn
	bySession map[deviceSessionKey]*websocket.Conn
	upgrader  websocket.Upgrader
	server    *http.Server
}

// New builds a WebSocket adapter. log may be nil.
func New(opts Options, log *logging.Logger) *Adapter {
	if log == nil {
		log = logging.New(false)
	}
	return &Adapter{
		opts:      opts,
		log:       log.Named("ws_adapter"),
		events:    make(chan *envelope.Envelope, 1024),
		byDevice:  make(map[string]*websocket.Conn),
		bySession: make(map[deviceSessionKey]*websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (a *Adapter) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", a.handleUpgrade)
	a.server = &http.Server{Addr: a.opts.ListenAddr, Handler: mux}
	ln := a.server
	go func() {
		if err := ln.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Errorf("websocket listen: %v", err)
		}
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	for _, c := range a.bySession {
		_ = c.Close()
	}
	a.byDevice = make(map[string]*websocket.Conn)
	a.bySession = make(map[deviceSessionKey]*websocket.Conn)
	a.mu.Unlock()
	close(a.events)
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
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

func (a *Adapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := q.Get("device_id")
	sessionID := q.Get("session_id")
	token := q.Get("token")
	if deviceID == "" {
		http.Error(w, "device_id required", http.StatusBadRequest)
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Errorf("upgrade failed: %v", err)
		return
	}
	if a.opts.RequireToken && token != a.opts.Token {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"), nil)
		_ = conn.Close()
		return
	}

	key := deviceSessionKey{deviceID, sessionID}
	a.mu.Lock()
	a.byDevice[deviceID] = conn
	if sessionID != "" {
		a.bySession[key] = conn
	}
	a.mu.Unlock()

	go a.readLoop(conn, deviceID, sessionID, key)
}

func (a *Adapter) readLoop(conn *websocket.Conn, deviceID, sessionID string, key deviceSessionKey) {
	defer a.cleanupConn(conn, deviceID, key)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			a.handleText(data, deviceID, sessionID)
		case websocket.BinaryMessage:
			a.handleBinary(data, deviceID, sessionID)
		}
	}
}

func (a *Adapter) cleanupConn(conn *websocket.Conn, deviceID string, key deviceSessionKey) {
	a.mu.Lock()
	if current, ok := a.byDevice[deviceID]; ok && current == conn {
		delete(a.byDevice, deviceID)
	}
	if current, ok := a.bySession[key]; ok && current == conn {
		delete(a.bySession, key)
	}
	a.mu.Unlock()
	_ = conn.Close()
}

func (a *Adapter) handleText(data []byte, deviceID, sessionID string) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		adapter.EmitError(a.events, deviceID, sessionID, "invalid json envelope")
		return
	}
	env, err := envelope.Parse(raw, deviceID, sessionID)
	if err != nil {
		adapter.EmitError(a.events, deviceID, sessionID, err.Error())
		return
	}
	a.InjectEvent(env)
}

func (a *Adapter) handleBinary(data []byte, deviceID, sessionID string) {
	if frame, err := audioframe.Decode(a.opts.AudioMagic, data); err == nil {
		env := envelope.NewEvent(envelope.EventAudioChunk, deviceID, sessionID, int(frame.Seq), map[string]any{
			"audio_b64": base64.StdEncoding.EncodeToString(frame.Body),
			"seq":       int(frame.Seq),
			"ts":        int64(frame.TS),
		})
		a.InjectEvent(env)
		return
	}
	// Not a framed packet: treat as raw opaque audio.
	env := envelope.NewEvent(envelope.EventAudioChunk, deviceID, sessionID, -1, map[string]any{
		"encoding":  "binary",
		"audio_b64": base64.StdEncoding.EncodeToString(data),
	})
	a.InjectEvent(env)
}

// SendCommand picks the session-specific socket first, the device's latest
// socket second.
func (a *Adapter) SendCommand(ctx context.Context, cmd *envelope.Envelope) error {
	a.mu.Lock()
	conn, ok := a.bySession[deviceSessionKey{cmd.DeviceID, cmd.SessionID}]
	if !ok {
		conn, ok = a.byDevice[cmd.DeviceID]
	}
	a.mu.Unlock()
	if !ok || conn == nil {
		return errNoSocket(cmd.DeviceID)
	}

	if cmd.Type == "tts_chunk" {
		if b64, isStr := cmd.Payload["audio_b64"].(string); isStr && b64 != "" {
			raw, err := base64.StdEncoding.DecodeString(b64)
			if err == nil {
				framed := audioframe.Encode(a.opts.AudioMagic, uint32(cmd.Seq), uint32(cmd.TS), raw)
				return conn.WriteMessage(websocket.BinaryMessage, framed)
			}
		}
	}
	return conn.WriteJSON(cmd.ToMap())
}

type socketError struct{ deviceID string }

func (e *socketError) Error() string { return "no socket registered for device " + e.deviceID }

func errNoSocket(deviceID string) error { return &socketError{deviceID: deviceID} }
