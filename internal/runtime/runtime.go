// Package runtime implements the device runtime orchestrator (C5): the
// main event loop that binds the southbound adapter, the session manager,
// the audio pipeline, the safety/interaction policies, the digital-task
// service, and the external agent/vision/TTS collaborators.
package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/opencane/gateway/internal/adapter"
	"github.com/opencane/gateway/internal/agent"
	"github.com/opencane/gateway/internal/audio"
	"github.com/opencane/gateway/internal/digitaltask"
	"github.com/opencane/gateway/internal/envelope"
	"github.com/opencane/gateway/internal/logging"
	"github.com/opencane/gateway/internal/policy"
	"github.com/opencane/gateway/internal/session"
	"github.com/opencane/gateway/internal/store"
)

// Config is the orchestrator's behavioural configuration, derived from
// config.Settings.Hardware/Safety/Interaction at wiring time.
type Config struct {
	TTSMode                 string // "device_text" | "server_audio"
	DeviceAuthEnabled       bool
	AllowUnboundDevices     bool
	RequireActivatedDevices bool
	NoHeartbeatTimeoutS     int

	TTSStartPreviewChars int
	TTSTextChunkChars    int
	TTSAudioChunkBytes   int

	TranscriptPreviewChars int

	DigitalTaskIntentKeywords []string
	DigitalTaskNotify         bool
	DigitalTaskSpeak          bool

	STTPartialMinIntervalMs      int64
	STTPartialMinGrowthChars     int
	STTPartialMinGrowthIntervalMs int64

	// PolicyCacheTTLS bounds how long a fetched device tool policy is
	// reused before ResolveToolPolicy refreshes it; zero uses
	// agent.NewCachedPolicyClient's own default.
	PolicyCacheTTLS int
}

// heartbeatCloseConcurrency bounds how many stale-session closes a single
// watchdog tick runs at once.
const heartbeatCloseConcurrency = 8

func defaultConfig(c Config) Config {
	if c.TTSMode == "" {
		c.TTSMode = "device_text"
	}
	if c.TTSStartPreviewChars <= 0 {
		c.TTSStartPreviewChars = 80
	}
	if c.TTSTextChunkChars <= 0 {
		c.TTSTextChunkChars = 220
	}
	if c.TTSAudioChunkBytes <= 0 {
		c.TTSAudioChunkBytes = 4096
	}
	if c.TranscriptPreviewChars <= 0 {
		c.TranscriptPreviewChars = 200
	}
	if c.NoHeartbeatTimeoutS <= 0 {
		c.NoHeartbeatTimeoutS = 60
	}
	if c.STTPartialMinIntervalMs <= 0 {
		c.STTPartialMinIntervalMs = 1000
	}
	if c.STTPartialMinGrowthChars <= 0 {
		c.STTPartialMinGrowthChars = 3
	}
	if c.STTPartialMinGrowthIntervalMs <= 0 {
		c.STTPartialMinGrowthIntervalMs = 250
	}
	if len(c.DigitalTaskIntentKeywords) == 0 {
		c.DigitalTaskIntentKeywords = []string{
			"帮我", "去做", "执行任务", "help me", "please do", "execute task",
		}
	}
	return c
}

// Metrics is the orchestrator's in-memory counter set, sampled by the
// observability control-plane endpoint.
type Metrics struct {
	EventsProcessed   int64
	EventsDropped     int64
	AuthDenied        int64
	DuplicateDropped  int64
	VoiceTurns        int64
	VoiceErrors       int64
	SafetyDowngrades  int64
	TaskRouted        int64
}

func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		EventsProcessed:  atomic.LoadInt64(&m.EventsProcessed),
		EventsDropped:    atomic.LoadInt64(&m.EventsDropped),
		AuthDenied:       atomic.LoadInt64(&m.AuthDenied),
		DuplicateDropped: atomic.LoadInt64(&m.DuplicateDropped),
		VoiceTurns:       atomic.LoadInt64(&m.VoiceTurns),
		VoiceErrors:      atomic.LoadInt64(&m.VoiceErrors),
		SafetyDowngrades: atomic.LoadInt64(&m.SafetyDowngrades),
		TaskRouted:       atomic.LoadInt64(&m.TaskRouted),
	}
}

// Orchestrator is the device runtime's central event loop.
type Orchestrator struct {
	cfg Config

	adapter adapter.Adapter
	tasks   *digitaltask.Service
	lifelog *store.LifelogDB

	sessions *session.Manager
	audio    *audio.Pipeline
	safety   policy.SafetyPolicy
	interact policy.InteractionPolicy

	agentConv    agent.Conversational
	vision       agent.VisionAnalyzer
	synth        agent.Synthesizer
	policyClient agent.PolicyClient

	log     *logging.Logger
	metrics Metrics

	sttMu    sync.Mutex
	sttState map[sttKey]sttRecord

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

type sttKey struct {
	deviceID  string
	sessionID string
}

type sttRecord struct {
	text string
	atMs int64
}

// Deps bundles the orchestrator's collaborators, all optional except
// Adapter, Sessions, and Audio.
type Deps struct {
	Adapter      adapter.Adapter
	Sessions     *session.Manager
	Audio        *audio.Pipeline
	Tasks        *digitaltask.Service
	Lifelog      *store.LifelogDB
	Safety       policy.SafetyPolicy
	Interaction  policy.InteractionPolicy
	Agent        agent.Conversational
	Vision       agent.VisionAnalyzer
	Synthesizer  agent.Synthesizer
	PolicyClient agent.PolicyClient
	Log          *logging.Logger
}

// New builds an orchestrator. It does not start the event loop; call Run.
// A non-nil PolicyClient is wrapped in a TTL cache with stale-cache fallback
// (SPEC_FULL.md's control-plane client/refresh supplemented feature) so a
// slow or flaky remote policy service never blocks or flaps tool
// resolution for every turn.
func New(cfg Config, deps Deps) *Orchestrator {
	log := deps.Log
	if log == nil {
		log = logging.New(false)
	}
	policyClient := deps.PolicyClient
	if policyClient != nil {
		policyClient = agent.NewCachedPolicyClient(policyClient, time.Duration(cfg.PolicyCacheTTLS)*time.Second)
	}
	return &Orchestrator{
		cfg:          defaultConfig(cfg),
		adapter:      deps.Adapter,
		tasks:        deps.Tasks,
		lifelog:      deps.Lifelog,
		sessions:     deps.Sessions,
		audio:        deps.Audio,
		safety:       deps.Safety,
		interact:     deps.Interaction,
		agentConv:    deps.Agent,
		vision:       deps.Vision,
		synth:        deps.Synthesizer,
		policyClient: policyClient,
		log:          log.Named("runtime"),
		sttState:     make(map[sttKey]sttRecord),
	}
}

// Run starts the adapter, the main event loop, and the watchdog. It blocks
// until ctx is cancelled or the adapter's event channel closes.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.runCtx = runCtx
	o.runCancel = cancel

	if err := o.adapter.Start(runCtx); err != nil {
		cancel()
		return err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.watchdogLoop(runCtx)
	}()

	for {
		select {
		case <-runCtx.Done():
			return nil
		case env, ok := <-o.adapter.Events():
			if !ok {
				return nil
			}
			o.handleEnvelope(runCtx, env)
		}
	}
}

// Shutdown closes every non-closed session, stops the adapter, and cancels
// the event loop and watchdog (spec.md §4.5 "Shutdown").
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.sessions != nil {
		for _, snap := range o.sessions.AllStatus() {
			if snap.State != session.StateClosed {
				o.sessions.Close(ctx, snap.DeviceID, snap.SessionID, "shutdown")
			}
		}
	}
	if o.runCancel != nil {
		o.runCancel()
	}
	o.wg.Wait()
	return o.adapter.Stop(ctx)
}

// AbortDevice resets the latest session's audio capture, moves it to
// ready, and sends a tts_stop — the handler behind POST
// /v1/device/{id}/abort.
func (o *Orchestrator) AbortDevice(ctx context.Context, deviceID, reason string) bool {
	sess := o.sessions.GetLatest(deviceID)
	if sess == nil {
		return false
	}
	snap, ok := o.sessions.SnapshotOf(deviceID, sess.SessionID)
	if !ok {
		return false
	}
	o.audio.ResetCapture(deviceID, snap.SessionID)
	o.sessions.UpdateState(ctx, deviceID, snap.SessionID, session.StateReady)
	o.sendTTSStop(ctx, deviceID, snap.SessionID, true, reason)
	return true
}

// DeviceStatus returns the latest tracked session snapshot for deviceID.
func (o *Orchestrator) DeviceStatus(deviceID string) (session.Snapshot, bool) {
	return o.sessions.Status(deviceID)
}

// AllDeviceStatus returns every tracked session snapshot.
func (o *Orchestrator) AllDeviceStatus() []session.Snapshot {
	return o.sessions.AllStatus()
}

// InjectEvent feeds a synthetic envelope into the orchestrator, used by
// POST /v1/device/event. Returns false if the adapter doesn't support
// injection.
func (o *Orchestrator) InjectEvent(env *envelope.Envelope) bool {
	injectable, ok := o.adapter.(adapter.Injectable)
	if !ok {
		return false
	}
	injectable.InjectEvent(env)
	return true
}

// MetricsSnapshot returns a copy of the orchestrator's running counters.
func (o *Orchestrator) MetricsSnapshot() Metrics {
	return o.metrics.Snapshot()
}

// AnalyzeVision runs a payload through the configured VLM collaborator
// outside of the device event loop, for the control plane's synchronous
// POST /v1/vision/analyze.
func (o *Orchestrator) AnalyzeVision(ctx context.Context, deviceID, sessionID string, payload map[string]any) (string, error) {
	if o.vision == nil {
		return "", errors.New("vision analyzer not configured")
	}
	snap, _ := o.sessions.SnapshotOf(deviceID, sessionID)
	rc := agent.RuntimeContext{DeviceID: deviceID, SessionID: sessionID, State: string(snap.State), Telemetry: snap.Telemetry}
	return o.vision.AnalyzePayload(ctx, payload, rc)
}

// DispatchCommand sends a pre-built command envelope through the adapter,
// for control-plane device-ops dispatch (set_config/tool_call/ota_plan).
func (o *Orchestrator) DispatchCommand(ctx context.Context, cmd *envelope.Envelope) error {
	return o.sendCommand(ctx, cmd)
}

// NextOutboundSeq allocates the next outbound sequence number for a
// session, for callers outside the event loop (the control plane).
func (o *Orchestrator) NextOutboundSeq(ctx context.Context, deviceID, sessionID string) int {
	return o.sessions.NextOutboundSeq(ctx, deviceID, sessionID)
}

// LogEvent records a lifelog event on behalf of the control plane.
func (o *Orchestrator) LogEvent(ctx context.Context, deviceID, sessionID, eventType, riskLevel string, payload map[string]any) {
	o.logEvent(ctx, deviceID, sessionID, eventType, riskLevel, payload)
}

func (o *Orchestrator) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.checkHeartbeats(ctx)
		}
	}
}

// checkHeartbeats closes every stale session. Each close is independent
// (its own adapter SendCommand and lifelog write), so a watchdog tick
// touching many devices fans them out through a bounded, supervised pool
// instead of serializing one slow adapter call behind another.
func (o *Orchestrator) checkHeartbeats(ctx context.Context) {
	cutoff := envelope.NowMS() - int64(o.cfg.NoHeartbeatTimeoutS)*1000
	stale := o.sessions.StaleSince(cutoff)
	if len(stale) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(heartbeatCloseConcurrency)
	for _, snap := range stale {
		snap := snap
		p.Go(func() { o.closeStaleSession(ctx, snap) })
	}
	p.Wait()
}

func (o *Orchestrator) closeStaleSession(ctx context.Context, snap session.Snapshot) {
	o.sessions.Close(ctx, snap.DeviceID, snap.SessionID, "heartbeat_timeout")
	_ = o.sendCommand(ctx, envelope.NewCommand(envelope.CommandClose, snap.DeviceID, snap.SessionID,
		o.sessions.NextOutboundSeq(ctx, snap.DeviceID, snap.SessionID),
		map[string]any{"reason": "heartbeat_timeout"}))
	o.logEvent(ctx, snap.DeviceID, snap.SessionID, "session_closed", "P2", map[string]any{"reason": "heartbeat_timeout"})
}

func (o *Orchestrator) sendCommand(ctx context.Context, cmd *envelope.Envelope) error {
	return o.adapter.SendCommand(ctx, cmd)
}

func (o *Orchestrator) logEvent(ctx context.Context, deviceID, sessionID, eventType, riskLevel string, payload map[string]any) {
	if o.lifelog == nil {
		return
	}
	_ = o.lifelog.AddEvent(ctx, store.LifelogEvent{
		DeviceID:  deviceID,
		SessionID: sessionID,
		EventType: eventType,
		RiskLevel: riskLevel,
		Payload:   payload,
		TSMs:      envelope.NowMS(),
	})
}
