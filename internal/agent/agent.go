// Package agent defines the contracts the runtime orchestrator (C5) uses to
// reach the external collaborators spec.md §1 places out of scope: the
// conversational LLM agent, the VLM, the TTS synthesizer, the STT fallback,
// the tool registry, and the remote control-plane policy service. No
// concrete provider is implemented here — only the interfaces the core
// consumes.
package agent

import "context"

// Sentinel values the digital-task executor contract treats as control
// values rather than prose (spec.md Design Notes).
const (
	NoToolUsed          = "NO_TOOL_USED"
	MCPFallbackRequired = "MCP_FALLBACK_REQUIRED"
)

// RuntimeContext is the block the orchestrator assembles before calling the
// conversational agent: device/session identity, current state, a
// transcript preview, telemetry, and the resolved tool policy.
type RuntimeContext struct {
	DeviceID          string
	SessionID         string
	State             string
	TraceID           string
	TranscriptPreview string
	Telemetry         map[string]any
	PolicyWarning     string
}

// Reply is a conversational agent's answer to a direct voice turn.
type Reply struct {
	Text string
}

// Conversational is the contract for the LLM-driven conversational agent.
type Conversational interface {
	// ProcessDirect answers a single voice turn. allowedTools/blockedTools
	// may be nil when no tool policy applies.
	ProcessDirect(ctx context.Context, transcript string, rc RuntimeContext, allowedTools, blockedTools []string) (Reply, error)
}

// VisionAnalyzer is the contract for the VLM collaborator.
type VisionAnalyzer interface {
	AnalyzePayload(ctx context.Context, payload map[string]any, rc RuntimeContext) (string, error)
}

// Synthesizer is the contract for the TTS backend used by the
// server_audio path. A nil/empty audio return falls back to device_text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio []byte, encoding string, sampleRateHz int, err error)
}

// Transcriber is the STT fallback invoked by the audio pipeline when no
// text chunks arrived and the device only sent raw audio.
type Transcriber func(ctx context.Context, audio []byte) (string, error)

// Executor runs a digital task's goal to completion or error. It is the
// sole dependency of internal/digitaltask on the outside world.
type Executor func(ctx context.Context, goal, sessionID string) (Result, error)

// Result is what a successful executor run produces.
type Result struct {
	Text          string
	ExecutionPath string
	AllowedTools  []string
}

// DevicePolicy is the resolved tool allow/deny policy for a device, as
// returned by a PolicyClient.
type DevicePolicy struct {
	AllowTools []string
	DenyTools  []string
}

// PolicyClient is the remote control-plane policy service contract
// (§4.5.1). Wrap an implementation in CachedPolicyClient to get
// TTL caching and stale-cache fallback instead of failing open or closed
// on every transient error.
type PolicyClient interface {
	FetchDevicePolicy(ctx context.Context, deviceID string) (DevicePolicy, error)
}

// ResolveToolPolicy implements §4.5.1: it de-duplicates the policy's allow
// and deny lists, always subtracting deny from allow. DevicePolicy carries
// a single allow list and a single deny list; reading alternative key
// spellings is left to the PolicyClient that fills it. Returns
// (nil, nil, "") when client is nil (no policy configured), and
// (nil, nil, warning) when the fetch fails.
func ResolveToolPolicy(ctx context.Context, client PolicyClient, deviceID string) (allow, deny []string, warning string) {
	if client == nil {
		return nil, nil, ""
	}
	policy, err := client.FetchDevicePolicy(ctx, deviceID)
	if err != nil {
		return nil, nil, "tool policy unavailable: " + err.Error()
	}
	allowSet := map[string]struct{}{}
	for _, t := range policy.AllowTools {
		allowSet[t] = struct{}{}
	}
	denySet := map[string]struct{}{}
	for _, t := range policy.DenyTools {
		denySet[t] = struct{}{}
	}
	for t := range denySet {
		delete(allowSet, t)
	}
	for t := range allowSet {
		allow = append(allow, t)
	}
	for t := range denySet {
		deny = append(deny, t)
	}
	return allow, deny, ""
}
