// Package audio implements the per-session audio pipeline (C4): ordered
// chunk reassembly, VAD-gated prebuffering, jitter-window promotion, and
// transcription fallback.
package audio

import (
	"context"
	"encoding/base64"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// TranscribeFunc hands a session's concatenated raw audio bytes to an
// external speech-to-text collaborator. It is the only point where the
// pipeline depends on something outside this package.
type TranscribeFunc func(ctx context.Context, audio []byte) (string, error)

// Capture holds the buffering state for one device session.
type Capture struct {
	started                bool
	orderedAudioChunks     map[int][]byte
	orderedTextChunks      map[int]string
	pendingAudioChunks     map[int][]byte
	prebufferAudioChunks   []prebufferEntry
	totalAudioBytes        int
	nextLocalOrder         int
	nextExpectedAudioOrder *int
	vadActive              bool
	silenceChunks          int
	speechChunks           int
}

type prebufferEntry struct {
	order int
	chunk []byte
}

func newCapture() *Capture {
	return &Capture{
		orderedAudioChunks: make(map[int][]byte),
		orderedTextChunks:  make(map[int]string),
		pendingAudioChunks: make(map[int][]byte),
		nextLocalOrder:     1,
	}
}

// Options configures a Pipeline. Zero values are replaced with the same
// defaults the runtime orchestrator historically used.
type Options struct {
	MaxBytes         int
	TranscribeFunc   TranscribeFunc
	EnableVAD        bool
	PrebufferChunks  int
	JitterWindow     int
	VADSilenceChunks int
}

const defaultMaxBytes = 8 * 1024 * 1024

// Pipeline is a session-keyed audio buffering service. All public methods
// are safe for concurrent use; ingestion is serialized per pipeline, not
// per session, matching the single asyncio lock in the reference
// implementation this was ported from.
type Pipeline struct {
	mu sync.Mutex

	maxBytes         int
	transcribeFunc   TranscribeFunc
	enableVAD        bool
	prebufferChunks  int
	jitterWindow     int
	vadSilenceChunks int

	captures map[captureKey]*Capture
}

type captureKey struct {
	deviceID  string
	sessionID string
}

// NewPipeline builds an audio pipeline from opts, applying the same
// floor/default clamps as the reference implementation.
func NewPipeline(opts Options) *Pipeline {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	prebufferChunks := opts.PrebufferChunks
	if prebufferChunks < 0 {
		prebufferChunks = 0
	}
	jitterWindow := opts.JitterWindow
	if jitterWindow < 1 {
		jitterWindow = 1
	}
	vadSilenceChunks := opts.VADSilenceChunks
	if vadSilenceChunks < 1 {
		vadSilenceChunks = 1
	}
	return &Pipeline{
		maxBytes:         maxBytes,
		transcribeFunc:   opts.TranscribeFunc,
		enableVAD:        opts.EnableVAD,
		prebufferChunks:  prebufferChunks,
		jitterWindow:     jitterWindow,
		vadSilenceChunks: vadSilenceChunks,
		captures:         make(map[captureKey]*Capture),
	}
}

// StartCapture (re)initializes the capture buffers for a session, clearing
// any previously buffered chunks.
func (p *Pipeline) StartCapture(deviceID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := captureKey{deviceID, sessionID}
	cap := newCapture()
	cap.started = true
	p.captures[key] = cap
}

// ResetCapture discards all buffered state for a session without
// finalizing it.
func (p *Pipeline) ResetCapture(deviceID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.captures, captureKey{deviceID, sessionID})
}

// AppendChunk ingests one payload — text, audio, or both — and returns the
// capture's current composed text. eventSeq, when non-nil, is the
// inbound envelope's seq, used as an order fallback.
func (p *Pipeline) AppendChunk(deviceID, sessionID string, payload map[string]any, eventSeq *int) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := captureKey{deviceID, sessionID}
	cap, ok := p.captures[key]
	if !ok {
		cap = newCapture()
		p.captures[key] = cap
	}
	if !cap.started {
		cap.started = true
	}

	order := resolveOrder(payload, eventSeq, cap)

	if textPiece := stringField(payload, "text", "transcript"); textPiece != "" {
		if existing, ok := cap.orderedTextChunks[order]; ok && existing != textPiece {
			order = nextFreeOrder(order, cap)
		}
		cap.orderedTextChunks[order] = textPiece
	}

	if audioB64 := stringField(payload, "audio_b64", "audio"); audioB64 != "" {
		chunk, err := base64.StdEncoding.DecodeString(audioB64)
		if err != nil {
			chunk = nil
		}
		if len(chunk) > 0 && !audioOrderExists(cap, order) {
			speech := resolveSpeechFlag(payload)
			p.appendAudioChunk(cap, order, chunk, speech)
		}
	}

	return composeText(cap)
}

// FinalizeCapture returns the session's transcript: an explicit
// payload.transcript/text if present, else ordered text chunks after a
// forced flush, else the transcriber's output over the concatenated
// ordered audio bytes. It always clears the session's capture state.
func (p *Pipeline) FinalizeCapture(ctx context.Context, deviceID, sessionID string, payload map[string]any) string {
	if explicit := stringField(payload, "transcript", "text"); explicit != "" {
		p.ResetCapture(deviceID, sessionID)
		return explicit
	}

	p.mu.Lock()
	key := captureKey{deviceID, sessionID}
	cap, ok := p.captures[key]
	delete(p.captures, key)
	p.mu.Unlock()
	if !ok {
		return ""
	}

	p.flushPrebuffer(cap)
	p.flushPendingAudio(cap, true)

	if transcript := composeText(cap); transcript != "" {
		return transcript
	}

	orders := make([]int, 0, len(cap.orderedAudioChunks))
	for o := range cap.orderedAudioChunks {
		orders = append(orders, o)
	}
	sort.Ints(orders)
	var audioData []byte
	for _, o := range orders {
		audioData = append(audioData, cap.orderedAudioChunks[o]...)
	}
	if len(audioData) == 0 || p.transcribeFunc == nil {
		return ""
	}
	text, err := p.transcribeFunc(ctx, audioData)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

// PartialTranscript returns the current joined text, truncated to
// maxChars with an ellipsis suffix when longer.
func (p *Pipeline) PartialTranscript(deviceID, sessionID string, maxChars int) string {
	p.mu.Lock()
	cap, ok := p.captures[captureKey{deviceID, sessionID}]
	var text string
	if ok {
		text = composeText(cap)
	}
	p.mu.Unlock()
	if !ok || len(text) <= maxChars {
		return text
	}
	cut := maxChars - 3
	if cut < 1 {
		cut = 1
	}
	if cut > len(text) {
		cut = len(text)
	}
	return strings.TrimRight(text[:cut], " ") + "..."
}

func (p *Pipeline) appendAudioChunk(cap *Capture, order int, chunk []byte, speech *bool) {
	if cap.totalAudioBytes+len(chunk) > p.maxBytes {
		return
	}

	if !p.enableVAD {
		p.storePendingAudio(cap, order, chunk)
		p.flushPendingAudio(cap, false)
		return
	}

	isSpeech := true
	if speech != nil {
		isSpeech = *speech
	}

	if isSpeech {
		cap.vadActive = true
		cap.silenceChunks = 0
		cap.speechChunks++
		p.flushPrebuffer(cap)
		p.storePendingAudio(cap, order, chunk)
		p.flushPendingAudio(cap, false)
		return
	}

	if cap.vadActive {
		cap.silenceChunks++
		p.storePendingAudio(cap, order, chunk)
		p.flushPendingAudio(cap, false)
		if cap.silenceChunks >= p.vadSilenceChunks {
			cap.vadActive = false
		}
		return
	}

	p.storePrebufferAudio(cap, order, chunk)
}

func (p *Pipeline) storePendingAudio(cap *Capture, order int, chunk []byte) {
	if _, ok := cap.pendingAudioChunks[order]; ok {
		return
	}
	if _, ok := cap.orderedAudioChunks[order]; ok {
		return
	}
	cap.pendingAudioChunks[order] = chunk
	cap.totalAudioBytes += len(chunk)
	if cap.nextExpectedAudioOrder == nil {
		cap.nextExpectedAudioOrder = intPtr(minKey(cap.pendingAudioChunks))
	}
}

func (p *Pipeline) storePrebufferAudio(cap *Capture, order int, chunk []byte) {
	if p.prebufferChunks <= 0 {
		return
	}
	for _, entry := range cap.prebufferAudioChunks {
		if entry.order == order {
			return
		}
	}
	cap.prebufferAudioChunks = append(cap.prebufferAudioChunks, prebufferEntry{order, chunk})
	cap.totalAudioBytes += len(chunk)
	overflow := len(cap.prebufferAudioChunks) - p.prebufferChunks
	for overflow > 0 {
		dropped := cap.prebufferAudioChunks[0]
		cap.prebufferAudioChunks = cap.prebufferAudioChunks[1:]
		cap.totalAudioBytes -= len(dropped.chunk)
		if cap.totalAudioBytes < 0 {
			cap.totalAudioBytes = 0
		}
		overflow--
	}
}

func (p *Pipeline) flushPrebuffer(cap *Capture) {
	if len(cap.prebufferAudioChunks) == 0 {
		return
	}
	sorted := make([]prebufferEntry, len(cap.prebufferAudioChunks))
	copy(sorted, cap.prebufferAudioChunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].order < sorted[j].order })

	for _, entry := range sorted {
		if _, ok := cap.pendingAudioChunks[entry.order]; ok {
			continue
		}
		if _, ok := cap.orderedAudioChunks[entry.order]; ok {
			continue
		}
		cap.pendingAudioChunks[entry.order] = entry.chunk
		if cap.nextExpectedAudioOrder == nil {
			cap.nextExpectedAudioOrder = intPtr(entry.order)
		}
	}
	cap.prebufferAudioChunks = nil
}

func (p *Pipeline) flushPendingAudio(cap *Capture, force bool) {
	if len(cap.pendingAudioChunks) == 0 {
		return
	}

	if force {
		orders := make([]int, 0, len(cap.pendingAudioChunks))
		for o := range cap.pendingAudioChunks {
			orders = append(orders, o)
		}
		sort.Ints(orders)
		for _, o := range orders {
			cap.orderedAudioChunks[o] = cap.pendingAudioChunks[o]
		}
		cap.pendingAudioChunks = make(map[int][]byte)
		cap.nextExpectedAudioOrder = nil
		return
	}

	if cap.nextExpectedAudioOrder == nil {
		cap.nextExpectedAudioOrder = intPtr(minKey(cap.pendingAudioChunks))
	}

	for cap.nextExpectedAudioOrder != nil {
		order := *cap.nextExpectedAudioOrder
		chunk, ok := cap.pendingAudioChunks[order]
		if !ok {
			break
		}
		cap.orderedAudioChunks[order] = chunk
		delete(cap.pendingAudioChunks, order)
		cap.nextExpectedAudioOrder = intPtr(order + 1)
	}

	for len(cap.pendingAudioChunks) > p.jitterWindow {
		order := minKey(cap.pendingAudioChunks)
		cap.orderedAudioChunks[order] = cap.pendingAudioChunks[order]
		delete(cap.pendingAudioChunks, order)
		if cap.nextExpectedAudioOrder == nil {
			cap.nextExpectedAudioOrder = intPtr(order + 1)
		} else if order+1 > *cap.nextExpectedAudioOrder {
			cap.nextExpectedAudioOrder = intPtr(order + 1)
		}
	}
}

func resolveOrder(payload map[string]any, eventSeq *int, cap *Capture) int {
	for _, key := range []string{"chunk_index", "chunk_idx", "frame_index", "index", "order", "timestamp"} {
		if v, ok := toInt(payload[key]); ok && v >= 0 {
			if v+1 > cap.nextLocalOrder {
				cap.nextLocalOrder = v + 1
			}
			return v
		}
	}
	if eventSeq != nil && *eventSeq >= 0 {
		v := *eventSeq
		if v+1 > cap.nextLocalOrder {
			cap.nextLocalOrder = v + 1
		}
		return v
	}
	v := cap.nextLocalOrder
	cap.nextLocalOrder++
	return v
}

func nextFreeOrder(order int, cap *Capture) int {
	next := order
	if cap.nextLocalOrder > next {
		next = cap.nextLocalOrder
	}
	for {
		if _, ok := cap.orderedTextChunks[next]; !ok {
			break
		}
		next++
	}
	if next+1 > cap.nextLocalOrder {
		cap.nextLocalOrder = next + 1
	}
	return next
}

func composeText(cap *Capture) string {
	orders := make([]int, 0, len(cap.orderedTextChunks))
	for o := range cap.orderedTextChunks {
		orders = append(orders, o)
	}
	sort.Ints(orders)
	parts := make([]string, 0, len(orders))
	for _, o := range orders {
		if t := strings.TrimSpace(cap.orderedTextChunks[o]); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func audioOrderExists(cap *Capture, order int) bool {
	if _, ok := cap.orderedAudioChunks[order]; ok {
		return true
	}
	if _, ok := cap.pendingAudioChunks[order]; ok {
		return true
	}
	for _, entry := range cap.prebufferAudioChunks {
		if entry.order == order {
			return true
		}
	}
	return false
}

// resolveSpeechFlag returns nil when VAD has no opinion, mirroring the
// reference implementation's three-valued logic (true/false/unresolved).
func resolveSpeechFlag(payload map[string]any) *bool {
	for _, key := range []string{"is_speech", "speech", "vad_speech", "vad", "voice"} {
		if v, ok := payload[key]; ok {
			return toBool(v)
		}
	}
	if stringField(payload, "text", "transcript") != "" {
		t := true
		return &t
	}
	return nil
}

func toBool(v any) *bool {
	if v == nil {
		return nil
	}
	if b, ok := v.(bool); ok {
		return &b
	}
	text := strings.ToLower(strings.TrimSpace(toString(v)))
	switch text {
	case "1", "true", "yes", "on", "speech", "voice":
		t := true
		return &t
	case "0", "false", "no", "off", "silence", "noise":
		f := false
		return &f
	}
	return nil
}

func stringField(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			if s := strings.TrimSpace(toString(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return strconv.FormatInt(toInt64Best(v), 10)
	}
}

func toInt64Best(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	}
	return 0
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func minKey(m map[int][]byte) int {
	first := true
	var min int
	for k := range m {
		if first || k < min {
			min = k
			first = false
		}
	}
	return min
}

func intPtr(v int) *int {
	return &v
}
