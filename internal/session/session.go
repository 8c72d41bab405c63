// Package session implements the per-device session manager (C3): a
// thread-safe state machine, inbound sequence gate, and outbound sequence
// allocator, with best-effort persistence hooks.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// State is the session's high-level runtime state.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateListening  State = "listening"
	StateThinking   State = "thinking"
	StateSpeaking   State = "speaking"
	StateClosed     State = "closed"
)

// allStates lists every state transitions(src) may originate from; closed
// is deliberately excluded so the FSM rejects any move out of it.
var allStates = []string{
	string(StateConnecting), string(StateReady), string(StateListening),
	string(StateThinking), string(StateSpeaking),
}

// Store is the persistence contract C3 depends on. Failures from either
// method are swallowed by the manager — persistence never fails an
// in-memory operation.
type Store interface {
	UpsertDeviceSession(ctx context.Context, s Snapshot) error
	CloseDeviceSession(ctx context.Context, s Snapshot) error
}

// Snapshot is the persisted view of a Session, passed to Store hooks.
type Snapshot struct {
	DeviceID        string
	SessionID       string
	State           State
	CreatedAtMs     int64
	LastSeenMs      int64
	LastSeq         int
	LastOutboundSeq int
	ClosedAtMs      int64
	CloseReason     string
	Metadata        map[string]any
	Telemetry       map[string]any
}

// Session is one (device_id, session_id) runtime session.
type Session struct {
	mu sync.Mutex

	DeviceID        string
	SessionID       string
	State           State
	CreatedAtMs     int64
	LastSeenMs      int64
	LastSeq         int
	LastOutboundSeq int
	ClosedAtMs      int64
	CloseReason     string
	Metadata        map[string]any
	Telemetry       map[string]any

	machine *fsm.FSM
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

func newSession(deviceID, sessionID string) *Session {
	s := &Session{
		DeviceID:        deviceID,
		SessionID:       sessionID,
		State:           StateConnecting,
		CreatedAtMs:     nowMS(),
		LastSeenMs:      nowMS(),
		LastSeq:         -1,
		LastOutboundSeq: 0,
		Metadata:        map[string]any{},
		Telemetry:       map[string]any{},
	}
	events := make(fsm.Events, 0, len(allStates)+1)
	for _, dst := range allStates {
		events = append(events, fsm.EventDesc{Name: dst, Src: allStates, Dst: dst})
	}
	events = append(events, fsm.EventDesc{Name: string(StateClosed), Src: allStates, Dst: string(StateClosed)})
	s.machine = fsm.NewFSM(string(StateConnecting), events, fsm.Callbacks{})
	return s
}

func (s *Session) touch() {
	s.LastSeenMs = nowMS()
}

// snapshot must be called with s.mu held.
func (s *Session) snapshot() Snapshot {
	return Snapshot{
		DeviceID:        s.DeviceID,
		SessionID:       s.SessionID,
		State:           s.State,
		CreatedAtMs:     s.CreatedAtMs,
		LastSeenMs:      s.LastSeenMs,
		LastSeq:         s.LastSeq,
		LastOutboundSeq: s.LastOutboundSeq,
		ClosedAtMs:      s.ClosedAtMs,
		CloseReason:     s.CloseReason,
		Metadata:        copyMap(s.Metadata),
		Telemetry:       copyMap(s.Telemetry),
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Manager tracks every active session and performs sequence de-duplication.
// All public methods are safe for concurrent use.
type Manager struct {
	mu             sync.Mutex
	sessions       map[sessionKey]*Session
	latestByDevice map[string]*Session
	store          Store
}

type sessionKey struct {
	deviceID  string
	sessionID string
}

// NewManager builds a session manager. store may be nil, in which case
// persistence hooks are skipped entirely.
func NewManager(store Store) *Manager {
	return &Manager{
		sessions:       make(map[sessionKey]*Session),
		latestByDevice: make(map[string]*Session),
		store:          store,
	}
}

// GetOrCreate returns the session for (deviceID, sessionID). When sessionID
// is empty, it returns the latest non-closed session for deviceID if one
// exists, else allocates a new one with a generated session id.
func (m *Manager) GetOrCreate(ctx context.Context, deviceID, sessionID string) *Session {
	m.mu.Lock()
	if sessionID != "" {
		if s, ok := m.sessions[sessionKey{deviceID, sessionID}]; ok {
			m.mu.Unlock()
			return s
		}
	} else if existing, ok := m.latestByDevice[deviceID]; ok {
		existing.mu.Lock()
		closed := existing.State == StateClosed
		existing.mu.Unlock()
		if !closed {
			m.mu.Unlock()
			return existing
		}
	}

	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	s := newSession(deviceID, sessionID)
	m.sessions[sessionKey{deviceID, sessionID}] = s
	m.latestByDevice[deviceID] = s
	m.mu.Unlock()

	m.persistUpsert(ctx, s)
	return s
}

// Get returns the session for (deviceID, sessionID), or nil if absent.
func (m *Manager) Get(deviceID, sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionKey{deviceID, sessionID}]
}

// GetLatest returns the latest non-closed-or-not session tracked for
// deviceID, or nil.
func (m *Manager) GetLatest(deviceID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestByDevice[deviceID]
}

// SnapshotOf returns a point-in-time snapshot of one (deviceID, sessionID)
// session, or false if it isn't tracked — the safe way for callers outside
// this package to read a session's state/metadata without racing its
// internal mutex.
func (m *Manager) SnapshotOf(deviceID, sessionID string) (Snapshot, bool) {
	s := m.Get(deviceID, sessionID)
	if s == nil {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), true
}

// UpdateState transitions the session to state, clearing close bookkeeping
// unless the new state is closed. A session already in StateClosed is
// terminal: the FSM rejects the move and the state is left untouched.
func (m *Manager) UpdateState(ctx context.Context, deviceID, sessionID string, state State) *Session {
	s := m.GetOrCreate(ctx, deviceID, sessionID)
	s.mu.Lock()
	if err := s.machine.Event(ctx, string(state)); err == nil {
		s.State = state
		if state != StateClosed {
			s.ClosedAtMs = 0
			s.CloseReason = ""
		}
	}
	s.touch()
	s.mu.Unlock()
	m.persistUpsert(ctx, s)
	return s
}

// UpdateMetadata merges metadata into the session's capability bag.
func (m *Manager) UpdateMetadata(ctx context.Context, deviceID, sessionID string, metadata map[string]any) *Session {
	s := m.GetOrCreate(ctx, deviceID, sessionID)
	s.mu.Lock()
	for k, v := range metadata {
		s.Metadata[k] = v
	}
	s.touch()
	s.mu.Unlock()
	m.persistUpsert(ctx, s)
	return s
}

// UpdateTelemetry merges telemetry into the session's latest-readings bag.
func (m *Manager) UpdateTelemetry(ctx context.Context, deviceID, sessionID string, telemetry map[string]any) *Session {
	s := m.GetOrCreate(ctx, deviceID, sessionID)
	s.mu.Lock()
	for k, v := range telemetry {
		s.Telemetry[k] = v
	}
	s.touch()
	s.mu.Unlock()
	m.persistUpsert(ctx, s)
	return s
}

// CheckAndCommitSeq reports whether seq is new enough to process and, if
// so, commits it as the session's high-water mark. A negative seq always
// passes without updating last_seq (adapters that don't track sequencing
// send -1).
func (m *Manager) CheckAndCommitSeq(ctx context.Context, deviceID, sessionID string, seq int) bool {
	s := m.GetOrCreate(ctx, deviceID, sessionID)
	s.mu.Lock()
	s.touch()
	if seq < 0 {
		s.mu.Unlock()
		m.persistUpsert(ctx, s)
		return true
	}
	if seq <= s.LastSeq {
		s.mu.Unlock()
		m.persistUpsert(ctx, s)
		return false
	}
	s.LastSeq = seq
	s.mu.Unlock()
	m.persistUpsert(ctx, s)
	return true
}

// NextOutboundSeq allocates the next strictly increasing outbound sequence
// number for the session, starting at 1.
func (m *Manager) NextOutboundSeq(ctx context.Context, deviceID, sessionID string) int {
	s := m.GetOrCreate(ctx, deviceID, sessionID)
	s.mu.Lock()
	if next := s.LastOutboundSeq + 1; next > 1 {
		s.LastOutboundSeq = next
	} else {
		s.LastOutboundSeq = 1
	}
	s.touch()
	seq := s.LastOutboundSeq
	s.mu.Unlock()
	m.persistUpsert(ctx, s)
	return seq
}

// Close transitions the session to closed, records the reason, and removes
// it from latestByDevice only if it was still the registered latest.
func (m *Manager) Close(ctx context.Context, deviceID, sessionID, reason string) {
	s := m.GetOrCreate(ctx, deviceID, sessionID)
	if reason == "" {
		reason = "closed"
	}
	s.mu.Lock()
	_ = s.machine.Event(ctx, string(StateClosed))
	s.State = StateClosed
	s.touch()
	s.ClosedAtMs = s.LastSeenMs
	s.CloseReason = reason
	s.mu.Unlock()

	m.persistClose(ctx, s)

	m.mu.Lock()
	if current, ok := m.latestByDevice[deviceID]; ok && current.SessionID == sessionID {
		delete(m.latestByDevice, deviceID)
	}
	m.mu.Unlock()
}

// Status returns a point-in-time snapshot of the latest session tracked
// for deviceID, or false if none exists.
func (m *Manager) Status(deviceID string) (Snapshot, bool) {
	m.mu.Lock()
	s, ok := m.latestByDevice[deviceID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), true
}

// AllStatus returns a snapshot of every tracked session, in no particular
// order.
func (m *Manager) AllStatus() []Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.snapshot())
		s.mu.Unlock()
	}
	return out
}

// StaleSince returns every non-closed session whose last activity is older
// than cutoffMs — used by the orchestrator watchdog.
func (m *Manager) StaleSince(cutoffMs int64) []Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var stale []Snapshot
	for _, s := range sessions {
		s.mu.Lock()
		if s.State != StateClosed && s.LastSeenMs < cutoffMs {
			stale = append(stale, s.snapshot())
		}
		s.mu.Unlock()
	}
	return stale
}

func (m *Manager) persistUpsert(ctx context.Context, s *Session) {
	if m.store == nil {
		return
	}
	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()
	_ = m.store.UpsertDeviceSession(ctx, snap)
}

func (m *Manager) persistClose(ctx context.Context, s *Session) {
	if m.store == nil {
		return
	}
	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()
	if err := m.store.CloseDeviceSession(ctx, snap); err != nil {
		_ = m.store.UpsertDeviceSession(ctx, snap)
	}
}
