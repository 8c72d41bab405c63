package mqtt

import "sync"

// replayEntry is one successfully published JSON control command kept in a
// device's replay window so a reconnecting device can request everything
// it missed since last_recv_seq.
type replayEntry struct {
	seq     int
	command map[string]any
}

// deviceBuffers is the per-device offline buffer state: a pending FIFO
// (commands queued while disconnected) and a replay window (commands
// already published, kept for resume).
type deviceBuffers struct {
	mu      sync.Mutex
	pending []map[string]any
	replay  []replayEntry

	pendingCap int
	replayCap  int
}

func newDeviceBuffers(pendingCap, replayCap int) *deviceBuffers {
	return &deviceBuffers{pendingCap: pendingCap, replayCap: replayCap}
}

// pushPending appends to the tail, dropping the oldest entry when full.
func (b *deviceBuffers) pushPending(cmd map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, cmd)
	if over := len(b.pending) - b.pendingCap; over > 0 && b.pendingCap > 0 {
		b.pending = b.pending[over:]
	}
}

// pushPendingFront re-enqueues at the head, used when a flush publish
// fails and the command must be retried first on the next flush.
func (b *deviceBuffers) pushPendingFront(cmd map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append([]map[string]any{cmd}, b.pending...)
	if over := len(b.pending) - b.pendingCap; over > 0 && b.pendingCap > 0 {
		b.pending = b.pending[:b.pendingCap]
	}
}

// drainPending removes and returns every pending command, in FIFO order.
func (b *deviceBuffers) drainPending() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

func (b *deviceBuffers) pushReplay(entry replayEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replay = append(b.replay, entry)
	if over := len(b.replay) - b.replayCap; over > 0 && b.replayCap > 0 {
		b.replay = b.replay[over:]
	}
}

// since returns every replay entry with seq > lastRecvSeq, ascending.
func (b *deviceBuffers) since(lastRecvSeq int) []replayEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []replayEntry
	for _, e := range b.replay {
		if e.seq > lastRecvSeq {
			out = append(out, e)
		}
	}
	return out
}

// registry owns one deviceBuffers per device_id.
type registry struct {
	mu         sync.Mutex
	byDevice   map[string]*deviceBuffers
	pendingCap int
	replayCap  int
}

func newRegistry(pendingCap, replayCap int) *registry {
	return &registry{byDevice: make(map[string]*deviceBuffers), pendingCap: pendingCap, replayCap: replayCap}
}

func (r *registry) get(deviceID string) *deviceBuffers {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byDevice[deviceID]
	if !ok {
		b = newDeviceBuffers(r.pendingCap, r.replayCap)
		r.byDevice[deviceID] = b
	}
	return b
}
