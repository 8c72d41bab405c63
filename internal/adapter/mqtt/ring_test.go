package mqtt

import "testing"

func TestPushPendingEvictsOldestWhenFull(t *testing.T) {
	b := newDeviceBuffers(2, 10)
	b.pushPending(map[string]any{"n": 1})
	b.pushPending(map[string]any{"n": 2})
	b.pushPending(map[string]any{"n": 3})

	got := b.drainPending()
	if len(got) != 2 {
		t.Fatalf("expected 2 pending entries, got %d", len(got))
	}
	if got[0]["n"] != 2 || got[1]["n"] != 3 {
		t.Fatalf("expected the oldest entry to be evicted, got %+v", got)
	}
}

func TestPushPendingFrontReinsertsAtHead(t *testing.T) {
	b := newDeviceBuffers(10, 10)
	b.pushPending(map[string]any{"n": 1})
	b.pushPendingFront(map[string]any{"n": 0})

	got := b.drainPending()
	if len(got) != 2 || got[0]["n"] != 0 || got[1]["n"] != 1 {
		t.Fatalf("expected front-pushed entry first, got %+v", got)
	}
}

func TestPushPendingFrontTruncatesOverCapacity(t *testing.T) {
	b := newDeviceBuffers(1, 10)
	b.pushPending(map[string]any{"n": 1})
	b.pushPendingFront(map[string]any{"n": 0})

	got := b.drainPending()
	if len(got) != 1 || got[0]["n"] != 0 {
		t.Fatalf("expected capacity-truncated front entry to win, got %+v", got)
	}
}

func TestDrainPendingEmptiesBuffer(t *testing.T) {
	b := newDeviceBuffers(10, 10)
	b.pushPending(map[string]any{"n": 1})
	b.drainPending()
	if got := b.drainPending(); len(got) != 0 {
		t.Fatalf("expected an empty buffer after drain, got %+v", got)
	}
}

func TestSinceReturnsEntriesAfterSeq(t *testing.T) {
	b := newDeviceBuffers(10, 10)
	b.pushReplay(replayEntry{seq: 1, command: map[string]any{"n": 1}})
	b.pushReplay(replayEntry{seq: 2, command: map[string]any{"n": 2}})
	b.pushReplay(replayEntry{seq: 3, command: map[string]any{"n": 3}})

	got := b.since(1)
	if len(got) != 2 || got[0].seq != 2 || got[1].seq != 3 {
		t.Fatalf("expected entries with seq > 1, got %+v", got)
	}
}

func TestReplayWindowEvictsOldestBeyondCapacity(t *testing.T) {
	b := newDeviceBuffers(10, 2)
	b.pushReplay(replayEntry{seq: 1})
	b.pushReplay(replayEntry{seq: 2})
	b.pushReplay(replayEntry{seq: 3})

	got := b.since(0)
	if len(got) != 2 || got[0].seq != 2 || got[1].seq != 3 {
		t.Fatalf("expected the oldest replay entry evicted, got %+v", got)
	}
}

func TestRegistryGetReturnsSameBufferForSameDevice(t *testing.T) {
	r := newRegistry(10, 10)
	a := r.get("dev-1")
	b := r.get("dev-1")
	if a != b {
		t.Fatal("expected the same deviceBuffers instance for repeated gets")
	}
}

func TestRegistryGetIsolatesDevices(t *testing.T) {
	r := newRegistry(10, 10)
	a := r.get("dev-1")
	b := r.get("dev-2")
	a.pushPending(map[string]any{"n": 1})

	if len(b.drainPending()) != 0 {
		t.Fatal("expected dev-2's buffer to be unaffected by dev-1's pending push")
	}
}
