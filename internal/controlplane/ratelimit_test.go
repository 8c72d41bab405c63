package controlplane

import (
	"testing"
	"time"
)

func TestSlidingLimiterAllowsUpToBurstThenBlocks(t *testing.T) {
	l := newSlidingLimiter(60, 2, 60)

	if !l.Allow("dev-1") {
		t.Fatal("expected the first request to be allowed")
	}
	if !l.Allow("dev-1") {
		t.Fatal("expected the second request within burst to be allowed")
	}
	if l.Allow("dev-1") {
		t.Fatal("expected the third immediate request to be rate limited")
	}
}

func TestSlidingLimiterTracksIdentitiesIndependently(t *testing.T) {
	l := newSlidingLimiter(60, 1, 60)

	if !l.Allow("dev-1") {
		t.Fatal("expected dev-1's first request to be allowed")
	}
	if !l.Allow("dev-2") {
		t.Fatal("expected dev-2 to have its own independent bucket")
	}
}

func TestReplayGuardRejectsRepeatedNonce(t *testing.T) {
	g := newReplayGuard(60)

	if !g.CheckAndRemember("dev-1", "nonce-1") {
		t.Fatal("expected the first use of a nonce to be accepted")
	}
	if g.CheckAndRemember("dev-1", "nonce-1") {
		t.Fatal("expected a repeated nonce from the same identity to be rejected")
	}
	if !g.CheckAndRemember("dev-2", "nonce-1") {
		t.Fatal("expected the same nonce from a different identity to be accepted")
	}
}

func TestReplayGuardWithinWindow(t *testing.T) {
	g := newReplayGuard(30)

	now := time.Now().UnixMilli()
	if !g.WithinWindow(now) {
		t.Fatal("expected the current timestamp to be within the window")
	}
	stale := time.Now().Add(-time.Hour).UnixMilli()
	if g.WithinWindow(stale) {
		t.Fatal("expected an hour-old timestamp to fall outside a 30s window")
	}
	nowSeconds := time.Now().Unix()
	if !g.WithinWindow(nowSeconds) {
		t.Fatal("expected a seconds-granularity timestamp to be normalized and accepted")
	}
}
