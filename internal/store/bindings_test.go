package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestLifelogDB(t *testing.T) *LifelogDB {
	t.Helper()
	db, err := OpenLifelogDB(filepath.Join(t.TempDir(), "lifelog.db"))
	if err != nil {
		t.Fatalf("open lifelog db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRegisterBindActivateRevoke(t *testing.T) {
	db := newTestLifelogDB(t)
	ctx := context.Background()

	b, err := db.Register(ctx, "dev-1", map[string]any{"model": "ec600"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if b.Status != BindingRegistered {
		t.Fatalf("expected registered status, got %s", b.Status)
	}

	b, err = db.Register(ctx, "dev-1", map[string]any{"model": "other"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if b.Metadata["model"] != "ec600" {
		t.Fatalf("expected re-register to be a no-op, got metadata %+v", b.Metadata)
	}

	b, err = db.Bind(ctx, "dev-1", "user-1")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if b.Status != BindingBound || b.UserID != "user-1" {
		t.Fatalf("expected bound to user-1, got %+v", b)
	}

	b, token, err := db.Activate(ctx, "dev-1", []byte("secret"))
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if b.Status != BindingActivated {
		t.Fatalf("expected activated status, got %s", b.Status)
	}
	if token == "" {
		t.Fatal("expected a non-empty signed token")
	}

	b, err = db.Revoke(ctx, "dev-1", "lost")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if b.Status != BindingRevoked || b.RevokeReason != "lost" {
		t.Fatalf("expected revoked with reason, got %+v", b)
	}
}

func TestVerifyBindingUnknownDevice(t *testing.T) {
	db := newTestLifelogDB(t)
	ctx := context.Background()

	res := db.VerifyBinding(ctx, "ghost", "tok", false, false)
	if res.Success || res.Reason != "unknown_device" {
		t.Fatalf("expected unknown_device, got %+v", res)
	}

	res = db.VerifyBinding(ctx, "ghost", "tok", false, true)
	if !res.Success || res.Reason != "unbound_allowed" {
		t.Fatalf("expected unbound_allowed, got %+v", res)
	}
}

func TestVerifyBindingActivatedToken(t *testing.T) {
	db := newTestLifelogDB(t)
	ctx := context.Background()

	if _, err := db.Register(ctx, "dev-1", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := db.Bind(ctx, "dev-1", "user-1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	_, token, err := db.Activate(ctx, "dev-1", []byte("secret"))
	if err != nil {
		t.Fatalf("activate: %v", err)
	}

	res := db.VerifyBinding(ctx, "dev-1", token, true, false)
	if !res.Success {
		t.Fatalf("expected successful verify, got %+v", res)
	}

	res = db.VerifyBinding(ctx, "dev-1", "wrong-token", true, false)
	if res.Success || res.Reason != "invalid_token" {
		t.Fatalf("expected invalid_token, got %+v", res)
	}

	if _, err := db.Revoke(ctx, "dev-1", "stolen"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	res = db.VerifyBinding(ctx, "dev-1", token, true, false)
	if res.Success || res.Reason != "revoked" {
		t.Fatalf("expected revoked, got %+v", res)
	}
}

func TestVerifyBindingRequireActivated(t *testing.T) {
	db := newTestLifelogDB(t)
	ctx := context.Background()

	if _, err := db.Register(ctx, "dev-1", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := db.VerifyBinding(ctx, "dev-1", "tok", true, false)
	if res.Success || res.Reason != "not_activated" {
		t.Fatalf("expected not_activated, got %+v", res)
	}
}

func TestStripBearer(t *testing.T) {
	cases := map[string]string{
		"Bearer abc123": "abc123",
		"bearer abc123": "abc123",
		"abc123":        "abc123",
		"  abc123  ":    "abc123",
	}
	for in, want := range cases {
		if got := StripBearer(in); got != want {
			t.Errorf("StripBearer(%q) = %q, want %q", in, got, want)
		}
	}
}
