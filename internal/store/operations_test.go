package store

import (
	"context"
	"testing"
)

func TestCreateAndUpdateOperation(t *testing.T) {
	db := newTestLifelogDB(t)
	ctx := context.Background()

	op := DeviceOperation{
		OperationID: "op-1",
		DeviceID:    "dev-1",
		SessionID:   "sess-1",
		OpType:      "set_config",
		CommandType: "set_config",
		Payload:     map[string]any{"volume": 5},
	}
	if err := db.CreateOperation(ctx, op); err != nil {
		t.Fatalf("create operation: %v", err)
	}

	got, err := db.GetOperation(ctx, "op-1")
	if err != nil {
		t.Fatalf("get operation: %v", err)
	}
	if got.Status != OperationQueued {
		t.Fatalf("expected queued status, got %s", got.Status)
	}
	if got.Payload["volume"] != float64(5) {
		t.Fatalf("expected payload volume=5, got %+v", got.Payload)
	}

	if err := db.UpdateOperationStatus(ctx, "op-1", OperationAcked, map[string]any{"ok": true}, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err = db.GetOperation(ctx, "op-1")
	if err != nil {
		t.Fatalf("get operation after update: %v", err)
	}
	if got.Status != OperationAcked {
		t.Fatalf("expected acked, got %s", got.Status)
	}
	if got.AckedAtMs == 0 {
		t.Fatal("expected acked_at_ms to be set")
	}
}

func TestListOperationsFiltersByDevice(t *testing.T) {
	db := newTestLifelogDB(t)
	ctx := context.Background()

	for i, dev := range []string{"dev-1", "dev-1", "dev-2"} {
		op := DeviceOperation{
			OperationID: "op-" + string(rune('a'+i)),
			DeviceID:    dev,
			OpType:      "tool_call",
			CommandType: "tool_call",
		}
		if err := db.CreateOperation(ctx, op); err != nil {
			t.Fatalf("create operation %d: %v", i, err)
		}
	}

	ops, err := db.ListOperations(ctx, "dev-1", 10)
	if err != nil {
		t.Fatalf("list operations: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 operations for dev-1, got %d", len(ops))
	}

	all, err := db.ListOperations(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all operations: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 operations total, got %d", len(all))
	}
}

func TestGetOperationNotFound(t *testing.T) {
	db := newTestLifelogDB(t)
	ctx := context.Background()

	if _, err := db.GetOperation(ctx, "missing"); err == nil {
		t.Fatal("expected error for missing operation")
	}
}
