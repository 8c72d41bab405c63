package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/opencane/gateway/internal/adapter/mock"
	"github.com/opencane/gateway/internal/agent"
	"github.com/opencane/gateway/internal/audio"
	"github.com/opencane/gateway/internal/digitaltask"
	"github.com/opencane/gateway/internal/policy"
	"github.com/opencane/gateway/internal/runtime"
	"github.com/opencane/gateway/internal/session"
	"github.com/opencane/gateway/internal/store"
)

func successExecutor(ctx context.Context, goal, sessionID string) (agent.Result, error) {
	return agent.Result{Text: "ok"}, nil
}

type testServer struct {
	*Server
	lifelog *store.LifelogDB
	tasks   *digitaltask.Service
	adapter *mock.Adapter
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	lifelog, err := store.OpenLifelogDB(filepath.Join(t.TempDir(), "lifelog.db"))
	if err != nil {
		t.Fatalf("open lifelog db: %v", err)
	}
	t.Cleanup(func() { lifelog.Close() })

	taskDB, err := store.OpenTaskDB(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open task db: %v", err)
	}
	t.Cleanup(func() { taskDB.Close() })

	tasks := digitaltask.New(taskDB, digitaltask.Options{}, successExecutor, nil, nil)

	adp := mock.New(0)
	orch := runtime.New(runtime.Config{}, runtime.Deps{
		Adapter:     adp,
		Sessions:    session.NewManager(nil),
		Audio:       audio.NewPipeline(audio.Options{}),
		Lifelog:     lifelog,
		Safety:      policy.NewSafetyPolicy(),
		Interaction: policy.NewInteractionPolicy(),
	})

	srv := New(cfg, Deps{
		Orchestrator: orch,
		Tasks:        tasks,
		Lifelog:      lifelog,
	})
	return &testServer{Server: srv, lifelog: lifelog, tasks: tasks, adapter: adp}
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{})
	rec := doJSON(t, ts.Server, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestDeviceRegisterBindActivateFlow(t *testing.T) {
	ts := newTestServer(t, Config{DeviceTokenSecret: "secret"})

	rec := doJSON(t, ts.Server, http.MethodPost, "/v1/device/register", map[string]any{"device_id": "dev-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, ts.Server, http.MethodPost, "/v1/device/bind", map[string]any{"device_id": "dev-1", "user_id": "user-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("bind: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, ts.Server, http.MethodPost, "/v1/device/activate", map[string]any{"device_id": "dev-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		DeviceToken string `json:"device_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DeviceToken == "" {
		t.Fatal("expected a non-empty device token")
	}
}

func TestDeviceRegisterRequiresDeviceID(t *testing.T) {
	ts := newTestServer(t, Config{})
	rec := doJSON(t, ts.Server, http.MethodPost, "/v1/device/register", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing device_id, got %d", rec.Code)
	}
}

func TestDeviceBindingGetUnknownDeviceReturns404(t *testing.T) {
	ts := newTestServer(t, Config{})
	rec := doJSON(t, ts.Server, http.MethodGet, "/v1/device/binding?device_id=unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	ts := newTestServer(t, Config{AuthEnabled: true, AuthToken: "s3cret"})
	rec := doJSON(t, ts.Server, http.MethodGet, "/v1/runtime/status", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestAuthMiddlewareAllowsValidBearerToken(t *testing.T) {
	ts := newTestServer(t, Config{AuthEnabled: true, AuthToken: "s3cret"})
	req := httptest.NewRequest(http.MethodGet, "/v1/runtime/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReplayGuardRejectsMissingNonceOnPost(t *testing.T) {
	ts := newTestServer(t, Config{ReplayEnabled: true})
	rec := doJSON(t, ts.Server, http.MethodPost, "/v1/device/register", map[string]any{"device_id": "dev-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a POST without nonce/timestamp, got %d", rec.Code)
	}
}

func TestDigitalTaskExecuteAndGet(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := doJSON(t, ts.Server, http.MethodPost, "/v1/digital-task/execute", map[string]any{"goal": "turn on the lights"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TaskID == "" {
		t.Fatal("expected a non-empty task_id")
	}

	rec = doJSON(t, ts.Server, http.MethodGet, "/v1/digital-task/"+resp.TaskID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for task get, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDigitalTaskExecuteRequiresGoal(t *testing.T) {
	ts := newTestServer(t, Config{})
	rec := doJSON(t, ts.Server, http.MethodPost, "/v1/digital-task/execute", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing binding-required field, got %d", rec.Code)
	}
}

func TestDigitalTaskGetUnknownReturns404(t *testing.T) {
	ts := newTestServer(t, Config{})
	rec := doJSON(t, ts.Server, http.MethodGet, "/v1/digital-task/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown task, got %d", rec.Code)
	}
}

func TestDeviceEventInjectionSucceedsAgainstMockAdapter(t *testing.T) {
	ts := newTestServer(t, Config{})
	rec := doJSON(t, ts.Server, http.MethodPost, "/v1/device/event", map[string]any{
		"device_id": "dev-1", "session_id": "sess-1", "type": "heartbeat",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeviceStatusUnknownDeviceReturns404(t *testing.T) {
	ts := newTestServer(t, Config{})
	rec := doJSON(t, ts.Server, http.MethodGet, "/v1/device/unknown-device/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestOpsDispatchUnknownOpTypeReturns400(t *testing.T) {
	ts := newTestServer(t, Config{})
	rec := doJSON(t, ts.Server, http.MethodPost, "/v1/device/ops/dispatch", map[string]any{
		"device_id": "dev-1", "op_type": "not_a_real_op",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown op_type, got %d", rec.Code)
	}
}

func TestOpsDispatchSetConfigRecordsOperation(t *testing.T) {
	ts := newTestServer(t, Config{})
	rec := doJSON(t, ts.Server, http.MethodPost, "/v1/device/ops/dispatch", map[string]any{
		"device_id": "dev-1", "op_type": "set_config", "payload": map[string]any{"k": "v"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	sent := ts.adapter.Sent()
	if len(sent) != 1 || sent[0].DeviceID != "dev-1" {
		t.Fatalf("expected the set_config command to reach the adapter, got %+v", sent)
	}
}

func TestLifelogTimelineRoundTrip(t *testing.T) {
	ts := newTestServer(t, Config{})
	if err := ts.lifelog.AddEvent(context.Background(), store.LifelogEvent{SessionID: "s1", EventType: "voice_turn", TSMs: 1}); err != nil {
		t.Fatalf("add event: %v", err)
	}
	rec := doJSON(t, ts.Server, http.MethodGet, "/v1/lifelog/timeline?session_id=s1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Events []store.LifelogEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("expected one timeline event, got %d", len(resp.Events))
	}
}

func TestSafetyStatsDefaultsSinceWindow(t *testing.T) {
	ts := newTestServer(t, Config{})
	rec := doJSON(t, ts.Server, http.MethodGet, "/v1/lifelog/safety/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
