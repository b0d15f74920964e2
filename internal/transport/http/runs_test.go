package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/runforge/runforge/internal/approval"
	"github.com/runforge/runforge/internal/collab"
	"github.com/runforge/runforge/internal/domain"
	"github.com/runforge/runforge/internal/fork"
	"github.com/runforge/runforge/internal/loop"
	"github.com/runforge/runforge/internal/registry"
	"github.com/runforge/runforge/internal/sandbox"
	"github.com/runforge/runforge/internal/service"
	"github.com/runforge/runforge/internal/wal"
	"github.com/runforge/runforge/policy"
)

// echoTaskModel finals immediately with the task text.
type echoTaskModel struct{}

func (echoTaskModel) NextTurn(ctx context.Context, runID string, transcript []domain.Turn) (*loop.ModelTurn, error) {
	out := "done"
	if len(transcript) > 0 {
		out = transcript[0].Content
	}
	return &loop.ModelTurn{Message: out, Final: true}, nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	journal, err := wal.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("wal.NewStore failed: %v", err)
	}
	reg, err := registry.Open(":memory:")
	if err != nil {
		t.Fatalf("registry.Open failed: %v", err)
	}
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(func() {
		journal.Close()
		reg.Close()
	})

	broker := approval.NewPendingBroker()
	coordinator := collab.New(collab.Deps{
		Journal:  journal,
		Registry: reg,
		Policy:   engine,
		Model:    echoTaskModel{},
		Broker:   broker,
		Sandbox:  sandbox.Unrestricted(),
	})
	svc := service.New(journal, reg, fork.New(journal, reg), coordinator, broker, t.TempDir(), nil)
	return NewHandler(svc)
}

func doJSON(t *testing.T, h func(echo.Context) error, method, target, body string, params ...string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	for i := 0; i+1 < len(params); i += 2 {
		c.SetParamNames(params[i])
		c.SetParamValues(params[i+1])
	}
	if err := h(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func TestStartRunValidation(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(t, h.StartRun, http.MethodPost, "/v1/runs", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body)
	}
}

func TestStartRunAndWait(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.StartRun, http.MethodPost, "/v1/runs", `{"task":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var started domain.StartRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if started.RunID == "" {
		t.Fatalf("no run_id in response: %s", rec.Body)
	}

	rec = doJSON(t, h.WaitRun, http.MethodPost, "/v1/runs/"+started.RunID+"/wait", `{"timeout_ms":-1}`, "run_id", started.RunID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var waited domain.WaitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &waited); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !waited.Terminal || waited.Status != domain.RunStatusCompleted || waited.FinalOutput != "hello" {
		t.Fatalf("unexpected wait response: %+v", waited)
	}

	rec = doJSON(t, h.GetRun, http.MethodGet, "/v1/runs/"+started.RunID, "", "run_id", started.RunID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var run domain.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("run not completed: %+v", run)
	}
}

func TestGetRunNotFound(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(t, h.GetRun, http.MethodGet, "/v1/runs/ghost", "", "run_id", "ghost")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body)
	}
}

func TestForkRunProducesIndependentChild(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.StartRun, http.MethodPost, "/v1/runs", `{"task":"origin"}`)
	var started domain.StartRunResponse
	json.Unmarshal(rec.Body.Bytes(), &started)

	// Wait for the source to settle so index 0 is durable.
	doJSON(t, h.WaitRun, http.MethodPost, "/v1/runs/"+started.RunID+"/wait", `{"timeout_ms":-1}`, "run_id", started.RunID)

	rec = doJSON(t, h.ForkRun, http.MethodPost, "/v1/runs/"+started.RunID+"/fork", `{"up_to_index":0}`, "run_id", started.RunID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var forked domain.ForkResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &forked); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if forked.DstRunID == "" || forked.DstRunID == started.RunID {
		t.Fatalf("bad fork response: %+v", forked)
	}

	rec = doJSON(t, h.WaitRun, http.MethodPost, "/v1/runs/"+forked.DstRunID+"/wait", `{"timeout_ms":-1}`, "run_id", forked.DstRunID)
	var waited domain.WaitResponse
	json.Unmarshal(rec.Body.Bytes(), &waited)
	if !waited.Terminal || waited.Status != domain.RunStatusCompleted {
		t.Fatalf("forked run did not complete: %+v", waited)
	}

	// Lineage is visible from the source.
	rec = doJSON(t, h.ListChildren, http.MethodGet, "/v1/runs/"+started.RunID+"/children", "", "run_id", started.RunID)
	var children []domain.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &children); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(children) != 1 || children[0].RunID != forked.DstRunID {
		t.Fatalf("unexpected children: %+v", children)
	}
}

func TestForkRunValidatesRange(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.StartRun, http.MethodPost, "/v1/runs", `{"task":"origin"}`)
	var started domain.StartRunResponse
	json.Unmarshal(rec.Body.Bytes(), &started)
	doJSON(t, h.WaitRun, http.MethodPost, "/v1/runs/"+started.RunID+"/wait", `{"timeout_ms":-1}`, "run_id", started.RunID)

	rec = doJSON(t, h.ForkRun, http.MethodPost, "/v1/runs/"+started.RunID+"/fork", `{"up_to_index":999}`, "run_id", started.RunID)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body)
	}
}

func TestSpawnRunRequiresParent(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(t, h.SpawnRun, http.MethodPost, "/v1/runs/spawn", `{"task":"child"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body)
	}
}

func TestCancelRunTerminal(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.StartRun, http.MethodPost, "/v1/runs", `{"task":"quick"}`)
	var started domain.StartRunResponse
	json.Unmarshal(rec.Body.Bytes(), &started)
	doJSON(t, h.WaitRun, http.MethodPost, "/v1/runs/"+started.RunID+"/wait", `{"timeout_ms":-1}`, "run_id", started.RunID)

	// Cancel after completion is accepted as a no-op.
	rec = doJSON(t, h.CancelRun, http.MethodPost, "/v1/runs/"+started.RunID+"/cancel", `{"reason":"late"}`, "run_id", started.RunID)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
}

func TestSendInputToTerminalRunConflicts(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.StartRun, http.MethodPost, "/v1/runs", `{"task":"quick"}`)
	var started domain.StartRunResponse
	json.Unmarshal(rec.Body.Bytes(), &started)
	doJSON(t, h.WaitRun, http.MethodPost, "/v1/runs/"+started.RunID+"/wait", `{"timeout_ms":-1}`, "run_id", started.RunID)

	rec = doJSON(t, h.SendInput, http.MethodPost, "/v1/runs/"+started.RunID+"/input", `{"text":"too late"}`, "run_id", started.RunID)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body)
	}
}
