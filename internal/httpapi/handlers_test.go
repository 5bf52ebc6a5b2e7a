package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/csvanalyst/agent-server/internal/agent"
	capsuleinmem "github.com/csvanalyst/agent-server/internal/capsule/inmem"
	"github.com/csvanalyst/agent-server/internal/dataset"
	"github.com/csvanalyst/agent-server/internal/message"
	messageinmem "github.com/csvanalyst/agent-server/internal/message/inmem"
	"github.com/csvanalyst/agent-server/internal/modelclient"
	"github.com/csvanalyst/agent-server/internal/sandbox"
	"github.com/csvanalyst/agent-server/internal/session"
	"github.com/csvanalyst/agent-server/internal/tools"
)

type stubClient struct{ text string }

func (c *stubClient) Complete(context.Context, modelclient.Request) (modelclient.Response, error) {
	return modelclient.Response{Text: c.text}, nil
}

type stubExecutor struct{ result sandbox.Result }

func (e *stubExecutor) Submit(_ context.Context, _ sandbox.Payload) (sandbox.SubmitResult, error) {
	return sandbox.SubmitResult{RunID: "r1", Status: sandbox.StatusSucceeded, Result: e.result}, nil
}
func (e *stubExecutor) GetStatus(_ context.Context, id string) (sandbox.StatusResult, error) {
	return sandbox.StatusResult{RunID: id, Status: sandbox.StatusSucceeded}, nil
}
func (e *stubExecutor) GetResult(context.Context, string) (sandbox.Result, bool, error) {
	return e.result, true, nil
}
func (e *stubExecutor) Cleanup(context.Context, string) error { return nil }

// failingMessageStore simulates an infrastructure failure (e.g. a Mongo
// write error) so handlers can be exercised without a real broken store.
type failingMessageStore struct{ message.Store }

func (failingMessageStore) Append(context.Context, message.Message) (message.Message, error) {
	return message.Message{}, errors.New("store unavailable")
}

func testDeps(t *testing.T) Dependencies {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders.csv"), []byte("id,amount\n1,10\n"), 0o644))
	registry := `{"datasets":[{"id":"sales","name":"Sales","files":[{"name":"orders.csv","path":"orders.csv","schema":{"id":{"type":"integer"},"amount":{"type":"number"}}}]}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "registry.json"), []byte(registry), 0o644))
	reg, err := dataset.Load(dir)
	require.NoError(t, err)

	specs, err := tools.Specs()
	require.NoError(t, err)
	fastPathTools := make(map[string]tools.Tool)
	for _, s := range specs {
		fastPathTools[s.Spec.Name] = s
	}
	services := &tools.Services{Registry: reg, Executor: &stubExecutor{result: sandbox.Result{Status: "success", Columns: []string{"n"}, Rows: [][]any{{float64(1)}}, RowCount: 1}}, MaxRows: 100, TimeoutSeconds: 10, MaxOutputBytes: 1 << 20, EnablePythonExecution: true}
	engine := agent.NewEngine(&stubClient{text: "hi"}, specs, services, 100)
	capsules := capsuleinmem.New()
	messages := messageinmem.New()
	orch := session.New(reg, capsules, messages, engine, services, fastPathTools, 20)

	return Dependencies{Orchestrator: orch, Registry: reg, Capsules: capsules, Messages: messages}
}

func TestHealthz(t *testing.T) {
	r := NewRouter(testDeps(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestListDatasets(t *testing.T) {
	r := NewRouter(testDeps(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var out []DatasetSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "sales", out[0].ID)
}

func TestDatasetSchema_UnknownDataset_404(t *testing.T) {
	r := NewRouter(testDeps(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets/nope/schema", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDatasetSchema_KnownDataset_ReturnsSampleRows(t *testing.T) {
	r := NewRouter(testDeps(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets/sales/schema", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var out []FileSchema
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "orders.csv", out[0].Name)
	require.NotEmpty(t, out[0].SampleRows)
}

func TestChat_RunsTurnAndPersists(t *testing.T) {
	deps := testDeps(t)
	r := NewRouter(deps)

	body, _ := json.Marshal(ChatRequest{DatasetID: "sales", ThreadID: "t1", Message: "sql: SELECT count(*) as n FROM orders"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "succeeded", resp.Status)
	require.NotEmpty(t, resp.RunID)

	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/runs/"+resp.RunID, nil))
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestChat_UnknownDataset_404(t *testing.T) {
	r := NewRouter(testDeps(t))
	body, _ := json.Marshal(ChatRequest{DatasetID: "nope", ThreadID: "t1", Message: "hi"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body)))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChat_StoreWriteFailure_500(t *testing.T) {
	deps := testDeps(t)
	brokenMessages := failingMessageStore{Store: deps.Messages}
	orch := session.New(deps.Registry, deps.Capsules, brokenMessages, deps.Orchestrator.Engine, deps.Orchestrator.Services, deps.Orchestrator.FastPathTools, 20)
	deps.Orchestrator = orch
	deps.Messages = brokenMessages

	r := NewRouter(deps)
	body, _ := json.Marshal(ChatRequest{DatasetID: "sales", ThreadID: "t1", Message: "hi"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body)))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChat_MalformedBody_400(t *testing.T) {
	r := NewRouter(testDeps(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader([]byte("{not json"))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun_UnknownRunID_404(t *testing.T) {
	r := NewRouter(testDeps(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunStatus_UnknownRunID_ReturnsNotFoundStatus(t *testing.T) {
	r := NewRouter(testDeps(t))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/nope/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var out RunStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "not_found", out.Status)
}

func TestThreadMessages_AfterChat_ReturnsUserAndAssistant(t *testing.T) {
	deps := testDeps(t)
	r := NewRouter(deps)

	body, _ := json.Marshal(ChatRequest{DatasetID: "sales", ThreadID: "t1", Message: "sql: SELECT count(*) as n FROM orders"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/threads/t1/messages?limit=10", nil))
	require.Equal(t, http.StatusOK, rec2.Code)

	var msgs []map[string]any
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
}

func TestChatStream_EmitsSSEEvents(t *testing.T) {
	r := NewRouter(testDeps(t))
	body, _ := json.Marshal(ChatRequest{DatasetID: "sales", ThreadID: "t1", Message: "sql: SELECT count(*) as n FROM orders"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/stream", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "event: done")
	require.Contains(t, rec.Body.String(), "event: result")
}
