package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/csvanalyst/agent-server/internal/agent"
	capsuleinmem "github.com/csvanalyst/agent-server/internal/capsule/inmem"
	"github.com/csvanalyst/agent-server/internal/dataset"
	messageinmem "github.com/csvanalyst/agent-server/internal/message/inmem"
	"github.com/csvanalyst/agent-server/internal/modelclient"
	"github.com/csvanalyst/agent-server/internal/sandbox"
	"github.com/csvanalyst/agent-server/internal/stream"
	"github.com/csvanalyst/agent-server/internal/toolerrors"
	"github.com/csvanalyst/agent-server/internal/tools"
)

func testRegistry(t *testing.T) *dataset.Registry {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "orders.csv"), []byte("id,amount\n1,10.5\n2,20\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	registry := `{"datasets":[{
		"id":"sales",
		"name":"Sales",
		"files":[{"name":"orders.csv","path":"orders.csv","schema":{"id":{"type":"integer"},"amount":{"type":"number"}}}]
	}]}`
	if err := os.WriteFile(filepath.Join(dir, "registry.json"), []byte(registry), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := dataset.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

type fakeExecutor struct {
	result sandbox.Result
}

func (f *fakeExecutor) Submit(_ context.Context, _ sandbox.Payload) (sandbox.SubmitResult, error) {
	return sandbox.SubmitResult{RunID: "run-x", Status: sandbox.StatusSucceeded, Result: f.result}, nil
}
func (f *fakeExecutor) GetStatus(_ context.Context, runID string) (sandbox.StatusResult, error) {
	return sandbox.StatusResult{RunID: runID, Status: sandbox.StatusSucceeded}, nil
}
func (f *fakeExecutor) GetResult(_ context.Context, _ string) (sandbox.Result, bool, error) {
	return f.result, true, nil
}
func (f *fakeExecutor) Cleanup(_ context.Context, _ string) error { return nil }

type scriptedClient struct {
	turns []modelclient.Response
	calls int
}

func (c *scriptedClient) Complete(_ context.Context, _ modelclient.Request) (modelclient.Response, error) {
	resp := c.turns[c.calls]
	if c.calls < len(c.turns)-1 {
		c.calls++
	}
	return resp, nil
}

func testOrchestrator(t *testing.T, exec sandbox.Executor, client modelclient.Client) *Orchestrator {
	t.Helper()
	registry := testRegistry(t)
	specs, err := tools.Specs()
	if err != nil {
		t.Fatal(err)
	}
	fastPathTools := make(map[string]tools.Tool)
	for _, s := range specs {
		fastPathTools[s.Spec.Name] = s
	}
	services := &tools.Services{Registry: registry, Executor: exec, MaxRows: 100, TimeoutSeconds: 10, MaxOutputBytes: 1 << 20, EnablePythonExecution: true}
	engine := agent.NewEngine(client, specs, services, 100)
	capsules := capsuleinmem.New()
	messages := messageinmem.New()
	return New(registry, capsules, messages, engine, services, fastPathTools, 20)
}

func TestTurn_SQLFastPath_SummarizesCountResult(t *testing.T) {
	exec := &fakeExecutor{result: sandbox.Result{Status: "success", Columns: []string{"n"}, Rows: [][]any{{float64(3)}}, RowCount: 1}}
	orch := testOrchestrator(t, exec, &scriptedClient{})

	resp, err := orch.Turn(context.Background(), "sales", "thread-1", "sql: SELECT count(*) as n FROM orders")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "succeeded" {
		t.Fatalf("Status = %q, want succeeded", resp.Status)
	}
	if resp.AssistantMessage != "The result is 3." {
		t.Fatalf("AssistantMessage = %q", resp.AssistantMessage)
	}
	if resp.Details.QueryMode != "sql" {
		t.Fatalf("QueryMode = %q, want sql", resp.Details.QueryMode)
	}
	if resp.RunID == "" || resp.ThreadID != "thread-1" {
		t.Fatalf("resp = %+v", resp)
	}

	msgs, err := orch.Messages.Recent(context.Background(), "thread-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2 (user + assistant)", len(msgs))
	}

	cap, err := orch.Capsules.Get(context.Background(), resp.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if cap.Status != "succeeded" || cap.QueryMode != "sql" {
		t.Fatalf("capsule = %+v", cap)
	}
}

func TestTurn_SQLFastPath_PolicyViolation_Rejected(t *testing.T) {
	exec := &fakeExecutor{}
	orch := testOrchestrator(t, exec, &scriptedClient{})

	resp, err := orch.Turn(context.Background(), "sales", "thread-1", "sql: DROP TABLE orders")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "rejected" {
		t.Fatalf("Status = %q, want rejected", resp.Status)
	}
}

func TestTurn_EmptyResult_ProducesNoRowsMessage(t *testing.T) {
	exec := &fakeExecutor{result: sandbox.Result{Status: "success", Columns: []string{"id"}, Rows: [][]any{}, RowCount: 0}}
	orch := testOrchestrator(t, exec, &scriptedClient{})

	resp, err := orch.Turn(context.Background(), "sales", "thread-1", "sql: SELECT id FROM orders WHERE 1=0")
	if err != nil {
		t.Fatal(err)
	}
	if resp.AssistantMessage != "No rows matched your request." {
		t.Fatalf("AssistantMessage = %q", resp.AssistantMessage)
	}
}

func TestTurn_ChatPath_TextOnlyReply(t *testing.T) {
	client := &scriptedClient{turns: []modelclient.Response{{Text: "Hello! Ask me about the dataset."}}}
	orch := testOrchestrator(t, &fakeExecutor{}, client)

	resp, err := orch.Turn(context.Background(), "sales", "thread-1", "hi there")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "succeeded" {
		t.Fatalf("Status = %q, want succeeded", resp.Status)
	}
	if resp.Details.QueryMode != "chat" {
		t.Fatalf("QueryMode = %q, want chat", resp.Details.QueryMode)
	}
	if resp.AssistantMessage != "Hello! Ask me about the dataset." {
		t.Fatalf("AssistantMessage = %q", resp.AssistantMessage)
	}
}

func TestTurn_UnknownDataset_ReturnsError(t *testing.T) {
	orch := testOrchestrator(t, &fakeExecutor{}, &scriptedClient{})
	if _, err := orch.Turn(context.Background(), "nope", "thread-1", "hi"); err == nil {
		t.Fatal("expected error for unknown dataset")
	}
}

func TestTurn_SecondCallOnSameThread_SeesHistory(t *testing.T) {
	client := &scriptedClient{turns: []modelclient.Response{{Text: "ok"}}}
	orch := testOrchestrator(t, &fakeExecutor{}, client)

	if _, err := orch.Turn(context.Background(), "sales", "thread-1", "first question"); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.Turn(context.Background(), "sales", "thread-1", "second question"); err != nil {
		t.Fatal(err)
	}

	msgs, err := orch.Messages.Recent(context.Background(), "thread-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("len(msgs) = %d, want 4", len(msgs))
	}
	if msgs[0].Content != "first question" || msgs[2].Content != "second question" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestStreamTurn_FastPath_EmitsStatusResultDone(t *testing.T) {
	exec := &fakeExecutor{result: sandbox.Result{Status: "success", Columns: []string{"n"}, Rows: [][]any{{float64(1)}}, RowCount: 1}}
	orch := testOrchestrator(t, exec, &scriptedClient{})

	var events []stream.Event
	sink := stream.SinkFunc(func(_ context.Context, e stream.Event) error {
		events = append(events, e)
		return nil
	})
	if err := orch.StreamTurn(context.Background(), "sales", "thread-1", "sql: SELECT count(*) as n FROM orders", sink); err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	last := events[len(events)-1]
	if last.Type() != stream.EventDone {
		t.Fatalf("last event type = %v, want done", last.Type())
	}
	var sawResult bool
	for _, e := range events {
		if e.Type() == stream.EventResult {
			sawResult = true
		}
	}
	if !sawResult {
		t.Fatal("expected a result event before done")
	}
}

func TestStreamTurn_FastPath_StatusStagesArePlanningThenExecuting(t *testing.T) {
	exec := &fakeExecutor{result: sandbox.Result{Status: "success", Columns: []string{"n"}, Rows: [][]any{{float64(1)}}, RowCount: 1}}
	orch := testOrchestrator(t, exec, &scriptedClient{})

	var stages []string
	sink := stream.SinkFunc(func(_ context.Context, e stream.Event) error {
		if e.Type() == stream.EventStatus {
			stages = append(stages, e.Payload().(map[string]string)["stage"])
		}
		return nil
	})
	if err := orch.StreamTurn(context.Background(), "sales", "thread-1", "sql: SELECT count(*) as n FROM orders", sink); err != nil {
		t.Fatal(err)
	}
	if len(stages) != 2 || stages[0] != stream.StagePlanning || stages[1] != stream.StageExecuting {
		t.Fatalf("status stages = %v, want [planning executing]", stages)
	}
}

func TestStreamTurn_AgentPath_EmitsToolCallAndToolResultEvents(t *testing.T) {
	client := &scriptedClient{turns: []modelclient.Response{
		{ToolCalls: []modelclient.ToolCall{{ID: "call1", Name: "list_datasets", Input: []byte(`{}`)}}},
		{Text: "There's one dataset: sales."},
	}}
	orch := testOrchestrator(t, &fakeExecutor{}, client)

	var events []stream.Event
	sink := stream.SinkFunc(func(_ context.Context, e stream.Event) error {
		events = append(events, e)
		return nil
	})
	if err := orch.StreamTurn(context.Background(), "sales", "thread-1", "what datasets are there?", sink); err != nil {
		t.Fatal(err)
	}

	var sawToolCall, sawToolResult, sawToken bool
	for _, e := range events {
		switch e.Type() {
		case stream.EventToolCall:
			sawToolCall = true
		case stream.EventToolResult:
			sawToolResult = true
		case stream.EventToken:
			sawToken = true
		}
	}
	if !sawToolCall || !sawToolResult || !sawToken {
		t.Fatalf("events = %+v", events)
	}
}

func TestSummarize_ErrorEnvelope_ApologeticMessage(t *testing.T) {
	env := runnerEnvelope{Status: "error", Error: &struct {
		Type    toolerrors.Type `json:"type"`
		Message string          `json:"message"`
	}{Type: toolerrors.TypeRunnerInternalError, Message: "no such table: bogus"}}
	got := summarize(env)
	if got != "Sorry, I couldn't run that: no such table: bogus" {
		t.Fatalf("summarize() = %q", got)
	}
}

func TestSummarize_SingleRowSingleColumn_Totals(t *testing.T) {
	env := runnerEnvelope{Status: "success", Columns: []string{"total_orders"}, Rows: [][]any{{float64(42)}}, RowCount: 1}
	got := summarize(env)
	if got != "There are 42 total orders." {
		t.Fatalf("summarize() = %q", got)
	}
}

func TestSummarize_SmallResult_ShowsFirstRow(t *testing.T) {
	env := runnerEnvelope{
		Status:   "success",
		Columns:  []string{"id", "amount"},
		Rows:     [][]any{{float64(1), float64(10.5)}, {float64(2), float64(20)}},
		RowCount: 2,
	}
	got := summarize(env)
	if got != "Here's the first row: id=1, amount=10.5" {
		t.Fatalf("summarize() = %q", got)
	}
}

func TestSummarize_LargeResult_GenericSummary(t *testing.T) {
	rows := make([][]any, 10)
	for i := range rows {
		rows[i] = []any{float64(i)}
	}
	env := runnerEnvelope{Status: "success", Columns: []string{"id"}, Rows: rows, RowCount: 10}
	got := summarize(env)
	if got != "I ran the query and returned 10 rows across 1 columns; see the Result table." {
		t.Fatalf("summarize() = %q", got)
	}
}

func TestClassify_RecognizesPrefixesCaseInsensitively(t *testing.T) {
	cases := map[string]string{
		"SQL: select 1":     queryModeSQL,
		"sql:select 1":      queryModeSQL,
		"Python: print(1)":  queryModePython,
		"just a question":   queryModeChat,
	}
	for msg, want := range cases {
		if got := classify(msg).mode; got != want {
			t.Errorf("classify(%q).mode = %q, want %q", msg, got, want)
		}
	}
}

func TestJSONRoundTrip_ResponseMarshalsExpectedShape(t *testing.T) {
	resp := Response{AssistantMessage: "hi", RunID: "r1", ThreadID: "t1", Status: "succeeded"}
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"assistant_message", "run_id", "thread_id", "status", "result", "details"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("missing key %q in marshaled response", key)
		}
	}
}
