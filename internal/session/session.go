// Package session implements the per-turn orchestrator: it classifies an
// incoming message into the fast path (direct SQL/Python execution) or the
// agent path (the reason-act loop), summarizes or derives a uniform
// response, and persists the turn's message and run capsule.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/csvanalyst/agent-server/internal/agent"
	agentcapsule "github.com/csvanalyst/agent-server/internal/agent/capsule"
	"github.com/csvanalyst/agent-server/internal/capsule"
	"github.com/csvanalyst/agent-server/internal/dataset"
	"github.com/csvanalyst/agent-server/internal/message"
	"github.com/csvanalyst/agent-server/internal/stream"
	"github.com/csvanalyst/agent-server/internal/telemetry"
	"github.com/csvanalyst/agent-server/internal/toolerrors"
	"github.com/csvanalyst/agent-server/internal/tools"
)

const (
	sqlPrefix    = "sql:"
	pythonPrefix = "python:"

	queryModeChat   = "chat"
	queryModeSQL    = "sql"
	queryModePython = "python"
)

// ErrUnknownDataset is returned by Turn and StreamTurn when datasetID
// doesn't name a dataset in the registry. Transports use errors.Is against
// it to tell a client-facing "no such dataset" from an infrastructure
// failure (a store write, a history read) that should surface as a
// server error instead.
var ErrUnknownDataset = errors.New("unknown dataset_id")

// Result is the executed-query view of a turn's response: zero-valued when
// the turn never produced a runner result (chat mode with no execution).
type Result struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	RowCount   int      `json:"row_count"`
	ExecTimeMs int64    `json:"exec_time_ms,omitempty"`
	Error      *string  `json:"error,omitempty"`
}

// Details carries the query-construction metadata for a turn: which
// dataset, which mode, and the exact plan/SQL/Python that ran.
type Details struct {
	DatasetID   string          `json:"dataset_id"`
	QueryMode   string          `json:"query_mode"`
	PlanJSON    json.RawMessage `json:"plan_json,omitempty"`
	CompiledSQL string          `json:"compiled_sql,omitempty"`
	PythonCode  string          `json:"python_code,omitempty"`
}

// Response is the uniform object every turn, fast-path or agent-path,
// produces.
type Response struct {
	AssistantMessage string  `json:"assistant_message"`
	RunID            string  `json:"run_id"`
	ThreadID         string  `json:"thread_id"`
	Status           string  `json:"status"`
	Result           Result  `json:"result"`
	Details          Details `json:"details"`
}

// Orchestrator drives one turn at a time for a (dataset, thread) pair. It
// is safe for concurrent use across distinct turns; the stores and executor
// it wraps own their own concurrency guarantees.
type Orchestrator struct {
	Registry      *dataset.Registry
	Capsules      capsule.Store
	Messages      message.Store
	Engine        *agent.Engine
	Services      *tools.Services
	FastPathTools map[string]tools.Tool
	HistoryWindow int
	NewRunID      func() string

	// Logger/Metrics/Tracer default to no-op implementations; set them
	// (directly, on the returned *Orchestrator) to observe turns in
	// production. Turn and StreamTurn both log the outcome of every turn
	// and record its duration and status under "session.turn".
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// New builds an Orchestrator. fastPathTools must contain "execute_sql" and
// "execute_python" (typically a subset of tools.Specs() indexed by name).
// services is the shared bundle every tool closes over (executor, registry,
// per-run caps); it is usually the same value the Engine's tool set runs
// against.
func New(registry *dataset.Registry, capsules capsule.Store, messages message.Store, engine *agent.Engine, services *tools.Services, fastPathTools map[string]tools.Tool, historyWindow int) *Orchestrator {
	if historyWindow <= 0 {
		historyWindow = 20
	}
	return &Orchestrator{
		Registry:      registry,
		Capsules:      capsules,
		Messages:      messages,
		Engine:        engine,
		Services:      services,
		FastPathTools: fastPathTools,
		HistoryWindow: historyWindow,
		NewRunID:      uuid.NewString,
		Logger:        telemetry.NewNoopLogger(),
		Metrics:       telemetry.NewNoopMetrics(),
		Tracer:        telemetry.NewNoopTracer(),
	}
}

// classification is the result of inspecting an incoming message's prefix.
type classification struct {
	mode string // queryModeChat, queryModeSQL, or queryModePython
	body string // the message with any fast-path prefix stripped
}

func classify(msg string) classification {
	trimmed := strings.TrimSpace(msg)
	if body, ok := stripPrefix(trimmed, sqlPrefix); ok {
		return classification{mode: queryModeSQL, body: body}
	}
	if body, ok := stripPrefix(trimmed, pythonPrefix); ok {
		return classification{mode: queryModePython, body: body}
	}
	return classification{mode: queryModeChat, body: trimmed}
}

func stripPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

// Turn runs one non-streaming turn for datasetID/threadID and returns the
// uniform Response. It persists the user message before doing any work, and
// the assistant message plus run capsule before returning. Every call is
// logged and timed under "session.turn", success or failure.
func (o *Orchestrator) Turn(ctx context.Context, datasetID, threadID, userMessage string) (resp Response, err error) {
	ctx, span := o.Tracer.Start(ctx, "session.turn")
	started := time.Now()
	defer func() {
		o.finishTurn(ctx, span, started, datasetID, resp, err)
	}()

	ds, ok := o.Registry.Get(datasetID)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownDataset, datasetID)
		return Response{}, err
	}

	runID := o.NewRunID()
	var recentMessages []message.Message
	recentMessages, err = o.Messages.Recent(ctx, threadID, o.HistoryWindow)
	if err != nil {
		return Response{}, err
	}
	history := toHistory(recentMessages)
	if _, appendErr := o.Messages.Append(ctx, message.Message{ThreadID: threadID, DatasetID: datasetID, Role: message.RoleUser, Content: userMessage}); appendErr != nil {
		err = appendErr
		return Response{}, err
	}

	class := classify(userMessage)
	var data agentcapsule.Data
	if class.mode != queryModeChat {
		data = o.runFastPath(ctx, ds, class)
	} else {
		prior := o.priorRun(ctx, recentMessages)
		data = o.runAgentPath(ctx, o.Engine, ds, userMessage, history, prior)
	}
	data.Question = userMessage

	resp = o.buildResponse(runID, threadID, data)
	if persistErr := o.persistTurn(ctx, runID, threadID, datasetID, data); persistErr != nil {
		err = persistErr
		return Response{}, err
	}
	return resp, nil
}

// finishTurn logs and records metrics for one completed Turn/StreamTurn
// call: a "session.turn.count" counter tagged by status and a
// "session.turn.duration" timer, plus an info/error log line. It also
// closes the turn's tracing span.
func (o *Orchestrator) finishTurn(ctx context.Context, span telemetry.Span, started time.Time, datasetID string, resp Response, err error) {
	duration := time.Since(started)
	status := resp.Status
	if err != nil {
		status = "error"
		span.RecordError(err)
		o.Logger.Error(ctx, "session turn failed", "dataset_id", datasetID, "run_id", resp.RunID, "error", err.Error())
	} else {
		o.Logger.Info(ctx, "session turn complete", "dataset_id", datasetID, "run_id", resp.RunID, "query_mode", resp.Details.QueryMode, "status", status)
	}
	o.Metrics.IncCounter("session.turn.count", 1, "dataset_id", datasetID, "status", status)
	o.Metrics.RecordTimer("session.turn.duration", duration, "dataset_id", datasetID)
	span.End()
}

func toHistory(recent []message.Message) []agent.HistoryMessage {
	out := make([]agent.HistoryMessage, len(recent))
	for i, m := range recent {
		out[i] = agent.HistoryMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// priorRun walks history back to front looking for the most recent message
// with a recorded run id whose capsule succeeded in a non-chat mode, for
// use as agent-path follow-up context.
func (o *Orchestrator) priorRun(ctx context.Context, recent []message.Message) *agent.PriorRun {
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if m.RunID == "" {
			continue
		}
		c, err := o.Capsules.Get(ctx, m.RunID)
		if err != nil {
			continue
		}
		if c.Status != capsule.StatusSucceeded || c.QueryMode == capsule.ModeChat {
			continue
		}
		var result struct {
			Columns []string `json:"columns"`
			Rows    [][]any  `json:"rows"`
		}
		_ = json.Unmarshal(c.ResultJSON, &result)
		return &agent.PriorRun{
			Mode:        c.QueryMode,
			RowCount:    len(result.Rows),
			Columns:     result.Columns,
			CompiledSQL: c.CompiledSQL,
			PythonCode:  c.PythonCode,
		}
	}
	return nil
}

func (o *Orchestrator) runFastPath(ctx context.Context, ds dataset.Descriptor, class classification) agentcapsule.Data {
	toolName := "execute_sql"
	argKey := "sql"
	if class.mode == queryModePython {
		toolName = "execute_python"
		argKey = "python_code"
	}
	tool, ok := o.FastPathTools[toolName]
	if !ok {
		return agentcapsule.Data{DatasetID: ds.ID, QueryMode: class.mode, Status: capsule.StatusFailed, AssistantMessage: "This execution mode is not available."}
	}

	argsJSON, _ := json.Marshal(map[string]string{"dataset_id": ds.ID, argKey: class.body})
	payload, err := tool.Run(ctx, o.Services, argsJSON)
	if err != nil {
		return agentcapsule.Data{DatasetID: ds.ID, QueryMode: class.mode, Status: capsule.StatusFailed, AssistantMessage: fmt.Sprintf("Sorry, something went wrong: %s", err.Error())}
	}

	var env runnerEnvelope
	_ = json.Unmarshal([]byte(payload), &env)

	data := agentcapsule.Data{
		DatasetID:   ds.ID,
		QueryMode:   class.mode,
		CompiledSQL: env.CompiledSQL,
		ResultJSON:  json.RawMessage(payload),
	}
	if class.mode == queryModePython {
		data.PythonCode = class.body
	}
	if env.PlanJSON != nil {
		data.PlanJSON = env.PlanJSON
	}
	data.Status = deriveFastPathStatus(env)
	data.AssistantMessage = summarize(env)
	return data
}

func (o *Orchestrator) runAgentPath(ctx context.Context, eng *agent.Engine, ds dataset.Descriptor, userMessage string, history []agent.HistoryMessage, prior *agent.PriorRun) agentcapsule.Data {
	trace, err := eng.RunTurn(ctx, ds, userMessage, history, prior)
	data := agentcapsule.Extract(trace, ds.ID, userMessage)
	if errors.Is(err, agent.ErrRecursionLimit) {
		data.Status = capsule.StatusFailed
		data.QueryMode = queryModeChat
	}
	return data
}

func (o *Orchestrator) buildResponse(runID, threadID string, data agentcapsule.Data) Response {
	resp := Response{
		AssistantMessage: data.AssistantMessage,
		RunID:            runID,
		ThreadID:         threadID,
		Status:           data.Status,
		Details: Details{
			DatasetID:   data.DatasetID,
			QueryMode:   data.QueryMode,
			PlanJSON:    data.PlanJSON,
			CompiledSQL: data.CompiledSQL,
			PythonCode:  data.PythonCode,
		},
	}
	if len(data.ResultJSON) > 0 {
		var env runnerEnvelope
		if json.Unmarshal(data.ResultJSON, &env) == nil {
			resp.Result = Result{Columns: env.Columns, Rows: env.Rows, RowCount: env.RowCount, ExecTimeMs: env.ExecTimeMs}
			if env.Error != nil {
				resp.Result.Error = &env.Error.Message
			}
		}
	}
	return resp
}

func (o *Orchestrator) persistTurn(ctx context.Context, runID, threadID, datasetID string, data agentcapsule.Data) error {
	metaJSON, _ := json.Marshal(map[string]string{"run_id": runID})
	if _, err := o.Messages.Append(ctx, message.Message{
		ThreadID:  threadID,
		DatasetID: datasetID,
		Role:      message.RoleAssistant,
		Content:   data.AssistantMessage,
		RunID:     runID,
		Metadata:  metaJSON,
	}); err != nil {
		return err
	}
	return o.Capsules.Create(ctx, capsule.Capsule{
		RunID:       runID,
		DatasetID:   datasetID,
		Question:    data.Question,
		QueryMode:   data.QueryMode,
		PlanJSON:    data.PlanJSON,
		CompiledSQL: data.CompiledSQL,
		PythonCode:  data.PythonCode,
		Status:      data.Status,
		ResultJSON:  data.ResultJSON,
	})
}

// runnerEnvelope mirrors the JSON shape internal/tools' execution tools
// return, decoded generically here since the two packages don't share an
// exported type for it.
type runnerEnvelope struct {
	Status      string          `json:"status"`
	Columns     []string        `json:"columns"`
	Rows        [][]any         `json:"rows"`
	RowCount    int             `json:"row_count"`
	ExecTimeMs  int64           `json:"exec_time_ms,omitempty"`
	CompiledSQL string          `json:"compiled_sql,omitempty"`
	PlanJSON    json.RawMessage `json:"plan_json,omitempty"`
	Error       *struct {
		Type    toolerrors.Type `json:"type"`
		Message string          `json:"message"`
	} `json:"error,omitempty"`
}

func deriveFastPathStatus(env runnerEnvelope) string {
	switch {
	case env.Status == "success":
		return capsule.StatusSucceeded
	case env.Status == "timeout":
		return capsule.StatusTimedOut
	case env.Error != nil && (env.Error.Type == toolerrors.TypeSQLPolicyViolation || env.Error.Type == toolerrors.TypeFeatureDisabled):
		return capsule.StatusRejected
	case env.Error != nil && (env.Error.Type == toolerrors.TypeTimeout || env.Error.Type == toolerrors.TypeRunnerTimeout):
		return capsule.StatusTimedOut
	default:
		return capsule.StatusFailed
	}
}

// totalsColumnSuffix / countNames recognize the column-name conventions
// §4.H.1 special-cases when summarizing a single-row, single-column result.
const totalsColumnSuffix = "total_"

var countNames = map[string]bool{"count": true, "n": true, "total": true, "total_count": true, "row_count": true}

// summarize produces the deterministic natural-language assistant message
// for a fast-path result, per §4.H.1.
func summarize(env runnerEnvelope) string {
	if env.Error != nil {
		return fmt.Sprintf("Sorry, I couldn't run that: %s", env.Error.Message)
	}
	if env.RowCount == 0 {
		return "No rows matched your request."
	}
	if len(env.Columns) == 1 && len(env.Rows) == 1 {
		col := env.Columns[0]
		val := formatCell(env.Rows[0][0])
		lower := strings.ToLower(col)
		switch {
		case strings.HasPrefix(lower, totalsColumnSuffix):
			return fmt.Sprintf("There are %s total %s.", val, strings.TrimPrefix(lower, totalsColumnSuffix))
		case countNames[lower]:
			return fmt.Sprintf("The result is %s.", val)
		default:
			return fmt.Sprintf("%s: %s", col, val)
		}
	}
	if len(env.Rows) <= 5 && len(env.Columns) <= 4 {
		var b strings.Builder
		b.WriteString("Here's the first row: ")
		for i, col := range env.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", col, formatCell(env.Rows[0][i]))
		}
		return b.String()
	}
	return fmt.Sprintf("I ran the query and returned %d rows across %d columns; see the Result table.", env.RowCount, len(env.Columns))
}

func formatCell(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// StreamTurn runs one turn like Turn, but emits typed events to sink as the
// turn progresses instead of only returning the final Response. When
// datasetID is unknown it returns ErrUnknownDataset before sending any
// event; otherwise the last event sent is always Done (preceded by Error on
// failure).
func (o *Orchestrator) StreamTurn(ctx context.Context, datasetID, threadID, userMessage string, sink stream.Sink) (err error) {
	ctx, span := o.Tracer.Start(ctx, "session.turn")
	started := time.Now()
	var resp Response
	defer func() {
		o.finishTurn(ctx, span, started, datasetID, resp, err)
	}()

	ds, ok := o.Registry.Get(datasetID)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownDataset, datasetID)
		return err
	}

	runID := o.NewRunID()
	send := func(e stream.Event) { _ = sink.Send(ctx, e) }
	send(stream.NewStatusEvent(runID, stream.StagePlanning))

	recentMessages, recentErr := o.Messages.Recent(ctx, threadID, o.HistoryWindow)
	if recentErr != nil {
		err = recentErr
		send(stream.NewErrorEvent(runID, err.Error()))
		send(stream.NewDoneEvent(runID))
		return err
	}
	history := toHistory(recentMessages)
	if _, appendErr := o.Messages.Append(ctx, message.Message{ThreadID: threadID, DatasetID: datasetID, Role: message.RoleUser, Content: userMessage}); appendErr != nil {
		err = appendErr
		send(stream.NewErrorEvent(runID, err.Error()))
		send(stream.NewDoneEvent(runID))
		return err
	}

	class := classify(userMessage)
	var data agentcapsule.Data
	if class.mode != queryModeChat {
		send(stream.NewStatusEvent(runID, stream.StageExecuting))
		data = o.runFastPath(ctx, ds, class)
	} else {
		send(stream.NewStatusEvent(runID, stream.StageReasoning))
		// A per-turn shallow copy of the Engine carries per-turn Hooks without
		// mutating shared state other concurrently running turns also read.
		turnEngine := *o.Engine
		turnEngine.Hooks = &agent.Hooks{
			OnToolCall:   func(call agent.RequestedToolCall) { send(stream.NewToolCallEvent(runID, call.Name, call.ID)) },
			OnToolResult: func(callID, toolName, payload string) { send(stream.NewToolResultEvent(runID, toolName, callID, payload)) },
			OnText:       func(text string) { send(stream.NewTokenEvent(runID, text)) },
		}
		prior := o.priorRun(ctx, recentMessages)
		data = o.runAgentPath(ctx, &turnEngine, ds, userMessage, history, prior)
		send(stream.NewStatusEvent(runID, stream.StageSummarizing))
	}
	data.Question = userMessage

	resp = o.buildResponse(runID, threadID, data)
	if persistErr := o.persistTurn(ctx, runID, threadID, datasetID, data); persistErr != nil {
		err = persistErr
		send(stream.NewErrorEvent(runID, err.Error()))
		send(stream.NewDoneEvent(runID))
		return err
	}
	send(stream.NewResultEvent(runID, resp))
	send(stream.NewDoneEvent(runID))
	return nil
}
