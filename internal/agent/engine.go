package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/csvanalyst/agent-server/internal/dataset"
	"github.com/csvanalyst/agent-server/internal/modelclient"
	"github.com/csvanalyst/agent-server/internal/toolerrors"
	"github.com/csvanalyst/agent-server/internal/tools"
)

// DefaultRecursionLimit bounds how many reason-act tranches a single turn
// may run before it is aborted as a runaway loop.
const DefaultRecursionLimit = 8

// recursionLimitMessage is the fixed, user-friendly assistant reply
// substituted in for the turn when the recursion cap is hit.
const recursionLimitMessage = "I wasn't able to finish answering this within the allotted number of steps. Could you narrow down or rephrase the question?"

// ErrRecursionLimit is returned by RunTurn when the reason-act loop hits
// its recursion cap without the model settling on a text-only reply.
// Callers should record the turn as status=failed, query_mode=chat using
// the trace RunTurn still returns (it ends in a fixed AssistantText).
var ErrRecursionLimit = errors.New("agent: recursion limit reached")

// Hooks lets a caller observe a turn as it runs, for streaming a sequence
// of events to a client while RunTurn is still in flight. Every field is
// optional; RunTurn skips a nil hook.
type Hooks struct {
	OnToolCall   func(call RequestedToolCall)
	OnToolResult func(callID, toolName, payload string)
	OnText       func(text string)
}

// Engine drives the reason-act loop: it repeatedly calls the model,
// dispatches any requested tool calls against Services, and folds the
// results back into the transcript until the model replies with text only
// or the recursion cap is hit.
type Engine struct {
	Client         modelclient.Client
	Services       *tools.Services
	Hooks          *Hooks
	tools          map[string]tools.Tool
	toolDefs       []modelclient.ToolDefinition
	MaxRows        int
	RecursionLimit int
}

// NewEngine builds an Engine over the given tool set. toolset is typically
// the result of tools.Specs().
func NewEngine(client modelclient.Client, toolset []tools.Tool, services *tools.Services, maxRows int) *Engine {
	byName := make(map[string]tools.Tool, len(toolset))
	defs := make([]modelclient.ToolDefinition, 0, len(toolset))
	for _, t := range toolset {
		byName[t.Spec.Name] = t
		defs = append(defs, modelclient.ToolDefinition{
			Name:        t.Spec.Name,
			Description: t.Spec.Description,
			InputSchema: t.Spec.SchemaDoc,
		})
	}
	return &Engine{
		Client:         client,
		Services:       services,
		tools:          byName,
		toolDefs:       defs,
		MaxRows:        maxRows,
		RecursionLimit: DefaultRecursionLimit,
	}
}

// RunTurn executes one reason-act turn over ds for message, with history
// replayed as prior conversational context and an optional summary of the
// most recent successful run in the thread. It returns the full turn trace
// (history entries included, so the capsule extractor sees the same
// transcript the model reasoned over) and, distinctly, ErrRecursionLimit
// if the cap was hit.
func (e *Engine) RunTurn(ctx context.Context, ds dataset.Descriptor, message string, history []HistoryMessage, prior *PriorRun) ([]TraceMessage, error) {
	systemMsgs := []modelclient.Message{
		{Role: modelclient.RoleSystem, Text: BuildSystemPrompt(e.MaxRows)},
		{Role: modelclient.RoleSystem, Text: DatasetFragment(ds)},
	}
	if fragment := PriorRunFragment(prior); fragment != "" {
		systemMsgs = append(systemMsgs, modelclient.Message{Role: modelclient.RoleSystem, Text: fragment})
	}

	trace := make([]TraceMessage, 0, len(history)+1)
	modelMsgs := make([]modelclient.Message, 0, len(history)+1)
	for _, h := range history {
		if h.Role == "assistant" {
			trace = append(trace, AssistantText{Text: h.Content})
			modelMsgs = append(modelMsgs, modelclient.Message{Role: modelclient.RoleAssistant, Text: h.Content})
		} else {
			trace = append(trace, UserText{Text: h.Content})
			modelMsgs = append(modelMsgs, modelclient.Message{Role: modelclient.RoleUser, Text: h.Content})
		}
	}
	trace = append(trace, UserText{Text: message})
	modelMsgs = append(modelMsgs, modelclient.Message{Role: modelclient.RoleUser, Text: message})

	for step := 0; step < e.RecursionLimit; step++ {
		req := modelclient.Request{
			Messages: append(systemMsgs, modelMsgs...),
			Tools:    e.toolDefs,
		}
		resp, err := e.Client.Complete(ctx, req)
		if err != nil {
			return trace, fmt.Errorf("agent: model call: %w", err)
		}
		if len(resp.ToolCalls) == 0 {
			trace = append(trace, AssistantText{Text: resp.Text})
			if e.Hooks != nil && e.Hooks.OnText != nil {
				e.Hooks.OnText(resp.Text)
			}
			return trace, nil
		}

		calls := make([]RequestedToolCall, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			calls[i] = RequestedToolCall{ID: tc.ID, Name: tc.Name, Args: json.RawMessage(tc.Input)}
		}
		trace = append(trace, AssistantToolCalls{Calls: calls})
		modelMsgs = append(modelMsgs, modelclient.Message{Role: modelclient.RoleAssistant, ToolCalls: resp.ToolCalls})

		results := make([]modelclient.ToolResult, 0, len(calls))
		for _, call := range calls {
			if e.Hooks != nil && e.Hooks.OnToolCall != nil {
				e.Hooks.OnToolCall(call)
			}
			payload, isError := e.dispatch(ctx, call)
			trace = append(trace, ToolResult{CallID: call.ID, Payload: payload})
			if e.Hooks != nil && e.Hooks.OnToolResult != nil {
				e.Hooks.OnToolResult(call.ID, call.Name, payload)
			}
			results = append(results, modelclient.ToolResult{ToolCallID: call.ID, Content: payload, IsError: isError})
		}
		modelMsgs = append(modelMsgs, modelclient.Message{Role: modelclient.RoleUser, ToolResults: results})
	}

	trace = append(trace, AssistantText{Text: recursionLimitMessage})
	return trace, ErrRecursionLimit
}

// dispatch runs a single requested tool call and returns its serialized
// result plus whether the result represents a tool-side failure. A tool
// name unknown to this engine, or arguments that fail schema validation,
// are reported the same way a runner-side failure would be: a synthetic
// error envelope, never a Go error — the model must be able to read and
// recover from the failure.
func (e *Engine) dispatch(ctx context.Context, call RequestedToolCall) (string, bool) {
	tool, ok := e.tools[call.Name]
	if !ok {
		return errorEnvelope(toolerrors.TypeUnknownTool, fmt.Sprintf("no such tool: %s", call.Name)), true
	}
	if err := tool.Spec.Validate(call.Args); err != nil {
		return errorEnvelope(toolerrors.TypeInvalidArguments, err.Error()), true
	}
	out, err := tool.Run(ctx, e.Services, call.Args)
	if err != nil {
		return errorEnvelope(toolerrors.TypeToolError, err.Error()), true
	}
	return out, false
}

func errorEnvelope(errType toolerrors.Type, message string) string {
	out, _ := json.Marshal(map[string]any{
		"status":  "error",
		"columns": []string{},
		"rows":    [][]any{},
		"error":   map[string]string{"type": string(errType), "message": message},
	})
	return string(out)
}
