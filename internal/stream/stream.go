// Package stream defines the typed events the session orchestrator emits
// while a turn is executing, and the Sink a transport implements to
// deliver them to a client (SSE, WebSocket, or any push transport).
package stream

import "context"

// EventType enumerates the event flavors a turn can emit.
type EventType string

// The seven event flavors a turn can emit. The final event of a turn is
// always Done, optionally preceded by Error.
const (
	EventStatus     EventType = "status"
	EventToken      EventType = "token"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventResult     EventType = "result"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is implemented by every typed event a turn can emit. Sinks marshal
// events generically via Payload(); consumers that need structured field
// access type-switch on the concrete type.
type Event interface {
	Type() EventType
	RunID() string
	Payload() any
}

// base carries the fields common to every event.
type base struct {
	t     EventType
	runID string
}

func (b base) Type() EventType { return b.t }
func (b base) RunID() string   { return b.runID }

// Stage names used in StatusEvent. Every turn opens with StagePlanning.
// The fast path then reports StageExecuting before it dispatches its query
// to the sandbox; the agent path instead reports StageReasoning while the
// tool loop is running and StageSummarizing once the loop has finished.
const (
	StagePlanning    = "planning"
	StageReasoning   = "reasoning"
	StageExecuting   = "executing"
	StageSummarizing = "summarizing"
)

// StatusEvent announces a stage transition within a turn.
type StatusEvent struct {
	base
	Stage string
}

func (e StatusEvent) Payload() any { return map[string]string{"stage": e.Stage} }

// NewStatusEvent builds a StatusEvent for runID at stage.
func NewStatusEvent(runID, stage string) StatusEvent {
	return StatusEvent{base: base{t: EventStatus, runID: runID}, Stage: stage}
}

// TokenEvent streams an incremental chunk of assistant reply text.
type TokenEvent struct {
	base
	Text string
}

func (e TokenEvent) Payload() any { return map[string]string{"text": e.Text} }

// NewTokenEvent builds a TokenEvent for runID carrying text.
func NewTokenEvent(runID, text string) TokenEvent {
	return TokenEvent{base: base{t: EventToken, runID: runID}, Text: text}
}

// ToolCallEvent announces that the agent loop is invoking a tool.
type ToolCallEvent struct {
	base
	ToolName string
	CallID   string
}

func (e ToolCallEvent) Payload() any {
	return map[string]string{"tool_name": e.ToolName, "call_id": e.CallID}
}

// NewToolCallEvent builds a ToolCallEvent for runID.
func NewToolCallEvent(runID, toolName, callID string) ToolCallEvent {
	return ToolCallEvent{base: base{t: EventToolCall, runID: runID}, ToolName: toolName, CallID: callID}
}

// ToolResultEvent carries a tool's serialized result payload.
type ToolResultEvent struct {
	base
	ToolName string
	CallID   string
	Payload_ string
}

func (e ToolResultEvent) Payload() any {
	return map[string]string{"tool_name": e.ToolName, "call_id": e.CallID, "payload": e.Payload_}
}

// NewToolResultEvent builds a ToolResultEvent for runID.
func NewToolResultEvent(runID, toolName, callID, payload string) ToolResultEvent {
	return ToolResultEvent{base: base{t: EventToolResult, runID: runID}, ToolName: toolName, CallID: callID, Payload_: payload}
}

// ResultEvent carries the turn's final uniform response object.
type ResultEvent struct {
	base
	Response any
}

func (e ResultEvent) Payload() any { return e.Response }

// NewResultEvent builds a ResultEvent for runID.
func NewResultEvent(runID string, response any) ResultEvent {
	return ResultEvent{base: base{t: EventResult, runID: runID}, Response: response}
}

// ErrorEvent reports a turn-ending failure that prevented a Result from
// being produced. It always precedes the turn's Done event.
type ErrorEvent struct {
	base
	Message string
}

func (e ErrorEvent) Payload() any { return map[string]string{"message": e.Message} }

// NewErrorEvent builds an ErrorEvent for runID.
func NewErrorEvent(runID, message string) ErrorEvent {
	return ErrorEvent{base: base{t: EventError, runID: runID}, Message: message}
}

// DoneEvent is always the last event of a turn's stream.
type DoneEvent struct {
	base
}

func (e DoneEvent) Payload() any { return map[string]string{"run_id": e.runID} }

// NewDoneEvent builds the terminal DoneEvent for runID.
func NewDoneEvent(runID string) DoneEvent {
	return DoneEvent{base: base{t: EventDone, runID: runID}}
}

// Sink delivers a turn's events to a client over a transport. Implementations
// must be safe for the orchestrator to call Send from a single goroutine per
// turn; concurrent turns each get their own Sink.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, event Event) error { return f(ctx, event) }
