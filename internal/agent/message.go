// Package agent implements the reason-act turn engine: prompt assembly, the
// model-with-tools loop, and the tagged-sum turn trace the capsule
// extractor in internal/agent/capsule walks.
//
// The turn trace is modeled as a closed sum type rather than a single
// Message-with-Role-and-Parts struct, so pairing a tool result back to the
// call that produced it is a type switch over an explicit id, not a
// dynamic-attribute lookup into provider-specific message objects.
package agent

import "encoding/json"

// TraceMessage is implemented by every entry the turn engine can emit into
// a turn trace: UserText, AssistantText, AssistantToolCalls, ToolResult.
type TraceMessage interface {
	isTraceMessage()
}

// UserText is a user-authored message (the new question, or a prior turn's
// question replayed from history).
type UserText struct {
	Text string
}

func (UserText) isTraceMessage() {}

// AssistantText is a model reply with no tool calls: either the final
// answer for the turn, or a replayed assistant message from history.
type AssistantText struct {
	Text string
}

func (AssistantText) isTraceMessage() {}

// RequestedToolCall is one tool invocation the model asked for within an
// AssistantToolCalls batch.
type RequestedToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// AssistantToolCalls is a model turn that requested one or more tool
// invocations instead of replying with text.
type AssistantToolCalls struct {
	Calls []RequestedToolCall
}

func (AssistantToolCalls) isTraceMessage() {}

// ToolResult is a tool's serialized output, correlated back to the
// RequestedToolCall that produced it via CallID.
type ToolResult struct {
	CallID  string
	Payload string
}

func (ToolResult) isTraceMessage() {}

// HistoryMessage is a single prior-turn entry as loaded from the message
// store: just enough to replay into the trace and the model transcript.
type HistoryMessage struct {
	Role    string // "user" or "assistant"
	Content string
}
