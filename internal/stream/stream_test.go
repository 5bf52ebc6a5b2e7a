package stream

import (
	"context"
	"testing"
)

func TestEvents_CarryTypeAndRunID(t *testing.T) {
	cases := []struct {
		event Event
		want  EventType
	}{
		{NewStatusEvent("run-1", StageReasoning), EventStatus},
		{NewTokenEvent("run-1", "hi"), EventToken},
		{NewToolCallEvent("run-1", "execute_sql", "c1"), EventToolCall},
		{NewToolResultEvent("run-1", "execute_sql", "c1", `{"status":"success"}`), EventToolResult},
		{NewResultEvent("run-1", map[string]any{"status": "succeeded"}), EventResult},
		{NewErrorEvent("run-1", "boom"), EventError},
		{NewDoneEvent("run-1"), EventDone},
	}
	for _, c := range cases {
		if c.event.Type() != c.want {
			t.Errorf("Type() = %v, want %v", c.event.Type(), c.want)
		}
		if c.event.RunID() != "run-1" {
			t.Errorf("RunID() = %v, want run-1", c.event.RunID())
		}
		if c.event.Payload() == nil {
			t.Errorf("Payload() returned nil for %v", c.want)
		}
	}
}

func TestSinkFunc_AdaptsPlainFunction(t *testing.T) {
	var got Event
	sink := SinkFunc(func(_ context.Context, e Event) error {
		got = e
		return nil
	})
	ev := NewDoneEvent("run-1")
	if err := sink.Send(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if got.Type() != EventDone {
		t.Fatalf("got.Type() = %v, want %v", got.Type(), EventDone)
	}
}
