package openai

import (
	"context"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/csvanalyst/agent-server/internal/modelclient"
)

type fakeChatClient struct {
	resp *openai.ChatCompletion
	err  error
}

func (f *fakeChatClient) New(_ context.Context, _ openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	return f.resp, f.err
}

func TestNew_RejectsNilClient(t *testing.T) {
	if _, err := New(nil, "gpt-x"); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestNew_RejectsEmptyModel(t *testing.T) {
	if _, err := New(&fakeChatClient{}, ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestComplete_TranslatesTextResponse(t *testing.T) {
	fake := &fakeChatClient{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{
				Message:      openai.ChatCompletionMessage{Content: "hi there"},
				FinishReason: "stop",
			},
		},
	}}
	client, err := New(fake, "gpt-x")
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Complete(context.Background(), modelclient.Request{
		Messages: []modelclient.Message{{Role: modelclient.RoleUser, Text: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "hi there" {
		t.Fatalf("Text = %q", resp.Text)
	}
	if resp.StopReason != "stop" {
		t.Fatalf("StopReason = %q", resp.StopReason)
	}
}

func TestComplete_RequiresMessages(t *testing.T) {
	client, err := New(&fakeChatClient{}, "gpt-x")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Complete(context.Background(), modelclient.Request{}); err == nil {
		t.Fatal("expected error for empty message list")
	}
}
