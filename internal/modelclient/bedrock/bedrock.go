// Package bedrock implements modelclient.Client on top of the AWS Bedrock
// Converse API, translating the flat request/response shape used by the
// agent turn engine into bedrockruntime.ConverseInput and back.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/csvanalyst/agent-server/internal/modelclient"
	"github.com/csvanalyst/agent-server/internal/modelclient/ratelimit"
)

// RuntimeClient captures the subset of the AWS Bedrock runtime client the
// adapter uses, so tests can substitute a fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client implements modelclient.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime   RuntimeClient
	model     string
	maxTokens int
}

// New builds a Bedrock-backed client. defaultModel is a Bedrock model ID
// (an inference profile ARN or a foundation model ID) and maxTokens caps
// every completion unless overridden per-request.
func New(runtime RuntimeClient, defaultModel string, maxTokens int) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model id is required")
	}
	if maxTokens <= 0 {
		return nil, errors.New("max_tokens must be positive")
	}
	return &Client{runtime: runtime, model: defaultModel, maxTokens: maxTokens}, nil
}

// Complete issues a Converse request and translates the response back into
// a modelclient.Response.
func (c *Client) Complete(ctx context.Context, req modelclient.Request) (modelclient.Response, error) {
	input, err := c.prepareRequest(req)
	if err != nil {
		return modelclient.Response{}, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isThrottling(err) {
			return modelclient.Response{}, fmt.Errorf("bedrock converse: %w: %w", ratelimit.ErrRateLimited, err)
		}
		return modelclient.Response{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(output)
}

// isThrottling reports whether err is Bedrock's ThrottlingException, the
// signal a caller wrapping this client in ratelimit.Limiter backs off on.
func isThrottling(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ThrottlingException"
}

func (c *Client) prepareRequest(req modelclient.Request) (*bedrockruntime.ConverseInput, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	toolConfig, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}

	maxTok := int32(maxTokens)
	input := &bedrockruntime.ConverseInput{
		ModelId:  &modelID,
		Messages: messages,
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens: &maxTok,
		},
	}
	if len(system) > 0 {
		input.System = system
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		input.InferenceConfig.Temperature = &temp
	}
	return input, nil
}

func encodeMessages(msgs []modelclient.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	system := make([]brtypes.SystemContentBlock, 0, len(msgs))

	for _, m := range msgs {
		if m.Role == modelclient.RoleSystem {
			if m.Text != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Text})
			}
			continue
		}

		var blocks []brtypes.ContentBlock
		switch {
		case len(m.ToolCalls) > 0:
			for _, tc := range m.ToolCalls {
				id := tc.ID
				name := tc.Name
				tb := brtypes.ToolUseBlock{
					ToolUseId: &id,
					Name:      &name,
					Input:     lazyDocument(tc.Input),
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			}
		case len(m.ToolResults) > 0:
			for _, tr := range m.ToolResults {
				id := tr.ToolCallID
				status := brtypes.ToolResultStatusSuccess
				if tr.IsError {
					status = brtypes.ToolResultStatusError
				}
				trb := brtypes.ToolResultBlock{
					ToolUseId: &id,
					Status:    status,
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberText{Value: tr.Content},
					},
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: trb})
			}
		case m.Text != "":
			blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Text})
		}
		if len(blocks) == 0 {
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == modelclient.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []modelclient.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		name := def.Name
		desc := def.Description
		spec := brtypes.ToolSpecification{
			Name:        &name,
			Description: &desc,
			InputSchema: &brtypes.ToolInputSchemaMemberJson{
				Value: lazyDocument(def.InputSchema),
			},
		}
		tools = append(tools, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	return &brtypes.ToolConfiguration{Tools: tools}, nil
}

func translateResponse(output *bedrockruntime.ConverseOutput) (modelclient.Response, error) {
	if output == nil {
		return modelclient.Response{}, errors.New("bedrock: response is nil")
	}
	var resp modelclient.Response
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				resp.Text += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				var id, name string
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				if v.Value.Name != nil {
					name = *v.Value.Name
				}
				resp.ToolCalls = append(resp.ToolCalls, modelclient.ToolCall{
					ID:    id,
					Name:  name,
					Input: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = modelclient.TokenUsage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
		}
	}
	resp.StopReason = string(output.StopReason)
	return resp, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	var raw json.RawMessage
	if err := doc.UnmarshalSmithyDocument(&raw); err != nil {
		return nil
	}
	return raw
}

func lazyDocument(v any) document.Interface {
	switch t := v.(type) {
	case json.RawMessage:
		return document.NewLazyDocument(json.RawMessage(t))
	case []byte:
		var decoded any
		if len(t) == 0 {
			return document.NewLazyDocument(map[string]any{})
		}
		if err := json.Unmarshal(t, &decoded); err != nil {
			return document.NewLazyDocument(map[string]any{})
		}
		return document.NewLazyDocument(decoded)
	case nil:
		return document.NewLazyDocument(map[string]any{})
	default:
		return document.NewLazyDocument(v)
	}
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		var zero T
		return zero
	}
	return *ptr
}
