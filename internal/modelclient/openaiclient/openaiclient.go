// Package openaiclient implements modelclient.Client on top of the OpenAI
// Chat Completions API via github.com/openai/openai-go, mirroring the
// Anthropic adapter's narrow-interface-for-testability shape.
package openaiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/modelclient"
	"github.com/taskmesh/orchestrator/internal/outcome"
)

// ChatCompletionsClient captures the subset of the OpenAI SDK used by the
// adapter so callers can pass either a real client or a test double.
type ChatCompletionsClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements modelclient.Client via the OpenAI Chat Completions API.
type Client struct {
	chat         ChatCompletionsClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

var _ modelclient.Client = (*Client)(nil)

// New builds a Client from a Chat Completions client and options.
func New(chat ChatCompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openaiclient: chat completions client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openaiclient: default model is required")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openaiclient: api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Generate issues a non-streaming chat completion, forwarding tools and tool
// choice, and translates the response into a GenerateResponse.
func (c *Client) Generate(ctx context.Context, req *modelclient.GenerateRequest) outcome.Result[*modelclient.GenerateResponse] {
	params, err := c.prepareParams(req.Model, req.Messages, req.Tools, req.ToolChoice, req.Temperature, req.MaxTokens)
	if err != nil {
		return outcome.ErrFromCause[*modelclient.GenerateResponse](kinds.KindAgent, err.Error(), err)
	}
	completion, err := c.chat.New(ctx, *params)
	if err != nil {
		return outcome.ErrFromCause[*modelclient.GenerateResponse](kinds.KindTransient, "openai chat completions: "+err.Error(), err)
	}
	return outcome.Ok(translateResponse(completion))
}

// Structured forces a single named tool whose parameters schema is
// req.Schema, then reads the tool call's arguments back as the structured
// payload — Chat Completions has no schema-constrained completion endpoint
// independent of tool/function calling.
func (c *Client) Structured(ctx context.Context, req *modelclient.StructuredRequest) outcome.Result[json.RawMessage] {
	const toolName = "emit_structured_output"
	messages := []modelclient.Message{{Role: modelclient.RoleUser, Text: req.Prompt}}
	tools := []modelclient.ToolDefinition{{
		Name:        toolName,
		Description: "Emit the final structured result matching the required schema.",
		Schema:      req.Schema,
	}}
	choice := &modelclient.ToolChoice{Mode: modelclient.ToolChoiceSpecific, Name: toolName}

	params, err := c.prepareParams(req.Model, messages, tools, choice, req.Temperature, 0)
	if err != nil {
		return outcome.ErrFromCause[json.RawMessage](kinds.KindAgent, err.Error(), err)
	}
	completion, err := c.chat.New(ctx, *params)
	if err != nil {
		return outcome.ErrFromCause[json.RawMessage](kinds.KindTransient, "openai chat completions: "+err.Error(), err)
	}
	resp := translateResponse(completion)
	if len(resp.ToolCalls) == 0 {
		return outcome.Err[json.RawMessage](kinds.KindAgent, "model did not return a structured_output tool call")
	}
	return outcome.Ok(resp.ToolCalls[0].Payload)
}

func (c *Client) prepareParams(model string, messages []modelclient.Message, tools []modelclient.ToolDefinition, choice *modelclient.ToolChoice, temperature float64, maxTokens int) (*openai.ChatCompletionNewParams, error) {
	if len(messages) == 0 {
		return nil, errors.New("openaiclient: messages are required")
	}
	modelID := model
	if modelID == "" {
		modelID = c.defaultModel
	}
	encoded, err := encodeMessages(messages)
	if err != nil {
		return nil, err
	}
	params := &openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: encoded,
	}
	if t := temperature; t > 0 {
		params.Temperature = openai.Float(t)
	} else if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	effMaxTokens := maxTokens
	if effMaxTokens <= 0 {
		effMaxTokens = c.maxTokens
	}
	if effMaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(effMaxTokens))
	}
	if len(tools) > 0 {
		encodedTools, err := encodeTools(tools)
		if err != nil {
			return nil, err
		}
		params.Tools = encodedTools
	}
	if choice != nil {
		tc, err := encodeToolChoice(choice)
		if err != nil {
			return nil, err
		}
		params.ToolChoice = tc
	}
	return params, nil
}

func encodeMessages(msgs []modelclient.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case modelclient.RoleSystem:
			out = append(out, openai.SystemMessage(m.Text))
		case modelclient.RoleUser:
			if m.Text != "" {
				out = append(out, openai.UserMessage(m.Text))
			}
			for _, tr := range m.ToolResults {
				out = append(out, openai.ToolMessage(tr.Content, tr.ToolCallID))
			}
		case modelclient.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Text))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Payload),
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if m.Text != "" {
				assistant.Content.OfString = openai.String(m.Text)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			return nil, fmt.Errorf("openaiclient: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openaiclient: at least one message is required")
	}
	return out, nil
}

func encodeTools(defs []modelclient.ToolDefinition) ([]openai.ChatCompletionToolParam, error) {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		var params map[string]any
		if len(def.Schema) > 0 {
			if err := json.Unmarshal(def.Schema, &params); err != nil {
				return nil, fmt.Errorf("openaiclient: tool %q schema: %w", def.Name, err)
			}
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  params,
			},
		})
	}
	return out, nil
}

func encodeToolChoice(choice *modelclient.ToolChoice) (openai.ChatCompletionToolChoiceOptionUnionParam, error) {
	switch choice.Mode {
	case "", modelclient.ToolChoiceAuto:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: "auto"}, nil
	case modelclient.ToolChoiceRequired:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: "required"}, nil
	case modelclient.ToolChoiceSpecific:
		if choice.Name == "" {
			return openai.ChatCompletionToolChoiceOptionUnionParam{}, errors.New("openaiclient: specific tool choice requires a name")
		}
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.Name},
			},
		}, nil
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openaiclient: unsupported tool choice mode %q", choice.Mode)
	}
}

func translateResponse(completion *openai.ChatCompletion) *modelclient.GenerateResponse {
	resp := &modelclient.GenerateResponse{}
	if len(completion.Choices) > 0 {
		choice := completion.Choices[0]
		resp.Text = choice.Message.Content
		resp.StopReason = string(choice.FinishReason)
		for _, call := range choice.Message.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, modelclient.ToolCall{
				ID: call.ID, Name: call.Function.Name, Payload: json.RawMessage(call.Function.Arguments),
			})
		}
	}
	resp.Usage = modelclient.TokenUsage{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}
	return resp
}
