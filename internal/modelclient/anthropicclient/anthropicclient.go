// Package anthropicclient implements modelclient.Client on top of the
// Anthropic Claude Messages API via github.com/anthropics/anthropic-sdk-go.
package anthropicclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/modelclient"
	"github.com/taskmesh/orchestrator/internal/outcome"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, so callers can pass either a real client or a test double.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Anthropic adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements modelclient.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

var _ modelclient.Client = (*Client)(nil)

// New builds a Client from an Anthropic Messages client and options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropicclient: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropicclient: default model is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP
// transport, reading ANTHROPIC_API_KEY-style defaults from apiKey directly.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropicclient: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Generate issues a non-streaming Messages.New call, forwarding tools and
// tool choice, and translates the response into a GenerateResponse.
func (c *Client) Generate(ctx context.Context, req *modelclient.GenerateRequest) outcome.Result[*modelclient.GenerateResponse] {
	params, err := c.prepareParams(req.Model, req.Messages, req.Tools, req.ToolChoice, req.Temperature, req.MaxTokens)
	if err != nil {
		return outcome.ErrFromCause[*modelclient.GenerateResponse](kinds.KindAgent, err.Error(), err)
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return outcome.ErrFromCause[*modelclient.GenerateResponse](callFailureKind(err), "anthropic messages.new: "+err.Error(), err)
	}
	return outcome.Ok(translateResponse(msg))
}

// Structured forces a single synthetic tool whose input schema is req.Schema
// and reads the resulting tool call's input back as the structured payload
// — Anthropic has no separate "structured output" endpoint, so tool-forcing
// is the idiomatic way to obtain schema-constrained JSON from Claude.
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
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return outcome.ErrFromCause[json.RawMessage](callFailureKind(err), "anthropic messages.new: "+err.Error(), err)
	}
	resp := translateResponse(msg)
	if len(resp.ToolCalls) == 0 {
		return outcome.Err[json.RawMessage](kinds.KindAgent, "model did not return a structured_output tool call")
	}
	return outcome.Ok(resp.ToolCalls[0].Payload)
}

func (c *Client) prepareParams(model string, messages []modelclient.Message, tools []modelclient.ToolDefinition, choice *modelclient.ToolChoice, temperature float64, maxTokens int) (*sdk.MessageNewParams, error) {
	if len(messages) == 0 {
		return nil, errors.New("anthropicclient: messages are required")
	}
	modelID := model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, system, err := encodeMessages(messages)
	if err != nil {
		return nil, err
	}
	effMaxTokens := maxTokens
	if effMaxTokens <= 0 {
		effMaxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(effMaxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if temp := temperature; temp > 0 {
		params.Temperature = sdk.Float(temp)
	} else if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}
	if len(tools) > 0 {
		encoded, err := encodeTools(tools)
		if err != nil {
			return nil, err
		}
		params.Tools = encoded
	}
	if choice != nil {
		tc, err := encodeToolChoice(choice)
		if err != nil {
			return nil, err
		}
		params.ToolChoice = tc
	}
	return &params, nil
}

func encodeMessages(msgs []modelclient.Message) ([]sdk.MessageParam, string, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system strings.Builder

	for _, m := range msgs {
		if m.Role == modelclient.RoleSystem {
			if m.Text != "" {
				if system.Len() > 0 {
					system.WriteString("\n\n")
				}
				system.WriteString(m.Text)
			}
			continue
		}

		var blocks []sdk.ContentBlockParamUnion
		if m.Text != "" {
			blocks = append(blocks, sdk.NewTextBlock(m.Text))
		}
		for _, tc := range m.ToolCalls {
			var input any
			if len(tc.Payload) > 0 {
				if err := json.Unmarshal(tc.Payload, &input); err != nil {
					return nil, "", fmt.Errorf("anthropicclient: decode tool call payload for %q: %w", tc.Name, err)
				}
			}
			blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		for _, tr := range m.ToolResults {
			blocks = append(blocks, sdk.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case modelclient.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case modelclient.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, "", fmt.Errorf("anthropicclient: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, "", errors.New("anthropicclient: at least one user/assistant message is required")
	}
	return conversation, system.String(), nil
}

func encodeTools(defs []modelclient.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schemaMap map[string]any
		if len(def.Schema) > 0 {
			if err := json.Unmarshal(def.Schema, &schemaMap); err != nil {
				return nil, fmt.Errorf("anthropicclient: tool %q schema: %w", def.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaMap}, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func encodeToolChoice(choice *modelclient.ToolChoice) (sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case "", modelclient.ToolChoiceAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case modelclient.ToolChoiceRequired:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case modelclient.ToolChoiceSpecific:
		if choice.Name == "" {
			return sdk.ToolChoiceUnionParam{}, errors.New("anthropicclient: specific tool choice requires a name")
		}
		return sdk.ToolChoiceParamOfTool(choice.Name), nil
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropicclient: unsupported tool choice mode %q", choice.Mode)
	}
}

func translateResponse(msg *sdk.Message) *modelclient.GenerateResponse {
	resp := &modelclient.GenerateResponse{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				if resp.Text != "" {
					resp.Text += "\n"
				}
				resp.Text += block.Text
			}
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, modelclient.ToolCall{
				ID: block.ID, Name: block.Name, Payload: block.Input,
			})
		}
	}
	resp.Usage = modelclient.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp
}

// callFailureKind classifies a failed Messages.New call. Per §6.2, rate
// limiting, network failures, and timeouts are all transient outcomes
// that the Task Engine retries once, without delay; the Anthropic adapter has no
// separate provider-level signal worth a distinct Kind, so every
// transport-level failure is reported as kinds.KindTransient. Request
// encoding errors from prepareParams and Structured's "no tool call
// returned" case are kinds.KindAgent (invalid_output) failures instead.
func callFailureKind(err error) kinds.Kind {
	return kinds.KindTransient
}
