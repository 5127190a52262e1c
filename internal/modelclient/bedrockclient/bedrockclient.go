// Package bedrockclient implements modelclient.Client on top of the AWS
// Bedrock Converse API via github.com/aws/aws-sdk-go-v2/service/bedrockruntime,
// mirroring the narrow-interface-for-testability shape used by the Anthropic
// and OpenAI adapters.
package bedrockclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/modelclient"
	"github.com/taskmesh/orchestrator/internal/outcome"
)

// RuntimeClient captures the subset of the Bedrock runtime SDK used by the
// adapter, so callers can pass either a real client or a test double.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// Client implements modelclient.Client via the Bedrock Converse API.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int
	temperature  float32
}

var _ modelclient.Client = (*Client)(nil)

// New builds a Client from a Bedrock runtime client and options.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrockclient: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrockclient: default model is required")
	}
	return &Client{runtime: runtime, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

// NewFromConfig constructs a Client using the given bedrockruntime.Client.
func NewFromConfig(runtime *bedrockruntime.Client, defaultModel string) (*Client, error) {
	return New(runtime, Options{DefaultModel: defaultModel})
}

// Generate issues a Converse call, forwarding tools and tool choice, and
// translates the response into a GenerateResponse.
func (c *Client) Generate(ctx context.Context, req *modelclient.GenerateRequest) outcome.Result[*modelclient.GenerateResponse] {
	input, err := c.buildInput(req.Model, req.Messages, req.Tools, req.ToolChoice, req.Temperature, req.MaxTokens)
	if err != nil {
		return outcome.ErrFromCause[*modelclient.GenerateResponse](kinds.KindAgent, err.Error(), err)
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return outcome.ErrFromCause[*modelclient.GenerateResponse](kinds.KindTransient, "bedrock converse: "+err.Error(), err)
	}
	resp, err := translateResponse(out)
	if err != nil {
		return outcome.ErrFromCause[*modelclient.GenerateResponse](kinds.KindAgent, err.Error(), err)
	}
	return outcome.Ok(resp)
}

// Structured forces a single synthetic tool whose input schema is req.Schema
// and reads the resulting tool call's input back as the structured payload
// — the Converse API has no schema-constrained completion mode independent
// of tool use, so tool-forcing is the idiomatic way to obtain constrained
// JSON from a Bedrock-hosted model.
func (c *Client) Structured(ctx context.Context, req *modelclient.StructuredRequest) outcome.Result[json.RawMessage] {
	const toolName = "emit_structured_output"
	messages := []modelclient.Message{{Role: modelclient.RoleUser, Text: req.Prompt}}
	tools := []modelclient.ToolDefinition{{
		Name:        toolName,
		Description: "Emit the final structured result matching the required schema.",
		Schema:      req.Schema,
	}}
	choice := &modelclient.ToolChoice{Mode: modelclient.ToolChoiceSpecific, Name: toolName}

	input, err := c.buildInput(req.Model, messages, tools, choice, req.Temperature, 0)
	if err != nil {
		return outcome.ErrFromCause[json.RawMessage](kinds.KindAgent, err.Error(), err)
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return outcome.ErrFromCause[json.RawMessage](kinds.KindTransient, "bedrock converse: "+err.Error(), err)
	}
	resp, err := translateResponse(out)
	if err != nil {
		return outcome.ErrFromCause[json.RawMessage](kinds.KindAgent, err.Error(), err)
	}
	if len(resp.ToolCalls) == 0 {
		return outcome.Err[json.RawMessage](kinds.KindAgent, "model did not return a structured_output tool call")
	}
	return outcome.Ok(resp.ToolCalls[0].Payload)
}

func (c *Client) buildInput(model string, messages []modelclient.Message, tools []modelclient.ToolDefinition, choice *modelclient.ToolChoice, temperature float64, maxTokens int) (*bedrockruntime.ConverseInput, error) {
	if len(messages) == 0 {
		return nil, errors.New("bedrockclient: messages are required")
	}
	modelID := model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, system, err := encodeMessages(messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: msgs,
	}
	if system != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: system}}
	}
	if len(tools) > 0 {
		toolConfig, err := encodeTools(tools, choice)
		if err != nil {
			return nil, err
		}
		input.ToolConfig = toolConfig
	}
	if cfg := c.inferenceConfig(maxTokens, float32(temperature)); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input, nil
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := maxTokens
	if tokens <= 0 {
		tokens = c.maxTokens
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens))
	}
	effTemp := temp
	if effTemp <= 0 {
		effTemp = c.temperature
	}
	if effTemp > 0 {
		cfg.Temperature = aws.Float32(effTemp)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []modelclient.Message) ([]brtypes.Message, string, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	systemText := ""

	for _, m := range msgs {
		if m.Role == modelclient.RoleSystem {
			if m.Text != "" {
				if systemText != "" {
					systemText += "\n\n"
				}
				systemText += m.Text
			}
			continue
		}

		blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls)+len(m.ToolResults))
		if m.Text != "" {
			blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Text})
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
				ToolUseId: aws.String(tc.ID),
				Name:      aws.String(tc.Name),
				Input:     lazyDocument(tc.Payload),
			}})
		}
		for _, tr := range m.ToolResults {
			blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
				ToolUseId: aws.String(tr.ToolCallID),
				Status:    resultStatus(tr.IsError),
				Content: []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: tr.Content},
				},
			}})
		}
		if len(blocks) == 0 {
			continue
		}

		var role brtypes.ConversationRole
		switch m.Role {
		case modelclient.RoleUser:
			role = brtypes.ConversationRoleUser
		case modelclient.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, "", fmt.Errorf("bedrockclient: unsupported message role %q", m.Role)
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, "", errors.New("bedrockclient: at least one user/assistant message is required")
	}
	return conversation, systemText, nil
}

func resultStatus(isError bool) brtypes.ToolResultStatus {
	if isError {
		return brtypes.ToolResultStatusError
	}
	return brtypes.ToolResultStatusSuccess
}

func encodeTools(defs []modelclient.ToolDefinition, choice *modelclient.ToolChoice) (*brtypes.ToolConfiguration, error) {
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		var schemaDoc any
		if len(def.Schema) > 0 {
			if err := json.Unmarshal(def.Schema, &schemaDoc); err != nil {
				return nil, fmt.Errorf("bedrockclient: tool %q schema: %w", def.Name, err)
			}
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: lazyDocument(schemaDoc)},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	cfg := &brtypes.ToolConfiguration{Tools: toolList}
	if choice == nil {
		return cfg, nil
	}
	switch choice.Mode {
	case "", modelclient.ToolChoiceAuto:
	case modelclient.ToolChoiceRequired:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
	case modelclient.ToolChoiceSpecific:
		if choice.Name == "" {
			return nil, errors.New("bedrockclient: specific tool choice requires a name")
		}
		cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: aws.String(choice.Name)}}
	default:
		return nil, fmt.Errorf("bedrockclient: unsupported tool choice mode %q", choice.Mode)
	}
	return cfg, nil
}

func translateResponse(output *bedrockruntime.ConverseOutput) (*modelclient.GenerateResponse, error) {
	if output == nil {
		return nil, errors.New("bedrockclient: response is nil")
	}
	resp := &modelclient.GenerateResponse{StopReason: string(output.StopReason)}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value == "" {
					continue
				}
				if resp.Text != "" {
					resp.Text += "\n"
				}
				resp.Text += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				name := ""
				if v.Value.Name != nil {
					name = *v.Value.Name
				}
				id := ""
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				resp.ToolCalls = append(resp.ToolCalls, modelclient.ToolCall{
					ID: id, Name: name, Payload: decodeDocument(v.Value.Input),
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
	return resp, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}

// isRateLimited reports whether err represents a provider rate-limiting
// condition, treating both HTTP 429 responses and provider throttling error
// codes as rate-limited. Retained as a classification helper even though the
// adapter currently collapses all transport failures to kinds.KindTransient
// (matching the Anthropic/OpenAI adapters), so a future caller that needs to
// distinguish rate limiting from other transient causes has one place to ask.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}
