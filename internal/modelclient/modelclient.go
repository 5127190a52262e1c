// Package modelclient defines the Generative Client Contract (§6.2): the
// opaque boundary the Agent Runtime calls through to reach a generative
// model, narrowed to the two operations the core actually needs —
// schema-constrained structured output and tool-call-capable generation.
// Concrete backends live in the anthropicclient, openaiclient, and
// bedrockclient subpackages; all three implement Client.
package modelclient

import (
	"context"
	"encoding/json"

	"github.com/taskmesh/orchestrator/internal/outcome"
)

// Role identifies the speaker of a Message in a transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a transcript passed to a generative model.
// Transcript shape follows §6.2's prompt/tool-call contract rather than the
// teacher's full multimodal Part union — this core never sends or receives
// images, documents, or citations.
type Message struct {
	Role Role
	// Text is the message's plain content. Empty for an assistant message
	// that consists solely of ToolCalls.
	Text string
	// ToolCalls, on an assistant message, lists tool invocations the model
	// previously requested in this transcript.
	ToolCalls []ToolCall
	// ToolResults, on a user message, carries results for prior ToolCalls so
	// the model can read them on the next turn.
	ToolResults []ToolResult
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID      string
	Name    string
	Payload json.RawMessage
}

// ToolResult is the outcome of executing a ToolCall, reported back to the
// model in a subsequent user turn.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolDefinition describes one tool available to the model: its name, a
// description the model uses to decide when to call it, and its JSON-schema
// parameter descriptor (the same schema internal/toolregistry validates
// arguments against).
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolChoiceMode controls how the model is permitted to use tools for one
// request, per §6.2 "required/auto/specific".
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceSpecific ToolChoiceMode = "specific"
)

// ToolChoice configures tool-use behavior for a GenerateRequest.
type ToolChoice struct {
	Mode ToolChoiceMode
	// Name selects the tool to force when Mode is ToolChoiceSpecific.
	Name string
}

// TokenUsage reports token consumption for one call, when the backend
// provides it.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// GenerateRequest is a tool-call-capable generation request.
type GenerateRequest struct {
	// Model optionally overrides the backend's configured default model.
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	ToolChoice  *ToolChoice
	Temperature float64
	MaxTokens   int
}

// GenerateResponse is the result of a GenerateRequest: either Text is
// populated (the model produced a final answer) or ToolCalls is non-empty
// (the model requested one or more tool invocations), per §6.2.
type GenerateResponse struct {
	Text      string
	ToolCalls []ToolCall
	Usage     TokenUsage
	// StopReason records why generation stopped, backend-specific.
	StopReason string
}

// StructuredRequest is a schema-constrained completion request.
type StructuredRequest struct {
	Model       string
	Prompt      string
	Schema      json.RawMessage
	Temperature float64
}

// Client is the provider-agnostic generative-client contract consumed by
// the Agent Runtime. Implementations must be cancelable via ctx and must
// honor the requested ToolChoice/schema rather than silently degrading.
type Client interface {
	// Structured returns a JSON value matching req.Schema, or a Failure
	// tagged kinds.KindAgent (invalid_output) or kinds.KindTransient
	// (rate_limit, network, timeout).
	Structured(ctx context.Context, req *StructuredRequest) outcome.Result[json.RawMessage]

	// Generate returns a final text response or a list of requested tool
	// calls honoring req.ToolChoice, or a Failure tagged kinds.KindAgent or
	// kinds.KindTransient as above.
	Generate(ctx context.Context, req *GenerateRequest) outcome.Result[*GenerateResponse]
}
