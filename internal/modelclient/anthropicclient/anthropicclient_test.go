package anthropicclient

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/modelclient"
)

type fakeMessagesClient struct {
	resp *sdk.Message
	err  error
	last sdk.MessageNewParams
}

func (f *fakeMessagesClient) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	f.last = body
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestGenerateReturnsTextResponse(t *testing.T) {
	fake := &fakeMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "hello there"}},
		StopReason: "end_turn",
	}}
	c, err := New(fake, Options{DefaultModel: "claude-x"})
	require.NoError(t, err)

	res := c.Generate(context.Background(), &modelclient.GenerateRequest{
		Messages: []modelclient.Message{{Role: modelclient.RoleUser, Text: "hi"}},
	})
	require.True(t, res.IsOK())
	require.Equal(t, "hello there", res.Value().Text)
}

func TestGenerateReturnsToolCalls(t *testing.T) {
	fake := &fakeMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "tool_use", ID: "call-1", Name: "file_create", Input: json.RawMessage(`{"path":"a.go"}`)}},
	}}
	c, err := New(fake, Options{DefaultModel: "claude-x"})
	require.NoError(t, err)

	res := c.Generate(context.Background(), &modelclient.GenerateRequest{
		Messages: []modelclient.Message{{Role: modelclient.RoleUser, Text: "create a.go"}},
		Tools:    []modelclient.ToolDefinition{{Name: "file_create", Description: "create a file", Schema: json.RawMessage(`{"type":"object"}`)}},
	})
	require.True(t, res.IsOK())
	require.Len(t, res.Value().ToolCalls, 1)
	require.Equal(t, "file_create", res.Value().ToolCalls[0].Name)
}

func TestGenerateWrapsTransportErrorAsTransient(t *testing.T) {
	fake := &fakeMessagesClient{err: errors.New("429 rate_limit_error")}
	c, err := New(fake, Options{DefaultModel: "claude-x"})
	require.NoError(t, err)

	res := c.Generate(context.Background(), &modelclient.GenerateRequest{
		Messages: []modelclient.Message{{Role: modelclient.RoleUser, Text: "hi"}},
	})
	require.False(t, res.IsOK())
	require.Equal(t, kinds.KindTransient, res.Failure().Kind)
}

func TestStructuredReturnsToolInputAsPayload(t *testing.T) {
	fake := &fakeMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "tool_use", Name: "emit_structured_output", Input: json.RawMessage(`{"answer":42}`)}},
	}}
	c, err := New(fake, Options{DefaultModel: "claude-x"})
	require.NoError(t, err)

	res := c.Structured(context.Background(), &modelclient.StructuredRequest{
		Prompt: "what is the answer?",
		Schema: json.RawMessage(`{"type":"object","properties":{"answer":{"type":"integer"}}}`),
	})
	require.True(t, res.IsOK())
	require.JSONEq(t, `{"answer":42}`, string(res.Value()))
}

func TestStructuredFailsWhenModelReturnsNoToolCall(t *testing.T) {
	fake := &fakeMessagesClient{resp: &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: "no thanks"}}}}
	c, err := New(fake, Options{DefaultModel: "claude-x"})
	require.NoError(t, err)

	res := c.Structured(context.Background(), &modelclient.StructuredRequest{Prompt: "x", Schema: json.RawMessage(`{}`)})
	require.False(t, res.IsOK())
	require.Equal(t, kinds.KindAgent, res.Failure().Kind)
}
