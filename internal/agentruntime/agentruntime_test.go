package agentruntime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/clock"
	"github.com/taskmesh/orchestrator/internal/fsevent"
	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/modelclient"
	"github.com/taskmesh/orchestrator/internal/outcome"
	"github.com/taskmesh/orchestrator/internal/toolregistry"
	"github.com/taskmesh/orchestrator/internal/verifier"
)

// fakeModel scripts a sequence of Generate responses followed by a single
// Structured response, so tests can drive the loop through exact turns.
type fakeModel struct {
	generateTurns []modelclient.GenerateResponse
	structured    json.RawMessage
	structuredErr *outcome.Failure
	turn          int
}

func (f *fakeModel) Generate(ctx context.Context, req *modelclient.GenerateRequest) outcome.Result[*modelclient.GenerateResponse] {
	if f.turn >= len(f.generateTurns) {
		return outcome.Ok(&modelclient.GenerateResponse{})
	}
	resp := f.generateTurns[f.turn]
	f.turn++
	return outcome.Ok(&resp)
}

func (f *fakeModel) Structured(ctx context.Context, req *modelclient.StructuredRequest) outcome.Result[json.RawMessage] {
	if f.structuredErr != nil {
		return outcome.ErrFromCause[json.RawMessage](f.structuredErr.Kind, f.structuredErr.Detail, f.structuredErr.Cause)
	}
	return outcome.Ok(f.structured)
}

type fakeExecutor struct{}

func (fakeExecutor) WriteFile(ctx context.Context, taskID string, step int, rel string, content []byte) outcome.Result[*fsevent.Event] {
	return outcome.Ok(&fsevent.Event{Path: rel, Action: fsevent.ActionCreate, SizeBytes: int64(len(content))})
}

func (fakeExecutor) DeleteFile(ctx context.Context, taskID string, step int, rel string) outcome.Result[*fsevent.Event] {
	return outcome.Ok(&fsevent.Event{Path: rel, Action: fsevent.ActionDelete})
}

func (fakeExecutor) RunCommand(ctx context.Context, name string, args []string, dir string, timeout time.Duration) outcome.Result[verifier.CommandResult] {
	return outcome.Ok(verifier.CommandResult{ExitCode: 0})
}

func (fakeExecutor) ScanRepo(ctx context.Context, patterns []string) outcome.Result[[]string] {
	return outcome.Ok([]string{})
}

func newTestRunner(t *testing.T, model modelclient.Client) (*Runner, toolregistry.Executor) {
	t.Helper()
	reg := toolregistry.New()
	require.NoError(t, toolregistry.RegisterBuiltins(reg))
	exec := fakeExecutor{}
	return New(model, reg, exec, clock.NewFake(time.Unix(0, 0))), exec
}

func toolCallArgs(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestRunExecutesToolCallThenFinalizes(t *testing.T) {
	model := &fakeModel{
		generateTurns: []modelclient.GenerateResponse{
			{ToolCalls: []modelclient.ToolCall{{ID: "1", Name: "file_create", Payload: toolCallArgs(t, map[string]any{"path": "a.go", "content": "package a\n"})}}},
			{Text: "done"},
		},
		structured: json.RawMessage(`{"title":"wrote a.go","subtitle":"ok","reasoning":"r","confidence":0.9}`),
	}
	runner, _ := newTestRunner(t, model)

	res := runner.Run(context.Background(), Request{
		TaskID: "t1", Step: 0, Role: RoleCoder,
		SystemPrompt: "sys", UserPrompt: "create a.go",
		AllowedTools: []string{"file_create"},
		TauReview:    0.5,
	})
	require.True(t, res.IsOK())
	out := res.Value()
	require.Equal(t, "wrote a.go", out.Run.Title)
	require.False(t, out.Run.ReviewRequired)
	require.Len(t, out.Run.Tools, 1)
	require.True(t, out.Run.Tools[0].Success)
}

func TestRunSetsReviewRequiredBelowThreshold(t *testing.T) {
	model := &fakeModel{
		structured: json.RawMessage(`{"title":"t","subtitle":"s","reasoning":"r","confidence":0.2}`),
	}
	runner, _ := newTestRunner(t, model)

	res := runner.Run(context.Background(), Request{
		TaskID: "t1", Role: RoleDocs, SystemPrompt: "sys", UserPrompt: "edit docs", TauReview: 0.5,
	})
	require.True(t, res.IsOK())
	require.True(t, res.Value().Run.ReviewRequired)
}

func TestRunFailsWhenIterationBudgetExceeded(t *testing.T) {
	turns := make([]modelclient.GenerateResponse, 0, 3)
	for i := 0; i < 3; i++ {
		turns = append(turns, modelclient.GenerateResponse{
			ToolCalls: []modelclient.ToolCall{{ID: "1", Name: "repo_scan", Payload: toolCallArgs(t, map[string]any{"patterns": []string{"**/*.go"}})}},
		})
	}
	model := &fakeModel{generateTurns: turns}
	runner, _ := newTestRunner(t, model)

	res := runner.Run(context.Background(), Request{
		TaskID: "t1", Role: RoleQA, SystemPrompt: "sys", UserPrompt: "scan",
		AllowedTools: []string{"repo_scan"}, MaxIterations: 3,
	})
	require.False(t, res.IsOK())
	require.Equal(t, kinds.KindExceededIteration, res.Failure().Kind)
}

func TestRunRejectsDocsFileCreate(t *testing.T) {
	model := &fakeModel{
		generateTurns: []modelclient.GenerateResponse{
			{ToolCalls: []modelclient.ToolCall{{ID: "1", Name: "file_create", Payload: toolCallArgs(t, map[string]any{"path": "new.go", "content": "x"})}}},
		},
	}
	runner, _ := newTestRunner(t, model)

	res := runner.Run(context.Background(), Request{
		TaskID: "t1", Role: RoleDocs, SystemPrompt: "sys", UserPrompt: "add a new file",
		AllowedTools: []string{"file_create"},
	})
	require.False(t, res.IsOK())
	require.Equal(t, kinds.KindToolRefusal, res.Failure().Kind)
}

func TestRunCoderRepromptsUntilAssignedFilesTouched(t *testing.T) {
	model := &fakeModel{
		generateTurns: []modelclient.GenerateResponse{
			{Text: "I think I'm done"},
			{ToolCalls: []modelclient.ToolCall{{ID: "1", Name: "file_create", Payload: toolCallArgs(t, map[string]any{"path": "b.go", "content": "package b\n"})}}},
			{Text: "now done"},
		},
		structured: json.RawMessage(`{"title":"t","subtitle":"s","reasoning":"r","confidence":0.8}`),
	}
	runner, _ := newTestRunner(t, model)

	res := runner.Run(context.Background(), Request{
		TaskID: "t1", Role: RoleCoder, SystemPrompt: "sys", UserPrompt: "write b.go",
		AllowedTools: []string{"file_create"}, AssignedFiles: []string{"b.go"}, TauReview: 0.5,
	})
	require.True(t, res.IsOK())
	require.Len(t, res.Value().Run.Tools, 1)
}

func TestRunFailsAfterResidualRepromptBudgetExhausted(t *testing.T) {
	turns := make([]modelclient.GenerateResponse, 0, maxResidualReprompts+1)
	for i := 0; i <= maxResidualReprompts; i++ {
		turns = append(turns, modelclient.GenerateResponse{Text: "still not touching it"})
	}
	model := &fakeModel{generateTurns: turns}
	runner, _ := newTestRunner(t, model)

	res := runner.Run(context.Background(), Request{
		TaskID: "t1", Role: RoleCoder, SystemPrompt: "sys", UserPrompt: "write c.go",
		AllowedTools: []string{"file_create"}, AssignedFiles: []string{"c.go"},
		MaxIterations: maxResidualReprompts + 2,
	})
	require.False(t, res.IsOK())
	require.Equal(t, kinds.KindToolRefusal, res.Failure().Kind)
}

func TestRunCancelledContextReturnsCancelledKind(t *testing.T) {
	model := &fakeModel{}
	runner, _ := newTestRunner(t, model)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := runner.Run(ctx, Request{TaskID: "t1", Role: RoleQA, SystemPrompt: "sys", UserPrompt: "scan"})
	require.False(t, res.IsOK())
	require.Equal(t, kinds.KindCancelled, res.Failure().Kind)
}

func TestRunPlannerRequiresValidPlanResult(t *testing.T) {
	model := &fakeModel{
		structured: json.RawMessage(`{"title":"plan","subtitle":"s","reasoning":"r","confidence":0.9,"result":{"summary":"x","steps":[{"order":0,"description":"d","agentRole":"coder","dependencies":[]}]}}`),
	}
	runner, _ := newTestRunner(t, model)

	res := runner.Run(context.Background(), Request{TaskID: "t1", Role: RolePlanner, SystemPrompt: "sys", UserPrompt: "plan it", TauReview: 0.5})
	require.True(t, res.IsOK())
	require.NotEmpty(t, res.Value().Result)
}

func TestRunPlannerRejectsInvalidPlanResult(t *testing.T) {
	model := &fakeModel{
		structured: json.RawMessage(`{"title":"plan","subtitle":"s","reasoning":"r","confidence":0.9,"result":{"summary":"x","steps":[{"order":0,"description":"d","dependencies":[5]}]}}`),
	}
	runner, _ := newTestRunner(t, model)

	res := runner.Run(context.Background(), Request{TaskID: "t1", Role: RolePlanner, SystemPrompt: "sys", UserPrompt: "plan it"})
	require.False(t, res.IsOK())
	require.Equal(t, kinds.KindInvalidPlan, res.Failure().Kind)
}

func TestRunPlannerRejectsCyclicPlanResult(t *testing.T) {
	model := &fakeModel{
		structured: json.RawMessage(`{"title":"plan","subtitle":"s","reasoning":"r","confidence":0.9,"result":{"summary":"x","steps":[{"order":0,"description":"d","dependencies":[1]},{"order":1,"description":"d","dependencies":[0]}]}}`),
	}
	runner, _ := newTestRunner(t, model)

	res := runner.Run(context.Background(), Request{TaskID: "t1", Role: RolePlanner, SystemPrompt: "sys", UserPrompt: "plan it"})
	require.False(t, res.IsOK())
	require.Equal(t, kinds.KindCyclicPlan, res.Failure().Kind)
}

func TestClassifyTestOutputDetectsNoTestsExecuted(t *testing.T) {
	outcome, detail := ClassifyTestOutput(true, "collected 0 items\n")
	require.Equal(t, TestOutcomeNoTestsRun, outcome)
	require.Empty(t, detail)
}

func TestClassifyTestOutputDetectsPassed(t *testing.T) {
	outcome, _ := ClassifyTestOutput(true, "5 passed in 0.12s")
	require.Equal(t, TestOutcomePassed, outcome)
}

func TestClassifyTestOutputDetectsFailedWithDiagnostics(t *testing.T) {
	outcome, detail := ClassifyTestOutput(false, "FAILED tests/test_a.py::test_one - AssertionError")
	require.Equal(t, TestOutcomeFailed, outcome)
	require.Contains(t, detail, "AssertionError")
}
