package toolregistry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/fsevent"
	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/outcome"
	"github.com/taskmesh/orchestrator/internal/verifier"
)

type fakeExecutor struct {
	writeResult   outcome.Result[*fsevent.Event]
	deleteResult  outcome.Result[*fsevent.Event]
	commandResult outcome.Result[verifier.CommandResult]
	scanResult    outcome.Result[[]string]

	lastCommandArgs []string
	lastCommandDir  string
	lastTimeout     time.Duration
}

func (f *fakeExecutor) WriteFile(ctx context.Context, taskID string, step int, rel string, content []byte) outcome.Result[*fsevent.Event] {
	return f.writeResult
}

func (f *fakeExecutor) DeleteFile(ctx context.Context, taskID string, step int, rel string) outcome.Result[*fsevent.Event] {
	return f.deleteResult
}

func (f *fakeExecutor) RunCommand(ctx context.Context, name string, args []string, dir string, timeout time.Duration) outcome.Result[verifier.CommandResult] {
	f.lastCommandArgs = args
	f.lastCommandDir = dir
	f.lastTimeout = timeout
	return f.commandResult
}

func (f *fakeExecutor) ScanRepo(ctx context.Context, patterns []string) outcome.Result[[]string] {
	return f.scanResult
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	require.NoError(t, RegisterBuiltins(r))
	return r
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := New()
	spec := fileCreateSpec()
	require.NoError(t, r.Register(spec))
	require.Error(t, r.Register(spec))
}

func TestInvokeUnknownToolReturnsToolKind(t *testing.T) {
	r := newTestRegistry(t)
	exec := &fakeExecutor{}
	inv, evt := r.Invoke(context.Background(), exec, "task-1", 1, "does_not_exist", json.RawMessage(`{}`))
	require.False(t, inv.Success)
	require.Equal(t, string(kinds.KindTool), inv.ErrorKind)
	require.Nil(t, evt)
}

func TestInvokeRejectsArgsFailingSchema(t *testing.T) {
	r := newTestRegistry(t)
	exec := &fakeExecutor{}
	inv, _ := r.Invoke(context.Background(), exec, "task-1", 1, "file_create", json.RawMessage(`{"path": "a.go"}`))
	require.False(t, inv.Success)
	require.Equal(t, string(kinds.KindSchemaViolation), inv.ErrorKind)
}

func TestInvokeFileCreateDispatchesToExecutorAndReturnsEvent(t *testing.T) {
	r := newTestRegistry(t)
	evt := &fsevent.Event{Path: "a.go", Action: fsevent.ActionCreate, SizeBytes: 5}
	exec := &fakeExecutor{writeResult: outcome.Ok(evt)}

	inv, outEvt := r.Invoke(context.Background(), exec, "task-1", 1, "file_create", json.RawMessage(`{"path": "a.go", "content": "hello"}`))
	require.True(t, inv.Success)
	require.Same(t, evt, outEvt)
	require.Contains(t, inv.Result, "a.go")
}

func TestInvokeFileCreatePropagatesVerifierFailure(t *testing.T) {
	r := newTestRegistry(t)
	exec := &fakeExecutor{writeResult: outcome.Err[*fsevent.Event](kinds.KindPathEscape, "escapes root")}

	inv, outEvt := r.Invoke(context.Background(), exec, "task-1", 1, "file_create", json.RawMessage(`{"path": "../x", "content": "hello"}`))
	require.False(t, inv.Success)
	require.Equal(t, string(kinds.KindPathEscape), inv.ErrorKind)
	require.Nil(t, outEvt)
}

func TestInvokeCommandExecPassesArgsDirAndTimeout(t *testing.T) {
	r := newTestRegistry(t)
	exec := &fakeExecutor{commandResult: outcome.Ok(verifier.CommandResult{ExitCode: 0, Stdout: "ok"})}

	inv, _ := r.Invoke(context.Background(), exec, "task-1", 1, "command_exec", json.RawMessage(`{"command": "go", "args": ["test", "./..."], "dir": "pkg", "timeout_seconds": 30}`))
	require.True(t, inv.Success)
	require.Equal(t, []string{"test", "./..."}, exec.lastCommandArgs)
	require.Equal(t, "pkg", exec.lastCommandDir)
	require.Equal(t, 30*time.Second, exec.lastTimeout)
}

func TestInvokeCommandExecDefaultsTimeout(t *testing.T) {
	r := newTestRegistry(t)
	exec := &fakeExecutor{commandResult: outcome.Ok(verifier.CommandResult{ExitCode: 0})}

	_, _ = r.Invoke(context.Background(), exec, "task-1", 1, "command_exec", json.RawMessage(`{"command": "go"}`))
	require.Equal(t, 120*time.Second, exec.lastTimeout)
}

func TestInvokeRepoScanReturnsMatchCount(t *testing.T) {
	r := newTestRegistry(t)
	exec := &fakeExecutor{scanResult: outcome.Ok([]string{"a.go", "b.go"})}

	inv, _ := r.Invoke(context.Background(), exec, "task-1", 1, "repo_scan", json.RawMessage(`{"patterns": ["**/*.go"]}`))
	require.True(t, inv.Success)
	require.Contains(t, inv.Result, "2 matches")
}

func TestNamesListsAllBuiltins(t *testing.T) {
	r := newTestRegistry(t)
	names := r.Names()
	require.ElementsMatch(t, []string{"file_create", "file_edit", "file_delete", "command_exec", "repo_scan"}, names)
}
