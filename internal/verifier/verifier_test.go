package verifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/clock"
	"github.com/taskmesh/orchestrator/internal/fsevent"
	"github.com/taskmesh/orchestrator/internal/kinds"
)

func newTestVerifier(t *testing.T) (*Verifier, string) {
	t.Helper()
	root := t.TempDir()
	return New(root, clock.NewFake(time.Unix(0, 0))), root
}

func TestWriteFileCreatesAndEmitsVerifiedEvent(t *testing.T) {
	v, root := newTestVerifier(t)
	res := v.WriteFile(context.Background(), "task-1", 1, "src/main.go", []byte("package main\n\nfunc main() {}\n"))
	require.True(t, res.IsOK())
	evt := res.Value()
	require.Equal(t, fsevent.ActionCreate, evt.Action)
	require.Equal(t, "src/main.go", evt.Path)

	content, err := os.ReadFile(filepath.Join(root, "src/main.go"))
	require.NoError(t, err)
	require.Equal(t, "package main\n\nfunc main() {}\n", string(content))
}

func TestWriteFileUpdateReportsUpdateAction(t *testing.T) {
	v, root := newTestVerifier(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "existing.txt"), []byte("v1"), 0o644))

	res := v.WriteFile(context.Background(), "task-1", 1, "existing.txt", []byte("v2"))
	require.True(t, res.IsOK())
	require.Equal(t, fsevent.ActionUpdate, res.Value().Action)
}

func TestWriteFileRejectsPathEscape(t *testing.T) {
	v, _ := newTestVerifier(t)
	res := v.WriteFile(context.Background(), "task-1", 1, "../outside.txt", []byte("x"))
	require.False(t, res.IsOK())
	require.Equal(t, kinds.KindPathEscape, res.Failure().Kind)
}

func TestDeleteFileConfirmsAbsence(t *testing.T) {
	v, root := newTestVerifier(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "doomed.txt"), []byte("x"), 0o644))

	res := v.DeleteFile(context.Background(), "task-1", 1, "doomed.txt")
	require.True(t, res.IsOK())
	require.Equal(t, fsevent.ActionDelete, res.Value().Action)
	_, err := os.Stat(filepath.Join(root, "doomed.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestRunCommandRefusesUnsafeCommand(t *testing.T) {
	v, _ := newTestVerifier(t)
	res := v.RunCommand(context.Background(), "rm", []string{"-rf", "/"}, "", time.Second)
	require.False(t, res.IsOK())
	require.Equal(t, kinds.KindUnsafeCommand, res.Failure().Kind)
}

func TestRunCommandCapturesExitCodeAndOutput(t *testing.T) {
	v, _ := newTestVerifier(t)
	res := v.RunCommand(context.Background(), "sh", []string{"-c", "echo hello; exit 0"}, "", 5*time.Second)
	require.True(t, res.IsOK())
	require.Equal(t, 0, res.Value().ExitCode)
	require.Contains(t, res.Value().Stdout, "hello")
}

func TestRunCommandReportsNonZeroExitCode(t *testing.T) {
	v, _ := newTestVerifier(t)
	res := v.RunCommand(context.Background(), "sh", []string{"-c", "exit 3"}, "", 5*time.Second)
	require.True(t, res.IsOK())
	require.Equal(t, 3, res.Value().ExitCode)
}

func TestScanRepoMatchesGlobPatterns(t *testing.T) {
	v, root := newTestVerifier(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg/sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg/a.go"), []byte("package pkg"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg/sub/b.go"), []byte("package sub"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg/readme.md"), []byte("# hi"), 0o644))

	res := v.ScanRepo(context.Background(), []string{"**/*.go"})
	require.True(t, res.IsOK())
	require.ElementsMatch(t, []string{"pkg/a.go", "pkg/sub/b.go"}, res.Value())
}
