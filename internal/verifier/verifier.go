// Package verifier implements the Reality Verifier (§4.4): every tool
// invocation that touches the filesystem or a shell is routed through here,
// which resolves and bounds-checks paths, performs the effect, then
// re-inspects the filesystem to confirm the tool's claim before a
// VerifiedFileEvent is ever emitted. A mismatch overwrites the result with
// reality_mismatch and suppresses the event.
package verifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/taskmesh/orchestrator/internal/clock"
	"github.com/taskmesh/orchestrator/internal/fsevent"
	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/outcome"
	"github.com/taskmesh/orchestrator/internal/verifier/quality"
)

// CommandResult is the post-condition-checked outcome of RunCommand.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Verifier wraps filesystem and command-execution tool effects for a single
// repository root.
type Verifier struct {
	repoRoot string
	clock    clock.Clock
}

// New constructs a Verifier rooted at repoRoot. c defaults to clock.Real{}.
func New(repoRoot string, c clock.Clock) *Verifier {
	if c == nil {
		c = clock.Real{}
	}
	return &Verifier{repoRoot: repoRoot, clock: c}
}

// WriteFile writes content to rel (create or update, decided by whether the
// file existed beforehand) and, only once the on-disk file matches content
// exactly, returns a VerifiedFileEvent. On any mismatch the Result is the
// failure variant tagged reality_mismatch or path_escape, and no event is
// produced.
func (v *Verifier) WriteFile(ctx context.Context, taskID string, step int, rel string, content []byte) outcome.Result[*fsevent.Event] {
	abs, err := resolveRepoPath(v.repoRoot, rel)
	if err != nil {
		return outcome.ErrFromCause[*fsevent.Event](kinds.KindPathEscape, err.Error(), err)
	}

	_, existedErr := os.Stat(abs)
	action := fsevent.ActionUpdate
	if os.IsNotExist(existedErr) {
		action = fsevent.ActionCreate
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return outcome.ErrFromCause[*fsevent.Event](kinds.KindRealityMismatch, fmt.Sprintf("create parent directories for %q: %v", rel, err), err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return outcome.ErrFromCause[*fsevent.Event](kinds.KindRealityMismatch, fmt.Sprintf("write %q: %v", rel, err), err)
	}

	if result := v.confirmWrite(abs, rel, content); !result.IsOK() {
		return outcome.Err[*fsevent.Event](result.Failure().Kind, result.Failure().Detail)
	}

	passed, warnings := quality.Check(ctx, rel, content)
	return outcome.Ok(&fsevent.Event{
		ID: uuid.NewString(), TaskID: taskID, Step: step, Path: rel,
		Action: action, SizeBytes: int64(len(content)),
		QualityPassed: passed, QualityWarnings: warnings,
		Timestamp: v.clock.Now(),
	})
}

// confirmWrite re-reads the file and checks size and a content hash against
// what was requested, per §4.4: "the verifier commits only if ... the file
// exists; its size matches len(bytes); a content hash check confirms the
// payload".
func (v *Verifier) confirmWrite(abs, rel string, content []byte) outcome.Result[struct{}] {
	info, err := os.Stat(abs)
	if err != nil {
		return outcome.ErrFromCause[struct{}](kinds.KindRealityMismatch, fmt.Sprintf("%q missing after write", rel), err)
	}
	if info.Size() != int64(len(content)) {
		return outcome.Err[struct{}](kinds.KindRealityMismatch, fmt.Sprintf("%q size %d does not match expected %d", rel, info.Size(), len(content)))
	}
	onDisk, err := os.ReadFile(abs)
	if err != nil {
		return outcome.ErrFromCause[struct{}](kinds.KindRealityMismatch, fmt.Sprintf("re-read %q: %v", rel, err), err)
	}
	if sha256.Sum256(onDisk) != sha256.Sum256(content) {
		return outcome.Err[struct{}](kinds.KindRealityMismatch, fmt.Sprintf("%q content hash mismatch after write", rel))
	}
	return outcome.Ok(struct{}{})
}

// DeleteFile removes rel and confirms it no longer exists before returning a
// VerifiedFileEvent.
func (v *Verifier) DeleteFile(ctx context.Context, taskID string, step int, rel string) outcome.Result[*fsevent.Event] {
	abs, err := resolveRepoPath(v.repoRoot, rel)
	if err != nil {
		return outcome.ErrFromCause[*fsevent.Event](kinds.KindPathEscape, err.Error(), err)
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return outcome.ErrFromCause[*fsevent.Event](kinds.KindRealityMismatch, fmt.Sprintf("delete %q: %v", rel, err), err)
	}
	if _, err := os.Stat(abs); err == nil {
		return outcome.Err[*fsevent.Event](kinds.KindRealityMismatch, fmt.Sprintf("%q still present after delete", rel))
	}
	return outcome.Ok(&fsevent.Event{
		ID: uuid.NewString(), TaskID: taskID, Step: step, Path: rel,
		Action: fsevent.ActionDelete, SizeBytes: 0,
		Timestamp: v.clock.Now(),
	})
}

// RunCommand executes name with args in dir (repo-relative, empty means the
// repo root) after checking it against the unsafe-command blocklist, bounded
// by timeout.
func (v *Verifier) RunCommand(ctx context.Context, name string, args []string, dir string, timeout time.Duration) outcome.Result[CommandResult] {
	if err := checkCommandSafety(name, args); err != nil {
		return outcome.ErrFromCause[CommandResult](kinds.KindUnsafeCommand, err.Error(), err)
	}

	workdir := v.repoRoot
	if dir != "" {
		abs, err := resolveRepoPath(v.repoRoot, dir)
		if err != nil {
			return outcome.ErrFromCause[CommandResult](kinds.KindPathEscape, err.Error(), err)
		}
		workdir = abs
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := v.clock.Now()
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: v.clock.Now().Sub(start),
	}
	if runCtx.Err() != nil {
		return outcome.ErrFromCause[CommandResult](kinds.KindToolTimeout, fmt.Sprintf("command %q timed out", name), runCtx.Err())
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return outcome.Ok(result)
	}
	if runErr != nil {
		return outcome.ErrFromCause[CommandResult](kinds.KindTool, fmt.Sprintf("run %q: %v", name, runErr), runErr)
	}
	result.ExitCode = 0
	return outcome.Ok(result)
}

// ScanRepo expands the given doublestar glob patterns (relative to the
// repository root) and returns the matching repo-relative file paths.
func (v *Verifier) ScanRepo(ctx context.Context, patterns []string) outcome.Result[[]string] {
	fsRoot := os.DirFS(v.repoRoot)
	seen := make(map[string]struct{})
	var out []string
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return outcome.Err[[]string](kinds.KindTool, fmt.Sprintf("invalid glob pattern %q", pattern))
		}
		matches, err := doublestar.Glob(fsRoot, pattern)
		if err != nil {
			return outcome.ErrFromCause[[]string](kinds.KindTool, fmt.Sprintf("scan pattern %q: %v", pattern, err), err)
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return outcome.Ok(out)
}
