package toolregistry

import (
	"context"
	"fmt"
	"time"
)

// RegisterBuiltins registers the five named capabilities §4.3's Tool
// Registry table enumerates: file create, file edit (update), file delete,
// command exec, and repo scan. Every handler dispatches straight into the
// Executor (a *verifier.Verifier in production) and never touches the
// filesystem or a shell on its own.
func RegisterBuiltins(r *Registry) error {
	for _, spec := range []Spec{
		fileCreateSpec(),
		fileEditSpec(),
		fileDeleteSpec(),
		commandExecSpec(),
		repoScanSpec(),
	} {
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

const filePathSchemaFragment = `"path": {"type": "string", "minLength": 1, "description": "repository-relative file path"}`

func fileCreateSpec() Spec {
	return Spec{
		Name:        "file_create",
		Description: "Create a new file at a repository-relative path with the given content.",
		Schema: fmt.Sprintf(`{
			"type": "object",
			"properties": {
				%s,
				"content": {"type": "string", "description": "full file content"}
			},
			"required": ["path", "content"],
			"additionalProperties": false
		}`, filePathSchemaFragment),
		Handler: writeFileHandler,
	}
}

func fileEditSpec() Spec {
	return Spec{
		Name:        "file_edit",
		Description: "Overwrite an existing file at a repository-relative path with new content.",
		Schema: fmt.Sprintf(`{
			"type": "object",
			"properties": {
				%s,
				"content": {"type": "string", "description": "full replacement file content"}
			},
			"required": ["path", "content"],
			"additionalProperties": false
		}`, filePathSchemaFragment),
		Handler: writeFileHandler,
	}
}

func writeFileHandler(ctx context.Context, exec Executor, taskID string, step int, args map[string]any) HandlerResult {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	res := exec.WriteFile(ctx, taskID, step, path, []byte(content))
	if !res.IsOK() {
		return HandlerResult{ErrorKind: res.Failure().Kind, ErrorMessage: res.Failure().Detail}
	}
	evt := res.Value()
	return HandlerResult{
		Result: fmt.Sprintf("%s %s (%d bytes)", evt.Action, evt.Path, evt.SizeBytes),
		Event:  evt,
	}
}

func fileDeleteSpec() Spec {
	return Spec{
		Name:        "file_delete",
		Description: "Delete a file at a repository-relative path.",
		Schema: fmt.Sprintf(`{
			"type": "object",
			"properties": {%s},
			"required": ["path"],
			"additionalProperties": false
		}`, filePathSchemaFragment),
		Handler: func(ctx context.Context, exec Executor, taskID string, step int, args map[string]any) HandlerResult {
			path, _ := args["path"].(string)
			res := exec.DeleteFile(ctx, taskID, step, path)
			if !res.IsOK() {
				return HandlerResult{ErrorKind: res.Failure().Kind, ErrorMessage: res.Failure().Detail}
			}
			evt := res.Value()
			return HandlerResult{Result: fmt.Sprintf("deleted %s", evt.Path), Event: evt}
		},
	}
}

func commandExecSpec() Spec {
	return Spec{
		Name:        "command_exec",
		Description: "Run a shell command inside the repository, bounded by a timeout.",
		Schema: `{
			"type": "object",
			"properties": {
				"command": {"type": "string", "minLength": 1, "description": "executable name"},
				"args": {"type": "array", "items": {"type": "string"}, "default": []},
				"dir": {"type": "string", "default": "", "description": "repository-relative working directory"},
				"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 900, "default": 120}
			},
			"required": ["command"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, exec Executor, taskID string, step int, args map[string]any) HandlerResult {
			name, _ := args["command"].(string)
			var cmdArgs []string
			if raw, ok := args["args"].([]any); ok {
				for _, a := range raw {
					if s, ok := a.(string); ok {
						cmdArgs = append(cmdArgs, s)
					}
				}
			}
			dir, _ := args["dir"].(string)
			timeout := 120 * time.Second
			if raw, ok := args["timeout_seconds"].(float64); ok && raw > 0 {
				timeout = time.Duration(raw) * time.Second
			}

			res := exec.RunCommand(ctx, name, cmdArgs, dir, timeout)
			if !res.IsOK() {
				return HandlerResult{ErrorKind: res.Failure().Kind, ErrorMessage: res.Failure().Detail}
			}
			result := res.Value()
			summary := fmt.Sprintf("exit %d\nstdout:\n%s\nstderr:\n%s", result.ExitCode, result.Stdout, result.Stderr)
			return HandlerResult{Result: summary}
		},
	}
}

func repoScanSpec() Spec {
	return Spec{
		Name:        "repo_scan",
		Description: "List repository-relative paths matching one or more glob patterns.",
		Schema: `{
			"type": "object",
			"properties": {
				"patterns": {"type": "array", "items": {"type": "string"}, "minItems": 1}
			},
			"required": ["patterns"],
			"additionalProperties": false
		}`,
		Handler: func(ctx context.Context, exec Executor, taskID string, step int, args map[string]any) HandlerResult {
			var patterns []string
			if raw, ok := args["patterns"].([]any); ok {
				for _, p := range raw {
					if s, ok := p.(string); ok {
						patterns = append(patterns, s)
					}
				}
			}
			res := exec.ScanRepo(ctx, patterns)
			if !res.IsOK() {
				return HandlerResult{ErrorKind: res.Failure().Kind, ErrorMessage: res.Failure().Detail}
			}
			matches := res.Value()
			return HandlerResult{Result: fmt.Sprintf("%d matches: %v", len(matches), matches)}
		},
	}
}
