// Package toolregistry implements the Tool Registry (§2, §4.3): a registry
// of named capabilities — file edit/create/delete, command exec, repo scan —
// each declaring a typed JSON-schema parameter contract and executing inside
// the Reality Verifier. The Agent Runtime never touches the filesystem or a
// shell directly; every tool call it makes is routed through Invoke.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/taskmesh/orchestrator/internal/agentrun"
	"github.com/taskmesh/orchestrator/internal/fsevent"
	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/outcome"
	"github.com/taskmesh/orchestrator/internal/verifier"
)

// Executor is the subset of *verifier.Verifier a tool handler may call.
// Narrowing to an interface keeps tool handlers testable without a real
// repository on disk.
type Executor interface {
	WriteFile(ctx context.Context, taskID string, step int, rel string, content []byte) outcome.Result[*fsevent.Event]
	DeleteFile(ctx context.Context, taskID string, step int, rel string) outcome.Result[*fsevent.Event]
	RunCommand(ctx context.Context, name string, args []string, dir string, timeout time.Duration) outcome.Result[verifier.CommandResult]
	ScanRepo(ctx context.Context, patterns []string) outcome.Result[[]string]
}

var _ Executor = (*verifier.Verifier)(nil)

// Handler executes one tool call against args (already schema-validated) and
// reports the raw outcome; Invoke wraps the result into an agentrun.ToolInvocation
// and, for filesystem effects, a fsevent.Event.
type Handler func(ctx context.Context, exec Executor, taskID string, step int, args map[string]any) HandlerResult

// HandlerResult is what a Handler returns: a human/agent-readable result
// string on success, or a Kind+message pair describing the failure.
type HandlerResult struct {
	Result       string
	Event        *fsevent.Event
	ErrorKind    kinds.Kind
	ErrorMessage string
}

func (r HandlerResult) ok() bool { return r.ErrorKind == "" }

// Spec declares one registrable tool: its schema and its handler.
type Spec struct {
	Name        string
	Description string
	// Schema is the tool's parameter JSON schema, compiled once at Register
	// time so malformed schemas fail fast at startup rather than per-call.
	Schema  string
	Handler Handler
}

// Registry holds every tool available to the Agent Runtime, keyed by name.
type Registry struct {
	compiler *jsonschema.Compiler
	tools    map[string]*compiledTool
}

type compiledTool struct {
	spec   Spec
	schema *jsonschema.Schema
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		compiler: jsonschema.NewCompiler(),
		tools:    make(map[string]*compiledTool),
	}
}

// Register compiles spec.Schema and adds the tool under spec.Name. Returns
// an error if the name is already registered or the schema does not compile.
func (r *Registry) Register(spec Spec) error {
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("toolregistry: tool %q already registered", spec.Name)
	}
	var schemaDoc any
	if err := json.Unmarshal([]byte(spec.Schema), &schemaDoc); err != nil {
		return fmt.Errorf("toolregistry: parse schema for %q: %w", spec.Name, err)
	}
	resourceName := spec.Name + ".schema.json"
	if err := r.compiler.AddResource(resourceName, schemaDoc); err != nil {
		return fmt.Errorf("toolregistry: add schema resource for %q: %w", spec.Name, err)
	}
	schema, err := r.compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("toolregistry: compile schema for %q: %w", spec.Name, err)
	}
	r.tools[spec.Name] = &compiledTool{spec: spec, schema: schema}
	return nil
}

// Names returns the registered tool names, for building the allowed tool set
// passed to an Agent Runtime invocation per role policy.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Describe returns the name and description of every registered tool, in the
// shape a model client adapter hands to a generative model as its tool menu.
func (r *Registry) Describe() []Spec {
	out := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Spec{Name: t.spec.Name, Description: t.spec.Description, Schema: t.spec.Schema})
	}
	return out
}

// Invoke validates rawArgs against the named tool's schema, runs its
// handler, and returns the resulting ToolInvocation record plus the
// VerifiedFileEvent the handler produced, if any.
func (r *Registry) Invoke(ctx context.Context, exec Executor, taskID string, step int, name string, rawArgs json.RawMessage) (agentrun.ToolInvocation, *fsevent.Event) {
	start := time.Now()
	tool, ok := r.tools[name]
	if !ok {
		return failedInvocation(name, rawArgs, kinds.KindTool, fmt.Sprintf("unknown tool %q", name), time.Since(start)), nil
	}

	var args map[string]any
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return failedInvocation(name, rawArgs, kinds.KindSchemaViolation, fmt.Sprintf("args are not a JSON object: %v", err), time.Since(start)), nil
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := tool.schema.Validate(args); err != nil {
		return failedInvocation(name, rawArgs, kinds.KindSchemaViolation, err.Error(), time.Since(start)), nil
	}

	result := tool.spec.Handler(ctx, exec, taskID, step, args)
	inv := agentrun.ToolInvocation{
		Tool:     name,
		Args:     args,
		Duration: time.Since(start),
	}
	if !result.ok() {
		inv.Success = false
		inv.ErrorKind = string(result.ErrorKind)
		inv.ErrorMessage = result.ErrorMessage
		return inv, nil
	}
	inv.Success = true
	inv.Result = result.Result
	return inv, result.Event
}

func failedInvocation(name string, rawArgs json.RawMessage, kind kinds.Kind, detail string, d time.Duration) agentrun.ToolInvocation {
	var args map[string]any
	_ = json.Unmarshal(rawArgs, &args)
	return agentrun.ToolInvocation{
		Tool: name, Args: args, Success: false,
		ErrorKind: string(kind), ErrorMessage: detail, Duration: d,
	}
}
