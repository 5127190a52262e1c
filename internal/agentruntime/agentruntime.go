// Package agentruntime drives one agent invocation: the plan/tool-call loop
// described in §4.3 of the specification, built on top of the Generative
// Client Contract (internal/modelclient) and the Tool Registry
// (internal/toolregistry).
package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskmesh/orchestrator/internal/agentrun"
	"github.com/taskmesh/orchestrator/internal/clock"
	"github.com/taskmesh/orchestrator/internal/fsevent"
	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/modelclient"
	"github.com/taskmesh/orchestrator/internal/outcome"
	"github.com/taskmesh/orchestrator/internal/scheduler"
	"github.com/taskmesh/orchestrator/internal/task"
	"github.com/taskmesh/orchestrator/internal/toolregistry"
)

// Role names the agent policy to apply, matching task.Task.Phase values for
// the non-planning phases plus "planner" itself.
type Role string

const (
	RolePlanner Role = "planner"
	RoleCoder   Role = "coder"
	RoleQA      Role = "qa"
	RoleDocs    Role = "docs"
)

// defaultMaxIterations is I_max from §4.3's recommended default.
const defaultMaxIterations = 8

// maxResidualReprompts bounds the coder role's re-prompt-on-unmet-files loop.
const maxResidualReprompts = 3

// Request describes one agent invocation: role, prompts, tool scope, and
// budget, per §4.3's input list.
type Request struct {
	TaskID        string
	Step          int
	Role          Role
	SystemPrompt  string
	UserPrompt    string
	AllowedTools  []string
	Temperature   float64
	MaxIterations int
	TauReview     float64
	Model         string
	AssignedFiles []string // coder role only: files this step must touch
	OutcomeSchema json.RawMessage
}

// RunOutput is the successful result of Run: the AgentRun record appended
// to the task's run log, plus the role-specific structured Result payload
// extracted from the final turn (e.g. the planner's Plan JSON) for the
// caller to decode.
type RunOutput struct {
	Run    *agentrun.AgentRun
	Result json.RawMessage
	// FileEvents holds every VerifiedFileEvent a successful write/delete
	// tool invocation produced during the loop, in the order they occurred,
	// so the Task Engine can persist and publish them (§4.4 "Emission").
	FileEvents []*fsevent.Event
}

// Runner drives the Agent Runtime loop for a single agent invocation.
type Runner struct {
	model    modelclient.Client
	registry *toolregistry.Registry
	exec     toolregistry.Executor
	clock    clock.Clock
}

// New builds a Runner over a generative client, a tool registry, and the
// executor the registry's handlers dispatch into.
func New(model modelclient.Client, registry *toolregistry.Registry, exec toolregistry.Executor, clk clock.Clock) *Runner {
	return &Runner{model: model, registry: registry, exec: exec, clock: clk}
}

// outcomePayload is the structured shape every role's final answer is
// coerced into via a Structured() call once the tool-call loop ends.
type outcomePayload struct {
	Title      string          `json:"title"`
	Subtitle   string          `json:"subtitle"`
	Reasoning  string          `json:"reasoning"`
	Confidence float64         `json:"confidence"`
	Result     json.RawMessage `json:"result,omitempty"`
}

const outcomeSchema = `{
  "type": "object",
  "required": ["title", "subtitle", "confidence"],
  "properties": {
    "title": {"type": "string"},
    "subtitle": {"type": "string"},
    "reasoning": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "result": {}
  }
}`

// Run drives the loop in §4.3: issue a generate request offering the
// allowed tools; execute any requested tool calls through the Tool
// Registry, append each ToolInvocation to the transcript, and re-issue.
// The loop ends when the model stops requesting tools (i), the iteration
// budget is exceeded (ii), or ctx is cancelled (iii).
func (r *Runner) Run(ctx context.Context, req Request) outcome.Result[*RunOutput] {
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	tools := r.toolDefinitions(req.AllowedTools)

	messages := []modelclient.Message{
		{Role: modelclient.RoleSystem, Text: req.SystemPrompt},
		{Role: modelclient.RoleUser, Text: req.UserPrompt},
	}

	started := r.clock.Now()
	var invocations []agentrun.ToolInvocation
	var fileEvents []*fsevent.Event
	touched := make(map[string]bool, len(req.AssignedFiles))
	residualReprompts := 0

	for iter := 0; iter < maxIter; iter++ {
		select {
		case <-ctx.Done():
			return outcome.Err[*RunOutput](kinds.KindCancelled, "agent run cancelled")
		default:
		}

		genRes := r.model.Generate(ctx, &modelclient.GenerateRequest{
			Model:       req.Model,
			Messages:    messages,
			Tools:       tools,
			ToolChoice:  &modelclient.ToolChoice{Mode: modelclient.ToolChoiceAuto},
			Temperature: req.Temperature,
		})
		if !genRes.IsOK() {
			return outcome.ErrFromCause[*RunOutput](genRes.Failure().Kind, genRes.Failure().Detail, genRes.Failure().Cause)
		}
		resp := genRes.Value()

		if len(resp.ToolCalls) == 0 {
			// No further tool calls requested: this is the model's final turn.
			if refused, detail := r.checkRolePolicy(req, touched); refused {
				if req.Role == RoleCoder && residualReprompts < maxResidualReprompts {
					residualReprompts++
					messages = append(messages, modelclient.Message{Role: modelclient.RoleAssistant, Text: resp.Text})
					messages = append(messages, modelclient.Message{Role: modelclient.RoleUser, Text: "The following assigned files still need a verified write: " + detail})
					continue
				}
				return outcome.Err[*RunOutput](kinds.KindToolRefusal, detail)
			}
			return r.finalize(ctx, req, messages, invocations, fileEvents, started)
		}

		if violation := enforceRolePolicy(req, resp.ToolCalls); violation != "" {
			return outcome.Err[*RunOutput](kinds.KindToolRefusal, violation)
		}

		assistantMsg := modelclient.Message{Role: modelclient.RoleAssistant, Text: resp.Text, ToolCalls: resp.ToolCalls}
		messages = append(messages, assistantMsg)

		var results []modelclient.ToolResult
		for _, call := range resp.ToolCalls {
			invocation, event := r.registry.Invoke(ctx, r.exec, req.TaskID, req.Step, call.Name, call.Payload)
			invocations = append(invocations, invocation)
			if invocation.Success {
				markTouched(touched, event)
				if event != nil {
					fileEvents = append(fileEvents, event)
				}
			}
			results = append(results, modelclient.ToolResult{
				ToolCallID: call.ID,
				Content:    toolResultContent(invocation),
				IsError:    !invocation.Success,
			})
		}
		messages = append(messages, modelclient.Message{Role: modelclient.RoleUser, ToolResults: results})
	}

	return outcome.Err[*RunOutput](kinds.KindExceededIteration, fmt.Sprintf("agent exceeded %d iterations without a final result", maxIter))
}

func (r *Runner) toolDefinitions(allowed []string) []modelclient.ToolDefinition {
	allowedSet := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allowedSet[name] = true
	}
	var out []modelclient.ToolDefinition
	for _, spec := range r.registry.Describe() {
		if len(allowedSet) > 0 && !allowedSet[spec.Name] {
			continue
		}
		out = append(out, modelclient.ToolDefinition{Name: spec.Name, Description: spec.Description, Schema: json.RawMessage(spec.Schema)})
	}
	return out
}

// finalize asks the model for the structured AgentOutcome shape (title,
// subtitle, reasoning, confidence) now that the tool-call loop has ended,
// then assembles the AgentRun record per §3's AgentRun attribute list.
func (r *Runner) finalize(ctx context.Context, req Request, messages []modelclient.Message, invocations []agentrun.ToolInvocation, fileEvents []*fsevent.Event, started time.Time) outcome.Result[*RunOutput] {
	schema := req.OutcomeSchema
	if len(schema) == 0 {
		schema = json.RawMessage(outcomeSchema)
	}
	prompt := transcriptPrompt(messages)
	structRes := r.model.Structured(ctx, &modelclient.StructuredRequest{
		Model:       req.Model,
		Prompt:      prompt,
		Schema:      schema,
		Temperature: req.Temperature,
	})
	if !structRes.IsOK() {
		return outcome.ErrFromCause[*RunOutput](kinds.KindAgent, structRes.Failure().Detail, structRes.Failure().Cause)
	}
	var payload outcomePayload
	if err := json.Unmarshal(structRes.Value(), &payload); err != nil {
		return outcome.Err[*RunOutput](kinds.KindSchemaViolation, "agent outcome did not match the expected schema: "+err.Error())
	}

	if req.Role == RolePlanner {
		if kind, err := validatePlannerResult(payload.Result); err != nil {
			return outcome.Err[*RunOutput](kind, err.Error())
		}
	}

	run := &agentrun.AgentRun{
		TaskID:         req.TaskID,
		Step:           req.Step,
		AgentRole:      string(req.Role),
		Title:          payload.Title,
		Subtitle:       payload.Subtitle,
		Reasoning:      payload.Reasoning,
		Tools:          invocations,
		Confidence:     payload.Confidence,
		ReviewRequired: payload.Confidence < req.TauReview,
		Duration:       r.clock.Now().Sub(started),
		CreatedAt:      started,
	}
	return outcome.Ok(&RunOutput{Run: run, Result: payload.Result, FileEvents: fileEvents})
}

// markTouched records the repository-relative path a successful write/delete
// tool invocation affected, per the Verifier's VerifiedFileEvent, so the
// coder role's "all assigned files touched" check (§4.3) can be evaluated.
func markTouched(touched map[string]bool, event *fsevent.Event) {
	if event == nil {
		return
	}
	touched[event.Path] = true
}

// checkRolePolicy reports whether req.Role's §4.3 completion requirement is
// unmet once the model has stopped requesting tools, and a human-readable
// detail describing what is still missing.
func (r *Runner) checkRolePolicy(req Request, touched map[string]bool) (refused bool, detail string) {
	if req.Role != RoleCoder {
		return false, ""
	}
	var missing []string
	for _, f := range req.AssignedFiles {
		if !touched[f] {
			missing = append(missing, f)
		}
	}
	if len(missing) == 0 {
		return false, ""
	}
	return true, fmt.Sprintf("%v", missing)
}

// enforceRolePolicy rejects tool calls that violate a role's §4.3
// restriction before they are dispatched: the docs role may only call
// file-edit tools, never file-create.
func enforceRolePolicy(req Request, calls []modelclient.ToolCall) string {
	if req.Role != RoleDocs {
		return ""
	}
	for _, call := range calls {
		if call.Name == "file_create" {
			return "docs role may only edit existing files; file_create is not permitted"
		}
	}
	return ""
}

// validatePlannerResult decodes the planner role's Result payload as a
// task.Plan and runs the Scheduler's ValidateForDispatch before the plan
// reaches the rest of the system: task.ValidatePlan's shape checks (unique
// step order, dependencies naming declared steps), then a topological sort
// that is the only real cycle check, per §3/§8. The returned Kind
// distinguishes a structurally malformed plan (invalid_plan) from one that
// is well-formed but cyclic (cyclic_plan).
func validatePlannerResult(raw json.RawMessage) (kinds.Kind, error) {
	if len(raw) == 0 {
		return kinds.KindInvalidPlan, fmt.Errorf("planner did not return a result")
	}
	var plan task.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return kinds.KindInvalidPlan, fmt.Errorf("%w", err)
	}
	res := scheduler.ValidateForDispatch(&plan)
	if !res.IsOK() {
		return res.Failure().Kind, fmt.Errorf("%s", res.Failure().Detail)
	}
	return "", nil
}

func toolResultContent(inv agentrun.ToolInvocation) string {
	if inv.Success {
		return inv.Result
	}
	return fmt.Sprintf("%s: %s", inv.ErrorKind, inv.ErrorMessage)
}

func transcriptPrompt(messages []modelclient.Message) string {
	var out string
	for _, m := range messages {
		if m.Text == "" {
			continue
		}
		out += string(m.Role) + ": " + m.Text + "\n"
	}
	out += "Summarize the above as the final agent outcome."
	return out
}
