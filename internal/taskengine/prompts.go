package taskengine

import (
	"fmt"
	"strings"

	"github.com/taskmesh/orchestrator/internal/agentruntime"
	"github.com/taskmesh/orchestrator/internal/task"
)

// plannerSchema requires the planner's structured result to already carry
// the Plan shape task.Plan decodes; this narrows what the generative client
// is tool-forced to emit so handlePlanning's json.Unmarshal of out.Result
// succeeds on the first attempt in the common case.
const plannerSchema = `{
  "type": "object",
  "required": ["title", "subtitle", "confidence", "result"],
  "properties": {
    "title": {"type": "string"},
    "subtitle": {"type": "string"},
    "reasoning": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "result": {
      "type": "object",
      "required": ["summary", "steps", "confidence"],
      "properties": {
        "summary": {"type": "string"},
        "steps": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["order", "description", "agentRole", "dependencies"],
            "properties": {
              "order": {"type": "integer"},
              "description": {"type": "string"},
              "agentRole": {"type": "string"},
              "files": {"type": "array", "items": {"type": "string"}},
              "dependencies": {"type": "array", "items": {"type": "integer"}}
            }
          }
        },
        "complexity": {"type": "integer"},
        "affectedFiles": {"type": "array", "items": {"type": "string"}},
        "risks": {"type": "array", "items": {"type": "string"}},
        "confidence": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  }
}`

const plannerSystemPrompt = `You are the planning agent for an autonomous coding orchestrator. Decompose the
user's request into an ordered sequence of steps, each assigned to a single
agent role (coder, qa, or docs). New-file creation is only ever assigned to
the coder role; assign edits to existing files to the docs role only when the
change is documentation, not code. Dependencies must reference strictly
earlier step orders. Report your own confidence in the plan.`

func plannerRequest(t *task.Task, cfg Config) agentruntime.Request {
	return agentruntime.Request{
		TaskID:        t.ID,
		Role:          agentruntime.RolePlanner,
		SystemPrompt:  plannerSystemPrompt,
		UserPrompt:    fmt.Sprintf("Repository: %s\nRequest: %s", t.RepoID, t.UserRequest),
		AllowedTools:  []string{"repo_scan"},
		TauReview:     cfg.TauReview,
		MaxIterations: cfg.IMax,
		OutcomeSchema: []byte(plannerSchema),
	}
}

const coderSystemPromptTemplate = `You are the %s agent executing one step of an approved plan. Make the
necessary filesystem changes using the tools available to you. You must
touch every file listed as assigned to this step before reporting a final
result.`

func coderRequest(t *task.Task, step task.PlanStep, cfg Config) agentruntime.Request {
	role := agentruntime.Role(step.AgentRole)
	allowed := []string{"file_edit", "file_delete", "repo_scan"}
	if role == agentruntime.RoleCoder {
		allowed = []string{"file_create", "file_edit", "file_delete", "repo_scan"}
	}
	return agentruntime.Request{
		TaskID:        t.ID,
		Step:          step.Order,
		Role:          role,
		SystemPrompt:  fmt.Sprintf(coderSystemPromptTemplate, step.AgentRole),
		UserPrompt:    fmt.Sprintf("Plan summary: %s\nStep %d: %s\nAssigned files: %s", t.Plan.Summary, step.Order, step.Description, strings.Join(step.Files, ", ")),
		AllowedTools:  allowed,
		AssignedFiles: step.Files,
		TauReview:     cfg.TauReview,
		MaxIterations: cfg.IMax,
	}
}

const qaSystemPrompt = `You are the QA agent. Run the repository's test command via command_exec and
report the result. Do not modify any files.`

func qaRequest(t *task.Task, cfg Config) agentruntime.Request {
	return agentruntime.Request{
		TaskID:        t.ID,
		Role:          agentruntime.RoleQA,
		SystemPrompt:  qaSystemPrompt,
		UserPrompt:    fmt.Sprintf("Verify the changes made for: %s", t.Title),
		AllowedTools:  []string{"command_exec", "repo_scan"},
		TauReview:     cfg.TauReview,
		MaxIterations: cfg.IMax,
	}
}

const docsSystemPrompt = `You are the documentation agent. Update existing documentation to reflect the
change. You may only edit existing files, never create new ones.`

func docsRequest(t *task.Task, cfg Config) agentruntime.Request {
	return agentruntime.Request{
		TaskID:        t.ID,
		Role:          agentruntime.RoleDocs,
		SystemPrompt:  docsSystemPrompt,
		UserPrompt:    fmt.Sprintf("Document the change: %s", t.Title),
		AllowedTools:  []string{"file_edit", "repo_scan"},
		TauReview:     cfg.TauReview,
		MaxIterations: cfg.IMax,
	}
}
