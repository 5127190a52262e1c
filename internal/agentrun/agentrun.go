// Package agentrun defines the AgentRun and ToolInvocation records appended
// to the per-task run log as the Agent Runtime drives a step (§3, §4.3).
package agentrun

import "time"

type (
	// AgentRun records one invocation of an agent during a task step.
	AgentRun struct {
		ID        string
		TaskID    string
		Step      int
		AgentRole string
		// Title and Subtitle are user-facing summaries of what the agent did,
		// suitable for a UI timeline.
		Title    string
		Subtitle string
		// Reasoning is the agent's opaque technical reasoning trace, possibly
		// JSON-encoded, kept for audit and debugging but never shown verbatim
		// to end users by default.
		Reasoning string
		Tools     []ToolInvocation
		// Confidence is the agent's self-reported confidence in [0,1].
		Confidence float64
		// ReviewRequired is true when Confidence < the configured review
		// threshold (taskengine.Config.TauReview).
		ReviewRequired bool
		Duration       time.Duration
		CreatedAt      time.Time
	}

	// ToolInvocation records one tool call performed within an AgentRun.
	ToolInvocation struct {
		ID      string
		Tool    string
		Args    map[string]any
		Success bool
		Result  string
		// ErrorKind is a kinds.Kind string, set only when Success is false.
		ErrorKind    string
		ErrorMessage string
		Duration     time.Duration
	}
)
