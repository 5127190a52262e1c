// Package kinds defines the closed, stable set of error kinds used across
// the orchestrator (§7 of the specification). A Kind is a programmatic tag,
// distinct from the human-readable error message attached alongside it.
package kinds

// Kind tags a failure with a stable, programmatic classification. Kinds are
// serialized verbatim in API responses and log fields; renaming one is a
// breaking change for API consumers.
type Kind string

const (
	// Transient errors (network, rate-limit, state-store write conflict).
	// An agent invocation that fails with one is retried once by the Task
	// Engine, immediately and with no backoff delay; a second failure fails
	// the task. Transient state-store errors are returned to the caller of
	// the Task Engine without a retry.
	KindTransient Kind = "transient"
	// Agent errors (invalid structured output, exceeded iterations, policy
	// refusal) get one immediate retry per agent invocation by the Task
	// Engine (so one per plan step in the executing phase), then are fatal.
	KindAgent Kind = "agent"
	// Tool errors (path escape, unsafe command, reality mismatch, timeout)
	// are reported back to the originating agent.
	KindTool Kind = "tool"
	// Verification errors (file missing post-write, size/hash mismatch) are
	// treated as tool errors.
	KindVerification Kind = "verification"
	// Lease errors (heartbeat expired) are fatal for the task; no fix-loop
	// child is spawned.
	KindLease Kind = "lease"
	// User errors (invalid state transition requested via the API) surface
	// as 409 responses with no state change.
	KindUser Kind = "user"
)

// Specific, named error kinds referenced by the state machine and §8
// boundary behaviors. These are Kind values further specialized by a
// detail string carried alongside them (see outcome.Err).
const (
	KindCyclicPlan        Kind = "cyclic_plan"
	KindInvalidPlan       Kind = "invalid_plan"
	KindPathEscape        Kind = "path_escape"
	KindUnsafeCommand     Kind = "unsafe_command"
	KindRealityMismatch   Kind = "reality_mismatch"
	KindToolTimeout       Kind = "tool_timeout"
	KindLeaseExpired      Kind = "lease_expired"
	KindCancelled         Kind = "cancelled"
	KindParentCancelled   Kind = "parent_cancelled"
	KindNoTestsExecuted   Kind = "no_tests_executed"
	KindExceededIteration Kind = "exceeded_iterations"
	KindSchemaViolation   Kind = "schema_violation"
	KindToolRefusal       Kind = "tool_refusal"
	KindInvalidTransition Kind = "invalid_transition"
)

// Terminal reports whether a Kind is fatal for the current task phase and
// never eligible for transparent retry by the Task Engine.
func (k Kind) Terminal() bool {
	switch k {
	case KindLeaseExpired, KindCyclicPlan, KindInvalidPlan, KindCancelled, KindParentCancelled:
		return true
	default:
		return false
	}
}
