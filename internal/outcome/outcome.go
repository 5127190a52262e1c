// Package outcome provides a tagged-sum Result type used in place of a
// boolean-success-flag-plus-error-string for every component that reports a
// structured success-or-failure outcome (ToolInvocation results, AgentOutcome,
// state-transition results). See §9 of the specification: "Dynamic
// JSON-shaped tool results... encode as a tagged sum with named variants
// (ok{result}, err{kind, detail}) rather than a boolean flag plus an error
// string."
package outcome

import "github.com/taskmesh/orchestrator/internal/kinds"

// Result is a tagged sum: exactly one of (value, failure) is meaningful,
// discriminated by IsOK. T is typically a concrete result payload type (a
// tool's decoded result, an AgentOutcome body, ...).
type Result[T any] struct {
	ok      bool
	value   T
	failure *Failure
}

// Failure carries the programmatic Kind plus a human-readable Detail for a
// non-OK Result.
type Failure struct {
	Kind   kinds.Kind
	Detail string
	// Cause is the underlying error, if any, preserved for logging and
	// errors.Is/As chains. Never serialized to API responses.
	Cause error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	return string(f.Kind) + ": " + f.Detail
}

// Unwrap exposes Cause for errors.Is/As.
func (f *Failure) Unwrap() error { return f.Cause }

// Ok constructs a successful Result.
func Ok[T any](v T) Result[T] {
	return Result[T]{ok: true, value: v}
}

// Err constructs a failed Result.
func Err[T any](kind kinds.Kind, detail string) Result[T] {
	return Result[T]{failure: &Failure{Kind: kind, Detail: detail}}
}

// ErrFromCause constructs a failed Result wrapping an underlying error.
func ErrFromCause[T any](kind kinds.Kind, detail string, cause error) Result[T] {
	return Result[T]{failure: &Failure{Kind: kind, Detail: detail, Cause: cause}}
}

// IsOK reports whether the Result is the success variant.
func (r Result[T]) IsOK() bool { return r.ok }

// Value returns the success payload. Callers must check IsOK first; calling
// Value on a failed Result returns the zero value of T.
func (r Result[T]) Value() T { return r.value }

// Failure returns the failure payload, or nil if the Result is OK.
func (r Result[T]) Failure() *Failure { return r.failure }
