// Package fsevent defines VerifiedFileEvent, the record emitted only after
// the Reality Verifier confirms a tool-reported filesystem effect against
// the actual on-disk state (§3, §4.4).
package fsevent

import "time"

// Action classifies the kind of filesystem effect a VerifiedFileEvent
// attests to.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// QualityCheck is one member of the closed set of check names the Reality
// Verifier's best-effort static analysis can report (§4.4, §9 Open
// Questions: "implementers should agree on a closed set of check names at
// build time").
type QualityCheck string

const (
	// CheckSyntaxValid reports that a tree-sitter parse of the file produced
	// no ERROR nodes for its declared language.
	CheckSyntaxValid QualityCheck = "syntax_valid"
	// CheckNonEmptyBody reports that a file the plan declared as substantive
	// has more than a trivial/placeholder body.
	CheckNonEmptyBody QualityCheck = "nonempty_body"
	// CheckNoTODOStub reports that the file does not consist solely of a
	// TODO/stub marker with no real implementation.
	CheckNoTODOStub QualityCheck = "no_todo_stub"
)

// Event is a single confirmed filesystem side effect attributable to a
// specific task and step. Exactly one Event is published per affected path
// per tool invocation (§4.4 "Emission").
type Event struct {
	ID     string
	TaskID string
	Step   int
	Path   string // repository-relative
	Action Action
	// SizeBytes is 0 for Action == ActionDelete.
	SizeBytes int64
	// QualityPassed and QualityWarnings partition the closed QualityCheck
	// set; a check absent from both was not applicable to this file type.
	QualityPassed   []QualityCheck
	QualityWarnings []QualityCheck
	Timestamp       time.Time
}
