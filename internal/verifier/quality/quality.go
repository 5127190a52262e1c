// Package quality implements the Reality Verifier's best-effort, non-blocking
// static checks (§4.4 "Quality checks"): syntactic validity for known file
// types via tree-sitter, and simple substantive-body / no-stub heuristics.
// A check that fails here never fails the write — it only populates the
// QualityWarnings side of a VerifiedFileEvent.
package quality

import (
	"bytes"
	"context"
	"path/filepath"
	"regexp"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/taskmesh/orchestrator/internal/fsevent"
)

var languagesByExt = map[string]func() *sitter.Language{
	".go":  golang.GetLanguage,
	".py":  python.GetLanguage,
	".js":  javascript.GetLanguage,
	".jsx": javascript.GetLanguage,
	".ts":  typescript.GetLanguage,
}

var todoStub = regexp.MustCompile(`(?i)^\s*(//|#)\s*TODO\b.*(stub|not implemented|unimplemented)\s*$`)

// Check runs every applicable check for path's extension against content and
// returns the checks that passed and those that only produced a warning. A
// check absent from both return values was not applicable to this file type,
// per fsevent.QualityCheck's doc comment.
func Check(ctx context.Context, path string, content []byte) (passed, warnings []fsevent.QualityCheck) {
	if langFn, ok := languagesByExt[filepath.Ext(path)]; ok {
		if syntaxValid(ctx, langFn(), content) {
			passed = append(passed, fsevent.CheckSyntaxValid)
		} else {
			warnings = append(warnings, fsevent.CheckSyntaxValid)
		}
	}

	if nonEmptyBody(content) {
		passed = append(passed, fsevent.CheckNonEmptyBody)
	} else {
		warnings = append(warnings, fsevent.CheckNonEmptyBody)
	}

	if !isTODOStub(content) {
		passed = append(passed, fsevent.CheckNoTODOStub)
	} else {
		warnings = append(warnings, fsevent.CheckNoTODOStub)
	}
	return passed, warnings
}

// syntaxValid reports whether a tree-sitter parse of content produced no
// ERROR nodes, walking the tree the same way the pack's AST parsers do
// before extracting entities (see processor/ast/*/parser.go in the teacher
// pack for the ParseCtx/RootNode pattern this mirrors).
func syntaxValid(ctx context.Context, lang *sitter.Language, content []byte) bool {
	p := sitter.NewParser()
	p.SetLanguage(lang)
	tree, err := p.ParseCtx(ctx, nil, content)
	if err != nil {
		return false
	}
	defer tree.Close()
	return !tree.RootNode().HasError()
}

// nonEmptyBody reports whether content, with leading and trailing whitespace
// trimmed, is longer than 32 bytes. Comments are not stripped; they count
// toward the length like any other text.
func nonEmptyBody(content []byte) bool {
	trimmed := bytes.TrimSpace(content)
	return len(trimmed) > 32
}

// isTODOStub reports whether content consists solely of a TODO/stub marker
// with no real implementation around it.
func isTODOStub(content []byte) bool {
	lines := bytes.Split(bytes.TrimSpace(content), []byte("\n"))
	nonTrivial := 0
	for _, line := range lines {
		l := bytes.TrimSpace(line)
		if len(l) == 0 {
			continue
		}
		if todoStub.Match(l) {
			continue
		}
		nonTrivial++
	}
	return nonTrivial == 0 && len(bytes.TrimSpace(content)) > 0
}
