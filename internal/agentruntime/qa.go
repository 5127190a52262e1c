package agentruntime

import "strings"

// TestOutcome classifies a QA role's command output per §4.3: "exit code 0
// with 'collected 0 items' (or equivalent) is reported as no_tests_executed,
// distinct from passed. Actual test failures are reported with diagnostic
// excerpts." Exported so the Task Engine can apply it to a QA AgentRun's
// command_exec tool-invocation results when deciding the tests_* transition
// event (§4.1).
type TestOutcome string

const (
	TestOutcomePassed     TestOutcome = "passed"
	TestOutcomeNoTestsRun TestOutcome = "no_tests_executed"
	TestOutcomeFailed     TestOutcome = "failed"
)

// noTestsMarkers lists output substrings, across common test runners, that
// indicate the command ran cleanly but collected/executed zero tests.
var noTestsMarkers = []string{
	"collected 0 items",
	"no tests ran",
	"no test files",
	"0 passing",
	"ran 0 tests",
}

// ClassifyTestOutput inspects a command's exit success and combined
// stdout/stderr output and reports the semantic QA outcome plus, for
// failures, a short diagnostic excerpt (the output's final lines, where the
// runner's failure summary usually lives).
func ClassifyTestOutput(exitSuccess bool, output string) (TestOutcome, string) {
	lower := strings.ToLower(output)
	if exitSuccess {
		for _, marker := range noTestsMarkers {
			if strings.Contains(lower, marker) {
				return TestOutcomeNoTestsRun, ""
			}
		}
		return TestOutcomePassed, ""
	}
	return TestOutcomeFailed, diagnosticExcerpt(output)
}

// diagnosticExcerpt returns the last few lines of output, where test
// runners conventionally print their failure summary.
func diagnosticExcerpt(output string) string {
	const maxLines = 20
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}
