package quality

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmesh/orchestrator/internal/fsevent"
)

func contains(checks []fsevent.QualityCheck, c fsevent.QualityCheck) bool {
	for _, x := range checks {
		if x == c {
			return true
		}
	}
	return false
}

func TestCheckValidGoSourcePasses(t *testing.T) {
	src := []byte("package main\n\nfunc main() {\n\tprintln(\"hello\")\n}\n")
	passed, warnings := Check(context.Background(), "main.go", src)
	require.True(t, contains(passed, fsevent.CheckSyntaxValid))
	require.True(t, contains(passed, fsevent.CheckNonEmptyBody))
	require.True(t, contains(passed, fsevent.CheckNoTODOStub))
	require.Empty(t, warnings)
}

func TestCheckMalformedGoSourceWarns(t *testing.T) {
	src := []byte("package main\n\nfunc main( {\n")
	passed, warnings := Check(context.Background(), "main.go", src)
	require.True(t, contains(warnings, fsevent.CheckSyntaxValid))
	require.False(t, contains(passed, fsevent.CheckSyntaxValid))
}

func TestCheckTODOStubWarns(t *testing.T) {
	src := []byte("// TODO: not implemented\n")
	_, warnings := Check(context.Background(), "handler.go", src)
	require.True(t, contains(warnings, fsevent.CheckNoTODOStub))
	require.True(t, contains(warnings, fsevent.CheckNonEmptyBody))
}

func TestCheckUnknownExtensionSkipsSyntaxCheck(t *testing.T) {
	passed, warnings := Check(context.Background(), "notes.txt", []byte("some plain text content here"))
	require.False(t, contains(passed, fsevent.CheckSyntaxValid))
	require.False(t, contains(warnings, fsevent.CheckSyntaxValid))
}
