package verifier

import (
	"fmt"
	"path/filepath"
	"strings"
)

// resolveRepoPath resolves rel against repoRoot and rejects any result that
// escapes repoRoot, per §4.4 "Path safety": "any resolved path that escapes
// the root causes the tool to fail with path_escape".
func resolveRepoPath(repoRoot, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path_escape: absolute paths are not permitted: %s", rel)
	}
	joined := filepath.Join(repoRoot, rel)
	cleanRoot := filepath.Clean(repoRoot)
	cleanJoined := filepath.Clean(joined)
	if cleanJoined != cleanRoot && !strings.HasPrefix(cleanJoined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path_escape: %q resolves outside repository root", rel)
	}
	return cleanJoined, nil
}
