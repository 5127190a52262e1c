package verifier

import (
	"fmt"
	"regexp"
	"strings"
)

// unsafeCommandPatterns is the small blocklist of command shapes §4.4 calls
// out by name: "recursive-delete at root, piped curl-to-shell". Matched
// against the full command line (name plus args joined by a space) so a
// blocked pattern can't be split across argv entries to dodge detection.
var unsafeCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+(-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*|-[a-zA-Z]*f[a-zA-Z]*r[a-zA-Z]*)\s+/(\s|$)`),
	regexp.MustCompile(`rm\s+(-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*|-[a-zA-Z]*f[a-zA-Z]*r[a-zA-Z]*)\s+/\*`),
	regexp.MustCompile(`curl[^|]*\|\s*(sudo\s+)?(sh|bash|zsh)\b`),
	regexp.MustCompile(`wget[^|]*\|\s*(sudo\s+)?(sh|bash|zsh)\b`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|\s*:&\s*\}\s*;\s*:`), // fork bomb
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
}

// checkCommandSafety returns a non-nil error tagged unsafe_command if name
// and args match a blocked shape.
func checkCommandSafety(name string, args []string) error {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	for _, pattern := range unsafeCommandPatterns {
		if pattern.MatchString(line) {
			return fmt.Errorf("unsafe_command: refused to run %q", line)
		}
	}
	return nil
}
