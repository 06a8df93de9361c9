package process

import (
	"os/exec"
	"strings"

	"github.com/loykin/horizon/internal/logger"
)

// Spec describes one worker process.
type Spec struct {
	Name    string        `json:"name"`     // unique worker name, also the log file stem
	Command string        `json:"command"`  // full command line
	WorkDir string        `json:"work_dir"` // optional working dir
	Env     []string      `json:"env"`      // merged "K=V" environment; inherit when empty
	Nice    int           `json:"nice"`     // scheduling priority applied after start
	Log     logger.Config `json:"log"`
}

// BuildCommand turns Command into an *exec.Cmd.
// A shell is only involved when the command names one explicitly or uses
// shell syntax; otherwise the line is split on whitespace and executed directly.
func (s *Spec) BuildCommand() *exec.Cmd {
	line := strings.TrimSpace(s.Command)
	if line == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if script, ok := explicitShell(line); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", script)
	}
	if strings.ContainsAny(line, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", line)
	}
	parts := strings.Fields(line)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// explicitShell recognizes "sh -c <script>" prefixes and returns the script
// with one pair of surrounding quotes removed.
func explicitShell(line string) (string, bool) {
	for _, prefix := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		script, ok := strings.CutPrefix(line, prefix)
		if !ok {
			continue
		}
		if n := len(script); n >= 2 {
			if (script[0] == '\'' && script[n-1] == '\'') || (script[0] == '"' && script[n-1] == '"') {
				script = script[1 : n-1]
			}
		}
		return script, true
	}
	return "", false
}
