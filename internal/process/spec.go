package process

import (
	"os/exec"
	"strings"

	"github.com/loykin/supervisr/internal/logger"
)

// Spec describes one worker launch.
type Spec struct {
	Name          string        `json:"name"`
	Command       string        `json:"command"`        // command line, may be a shell string
	WorkDir       string        `json:"work_dir"`       // optional working dir
	Env           []string      `json:"env"`            // final environment; empty inherits ours
	CaptureStdout bool          `json:"capture_stdout"` // expose stdout as a status stream
	Log           logger.Config `json:"log"`            // stderr (and stdout when not captured) persistence
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if shell, script, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command(shell, "-c", script)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the absolute
// shell path and ARG with one pair of surrounding quotes stripped.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []struct{ prefix, shell string }{
		{"sh -c ", "/bin/sh"},
		{"/bin/sh -c ", "/bin/sh"},
		{"/usr/bin/sh -c ", "/bin/sh"},
		{"bash -c ", "/bin/bash"},
		{"/bin/bash -c ", "/bin/bash"},
	} {
		if !strings.HasPrefix(trim, p.prefix) {
			continue
		}
		after := trim[len(p.prefix):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return p.shell, after, true
	}
	return "", "", false
}
