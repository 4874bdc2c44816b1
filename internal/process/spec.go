package process

import (
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/botwarden/internal/logger"
)

// Defaults applied by Spec.withDefaults.
const (
	DefaultStartGrace = 5 * time.Second
	DefaultStopGrace  = 5 * time.Second

	// signatures shorter than this would match half the process table.
	minSignatureLen = 3
)

// Spec describes the worker process.
type Spec struct {
	Name       string              `json:"name" mapstructure:"name"`
	Command    string              `json:"command" mapstructure:"command"`
	WorkDir    string              `json:"work_dir" mapstructure:"work_dir"`
	Env        []string            `json:"env" mapstructure:"env"`
	PIDFile    string              `json:"pid_file" mapstructure:"pid_file"`
	Signature  string              `json:"signature" mapstructure:"signature"`     // substring identifying stray copies of the worker; defaults to Command
	StartGrace time.Duration       `json:"start_grace" mapstructure:"start_grace"` // the worker must stay up this long to count as started
	StopGrace  time.Duration       `json:"stop_grace" mapstructure:"stop_grace"`   // SIGTERM to SIGKILL delay
	Output     logger.OutputConfig `json:"-" mapstructure:"output"`
}

func (s Spec) withDefaults() Spec {
	if s.Name == "" {
		s.Name = "worker"
	}
	if s.StartGrace <= 0 {
		s.StartGrace = DefaultStartGrace
	}
	if s.StopGrace <= 0 {
		s.StopGrace = DefaultStopGrace
	}
	return s
}

// OrphanSignature returns the command-line substring used to find stray
// worker processes, or "" when it is too short to be matched safely.
func (s Spec) OrphanSignature() string {
	sig := strings.TrimSpace(s.Signature)
	if sig == "" {
		sig = strings.TrimSpace(s.Command)
		if _, script, ok := parseExplicitShell(sig); ok {
			sig = strings.TrimSpace(script)
		}
	}
	if len(sig) < minSignatureLen {
		return ""
	}
	return sig
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'python bot.py'"), avoiding double-wrapping with another shell.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return trueCommand()
	}
	if _, script, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(script)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// One pair of wrapping quotes around ARG is stripped.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}
