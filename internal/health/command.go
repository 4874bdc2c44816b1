package health

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Command runs a command that should succeed while the worker is healthy.
type Command struct {
	CheckName    string
	Command      string
	CheckTimeout time.Duration
}

func (c Command) Name() string {
	if c.CheckName == "" {
		return "cmd:" + c.Command
	}
	return c.CheckName
}

func (Command) Kind() Kind               { return KindCommand }
func (c Command) Timeout() time.Duration { return c.CheckTimeout }

// buildShellAwareCommand avoids a shell unless metacharacters are present.
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func (c Command) Probe(ctx context.Context) (string, error) {
	if strings.TrimSpace(c.Command) == "" {
		return "", errors.New("empty command")
	}
	cmd := buildShellAwareCommand(ctx, c.Command)
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	msg := strings.TrimSpace(string(out))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if err == nil {
		return msg, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return msg, fmt.Errorf("exit status %d", ee.ExitCode())
	}
	return msg, err
}
