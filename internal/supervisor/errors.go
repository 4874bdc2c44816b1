package supervisor

import (
	"errors"
	"fmt"

	"github.com/loykin/botwarden/internal/health"
)

var (
	ErrAlreadyRunning = errors.New("worker already running")
	ErrStopped        = errors.New("supervisor stopped")
	ErrRestartPending = errors.New("restart already pending")
	ErrCooldown       = errors.New("restart limit reached")
)

// LaunchError reports a worker that failed to start or exited within the
// start grace period.
type LaunchError struct {
	Command  string
	ExitCode int // -1 when the process never ran or the code is unknown
	Err      error
}

func (e *LaunchError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("launch %q: exited with code %d during start grace: %v", e.Command, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("launch %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Restart stages.
const (
	StageTerminate = "terminate"
	StageOrphans   = "orphans"
	StageLaunch    = "launch"
)

// RestartError reports a restart that failed partway.
type RestartError struct {
	Stage string
	Err   error
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("restart failed at %s: %v", e.Stage, e.Err)
}

func (e *RestartError) Unwrap() error { return e.Err }

// HealthCheckTimeout is carried by the signal of a check that overran.
type HealthCheckTimeout = health.TimeoutError

// ConfigurationError is returned for a missing or invalid setting. It is the
// only error that should end the program, and only before the loop starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
