package supervisor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/botwarden/internal/health"
	"github.com/loykin/botwarden/internal/history"
	"github.com/loykin/botwarden/internal/metrics"
	"github.com/loykin/botwarden/internal/policy"
	"github.com/loykin/botwarden/internal/process"
)

const (
	DefaultInterval       = 30 * time.Second
	DefaultMaxRestarts    = policy.DefaultMaxRestarts
	DefaultRestartWindow  = policy.DefaultRestartWindow
	DefaultBackoffInitial = policy.DefaultBackoffInitial
	DefaultBackoffMax     = policy.DefaultBackoffMax
)

// Launcher starts and stops the worker. *process.Worker is the production
// implementation.
type Launcher interface {
	Launch(ctx context.Context) (*process.Handle, error)
	Alive(h *process.Handle) bool
	Terminate(ctx context.Context, h *process.Handle) error
	CleanupOrphans(ctx context.Context, keep ...int) ([]int, error)
}

// Config holds everything the supervisor needs besides its collaborators.
type Config struct {
	Worker         process.Spec
	Policy         policy.Config
	MaxRestarts    int
	RestartWindow  time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	CheckTimeout   time.Duration // applied to checks without their own timeout
	Interval       time.Duration
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Worker.Command) == "":
		return &ConfigurationError{Field: "worker.command", Reason: "required"}
	case c.Worker.StartGrace < 0:
		return &ConfigurationError{Field: "worker.start_grace", Reason: "must not be negative"}
	case c.Worker.StopGrace < 0:
		return &ConfigurationError{Field: "worker.stop_grace", Reason: "must not be negative"}
	case c.Policy.SoftQuorum < 0:
		return &ConfigurationError{Field: "policy.soft_quorum", Reason: "must not be negative"}
	case c.Policy.ConfirmCycles < 0:
		return &ConfigurationError{Field: "policy.confirm_cycles", Reason: "must not be negative"}
	case c.MaxRestarts < 0:
		return &ConfigurationError{Field: "policy.max_restarts", Reason: "must not be negative"}
	case c.RestartWindow < 0:
		return &ConfigurationError{Field: "policy.restart_window", Reason: "must not be negative"}
	case c.BackoffInitial < 0 || c.BackoffMax < 0:
		return &ConfigurationError{Field: "policy.backoff", Reason: "must not be negative"}
	case c.CheckTimeout < 0:
		return &ConfigurationError{Field: "policy.check_timeout", Reason: "must not be negative"}
	case c.Interval < 0:
		return &ConfigurationError{Field: "policy.interval", Reason: "must not be negative"}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Worker.Name == "" {
		c.Worker.Name = "worker"
	}
	if c.Worker.StartGrace == 0 {
		c.Worker.StartGrace = process.DefaultStartGrace
	}
	if c.Worker.StopGrace == 0 {
		c.Worker.StopGrace = process.DefaultStopGrace
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.RestartWindow == 0 {
		c.RestartWindow = DefaultRestartWindow
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.CheckTimeout == 0 {
		c.CheckTimeout = health.DefaultTimeout
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithChecks adds soft health checks evaluated every cycle alongside the
// process liveness check.
func WithChecks(checks ...health.Check) Option {
	return func(s *Supervisor) { s.checks = append(s.checks, checks...) }
}

func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) { s.launcher = l }
}

func WithClock(c policy.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithRecorder sends lifecycle events to history sinks.
func WithRecorder(r *history.Recorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

// WithStatusFile makes the supervisor rewrite path after every cycle.
func WithStatusFile(path string) Option {
	return func(s *Supervisor) { s.statusFile = path }
}

// WithSampler records the worker's resource usage each cycle.
func WithSampler(p *metrics.ProcessSampler) Option {
	return func(s *Supervisor) { s.sampler = p }
}
