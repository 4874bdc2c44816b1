// Package botwarden embeds the worker supervisor in other programs.
package botwarden

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/botwarden/internal/config"
	"github.com/loykin/botwarden/internal/daemon"
	"github.com/loykin/botwarden/internal/health"
	"github.com/loykin/botwarden/internal/history"
	"github.com/loykin/botwarden/internal/metrics"
	"github.com/loykin/botwarden/internal/policy"
	"github.com/loykin/botwarden/internal/process"
	iapi "github.com/loykin/botwarden/internal/server"
	"github.com/loykin/botwarden/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Config = supervisor.Config

type PolicyConfig = policy.Config

type Status = supervisor.Status

type Verdict = policy.Verdict

type Supervisor = supervisor.Supervisor

type Option = supervisor.Option

type Check = health.Check

type HistorySink = history.Sink

type FileConfig = cfg.Config

type Daemon = daemon.Daemon

// Health checks.

type HeartbeatCheck = health.Heartbeat

type HTTPCheck = health.HTTP

type CommandCheck = health.Command

func NewLogScanCheck(name, path string, patterns []string) Check {
	return health.NewLogScan(name, path, patterns)
}

// Typed errors.

type (
	LaunchError        = supervisor.LaunchError
	RestartError       = supervisor.RestartError
	ConfigurationError = supervisor.ConfigurationError
	HealthCheckTimeout = supervisor.HealthCheckTimeout
)

var (
	ErrCooldown       = supervisor.ErrCooldown
	ErrStopped        = supervisor.ErrStopped
	ErrRestartPending = supervisor.ErrRestartPending
)

func New(c Config, opts ...Option) (*Supervisor, error) { return supervisor.New(c, opts...) }

func WithChecks(checks ...Check) Option { return supervisor.WithChecks(checks...) }
func WithLogger(l *slog.Logger) Option  { return supervisor.WithLogger(l) }
func WithStatusFile(path string) Option { return supervisor.WithStatusFile(path) }

// WithHistory records lifecycle events to sinks.
func WithHistory(log *slog.Logger, sinks ...HistorySink) Option {
	return supervisor.WithRecorder(history.NewRecorder(log, sinks...))
}

// LoadConfig reads a TOML or YAML configuration file.
func LoadConfig(path string) (*FileConfig, error) { return cfg.Load(path) }

// NewDaemon wires a supervisor with everything a loaded configuration asks
// for: lock, history, metrics, status API and restart schedule.
func NewDaemon(c *FileConfig, log *slog.Logger, opts ...Option) (*Daemon, error) {
	return daemon.New(c, log, opts...)
}

// NewStatusHandler returns the status API as an http.Handler.
func NewStatusHandler(s *Supervisor, basePath, restartToken string) http.Handler {
	return iapi.NewRouter(s, basePath, restartToken).Handler()
}

// NewStatusRouter returns the status API router for mounting into gin or Echo.
func NewStatusRouter(s *Supervisor, basePath, restartToken string) *iapi.Router {
	return iapi.NewRouter(s, basePath, restartToken)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
