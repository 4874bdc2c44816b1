package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loykin/botwarden/internal/config"
	"github.com/loykin/botwarden/internal/daemon"
	"github.com/loykin/botwarden/internal/health"
	"github.com/loykin/botwarden/internal/logger"
	"github.com/loykin/botwarden/internal/policy"
	"github.com/loykin/botwarden/internal/supervisor"
	"github.com/loykin/botwarden/pkg/client"
	"github.com/loykin/botwarden/pkg/heartbeat"
)

// errChecksFailed makes `check` exit non-zero after printing its table.
var errChecksFailed = errors.New("one or more checks failed")

// command holds dependencies for command implementations
type command struct {
	out io.Writer
}

func (c command) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c command) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, errors.New("config file required. Use --config=botwarden.toml or provide it as argument")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// Run supervises the worker until interrupted.
func (c command) Run(ctx context.Context, f RunFlags) error {
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}
	if f.PidFile != "" {
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	log, closer, err := logger.New(cfg.Log, os.Stderr)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() { _ = closer.Close() }()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log.Info("botwarden starting", "worker", cfg.Worker.Name, "command", cfg.Worker.Command,
		"interval", cfg.Policy.Interval, "checks", len(cfg.CheckConfigs))
	return d.Run(ctx)
}

// Status prints the supervisor status from the API or the status file.
func (c command) Status(ctx context.Context, f StatusFlags) error {
	if f.APIUrl == "" && f.File == "" && f.ConfigPath != "" {
		cfg, err := loadConfig(f.ConfigPath)
		if err != nil {
			return err
		}
		f.File = cfg.Status.File
		if f.File == "" {
			f.APIUrl = apiURL(cfg)
		}
	}
	var st any
	var summary func()
	switch {
	case f.APIUrl != "":
		cl := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
		s, err := cl.Status(ctx)
		if err != nil {
			return err
		}
		st, summary = s, func() { c.printClientStatus(*s) }
	case f.File != "":
		s, err := supervisor.ReadStatusFile(f.File)
		if err != nil {
			return fmt.Errorf("read status file: %w", err)
		}
		st, summary = s, func() { c.printStatus(s) }
	default:
		return errors.New("one of --api-url, --file or --config is required")
	}
	if f.JSON {
		return c.printJSON(st)
	}
	summary()
	return nil
}

// printStatus goes through JSON so file and API snapshots print the same.
func (c command) printStatus(s supervisor.Status) {
	b, _ := json.Marshal(s)
	var cs client.Status
	_ = json.Unmarshal(b, &cs)
	c.printClientStatus(cs)
}

func (c command) printClientStatus(s client.Status) {
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	row := func(k string, v any) { _, _ = fmt.Fprintf(w, "%s:\t%v\n", k, v) }
	row("State", s.State)
	row("Worker", fmt.Sprintf("%s (%s)", s.Worker, s.Command))
	if s.PID > 0 {
		row("PID", fmt.Sprintf("%d, up %s", s.PID, seconds(s.WorkerUptime)))
	} else {
		row("PID", "-")
	}
	row("Supervisor uptime", seconds(s.Uptime))
	row("Restarts", fmt.Sprintf("%d total, %d/%d in %s, %d failed", s.Restarts, s.RestartsInWindow, s.MaxRestarts, s.RestartWindow, s.RestartFailures))
	if !s.LastRestartAt.IsZero() {
		row("Last restart", fmt.Sprintf("%s (%s)", s.LastRestartAt.Local().Format(time.DateTime), s.LastRestartCause))
	}
	if s.Cooldown {
		row("Cooldown until", s.CooldownUntil.Local().Format(time.DateTime))
	}
	if s.LastVerdict != nil && s.LastVerdict.Reason != "" {
		row("Verdict", fmt.Sprintf("%s: %s", s.LastVerdict.Status, s.LastVerdict.Reason))
	}
	row("Unhealthy cycles", s.ConsecutiveUnhealthy)
	if s.LastError != "" {
		row("Last error", s.LastError)
	}
	_ = w.Flush()
	if len(s.Signals) > 0 {
		c.printf("\n")
		c.printSignals(s.Signals)
	}
}

func (c command) printSignals(sigs []client.SignalStatus) {
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHECK\tKIND\tHEALTHY\tDURATION\tDETAIL")
	for _, s := range sigs {
		detail := s.Message
		if s.Error != "" {
			detail = s.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", s.Name, s.Kind, s.Healthy, s.Duration.Round(time.Millisecond), detail)
	}
	_ = w.Flush()
}

func seconds(s float64) string {
	return (time.Duration(s) * time.Second).String()
}

// Restart queues a restart through the status API.
func (c command) Restart(ctx context.Context, f RestartFlags) error {
	var cfg *config.Config
	if f.ConfigPath != "" {
		var err error
		if cfg, err = loadConfig(f.ConfigPath); err != nil {
			return err
		}
		if f.APIUrl == "" {
			f.APIUrl = apiURL(cfg)
		}
		if f.Token == "" {
			f.Token = cfg.Status.RestartToken
		}
	}
	if f.APIUrl == "" {
		return errors.New("--api-url or a config with status.listen is required")
	}
	cc := client.Config{BaseURL: f.APIUrl, RestartToken: f.Token, Timeout: f.APITimeout}
	if cfg != nil && cfg.Status.TLS.Enabled {
		cc.TLS = clientTLS(cfg)
	}
	if err := client.New(cc).Restart(ctx, f.Reason); err != nil {
		return err
	}
	c.printf("Restart queued: %s\n", f.Reason)
	return nil
}

// apiURL derives the status API URL from status.listen and status.base.
func apiURL(cfg *config.Config) string {
	if cfg.Status.Listen == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(cfg.Status.Listen)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	if cfg.Status.TLS.Enabled {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, port) + strings.TrimRight(cfg.Status.Base, "/")
}

func clientTLS(cfg *config.Config) *client.TLSClientConfig {
	t := &client.TLSClientConfig{Enabled: true, CACert: cfg.Status.TLS.CertFile}
	if cfg.Status.TLS.Dir != "" && cfg.Status.TLS.CertFile == "" {
		t.CACert = filepath.Join(cfg.Status.TLS.Dir, "tls_ca.crt")
	}
	return t
}

// Check runs the configured checks once and prints the result.
func (c command) Check(ctx context.Context, f CheckFlags) error {
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	checks, err := cfg.Checks()
	if err != nil {
		return err
	}
	if len(checks) == 0 {
		c.printf("No checks configured.\n")
		return nil
	}
	signals := health.Gather(ctx, checks, cfg.Policy.CheckTimeout, time.Now)
	// one cycle: confirm immediately to show what a sustained failure would do
	v := policy.NewDebouncer(policy.Config{SoftQuorum: cfg.Policy.SoftQuorum, ConfirmCycles: 1}).Evaluate(signals, time.Now())

	c.printSignals(clientSignals(signals))
	c.printf("\nVerdict: %s", v.Status)
	if v.Reason != "" {
		c.printf(" (%s)", v.Reason)
	}
	c.printf("\n")
	for _, s := range signals {
		if !s.Healthy {
			return errChecksFailed
		}
	}
	return nil
}

func clientSignals(sigs []health.Signal) []client.SignalStatus {
	out := make([]client.SignalStatus, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, client.SignalStatus{
			Name:       s.Name,
			Kind:       string(s.Kind),
			Healthy:    s.Healthy,
			Message:    s.Message,
			Error:      s.ErrString(),
			Duration:   s.Duration,
			ObservedAt: s.ObservedAt,
		})
	}
	return out
}

// Heartbeat writes one record, or keeps writing with --every.
func (c command) Heartbeat(ctx context.Context, f HeartbeatFlags) error {
	if f.File == "" {
		return errors.New("--file is required")
	}
	if f.Every > 0 {
		b := heartbeat.NewBeater(f.File, f.Every)
		if f.Status != "" && f.Status != heartbeat.StatusRunning {
			b.SetStatus(f.Status)
		}
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return b.Run(ctx)
	}
	now := time.Now()
	// the calling shell is the worker
	if err := heartbeat.Write(f.File, heartbeat.Record{Timestamp: heartbeat.Stamp(now), Status: f.Status, PID: os.Getppid()}); err != nil {
		return err
	}
	c.printf("Heartbeat written to %s (%s)\n", f.File, f.Status)
	return nil
}

// Validate loads the configuration and reports what it would supervise.
func (c command) Validate(f ValidateFlags) error {
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	c.printf("Configuration OK: worker %q runs %q with %d check(s), at most %d restarts per %s\n",
		cfg.Worker.Name, cfg.Worker.Command, len(cfg.CheckConfigs), cfg.Policy.MaxRestarts, cfg.Policy.RestartWindow)
	return nil
}
