// Package config loads the supervisor's TOML or YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/botwarden/internal/cron"
	"github.com/loykin/botwarden/internal/env"
	"github.com/loykin/botwarden/internal/health"
	"github.com/loykin/botwarden/internal/logger"
	"github.com/loykin/botwarden/internal/policy"
	"github.com/loykin/botwarden/internal/process"
	"github.com/loykin/botwarden/internal/supervisor"
	"github.com/loykin/botwarden/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. BOTWARDEN_POLICY_INTERVAL=10s.
const EnvPrefix = "BOTWARDEN"

// Check types accepted in [[checks]].
const (
	CheckHeartbeat = "heartbeat"
	CheckHTTP      = "http"
	CheckLogScan   = "logscan"
	CheckCommand   = "command"
)

// Config is the top-level file structure.
type Config struct {
	Env          []string       `mapstructure:"env"`
	EnvFiles     []string       `mapstructure:"env_files"`
	UseOSEnv     bool           `mapstructure:"use_os_env"`
	Worker       process.Spec   `mapstructure:"worker"`
	Policy       PolicyConfig   `mapstructure:"policy"`
	CheckConfigs []CheckConfig  `mapstructure:"checks"`
	Status       StatusConfig   `mapstructure:"status"`
	Metrics      MetricsConfig  `mapstructure:"metrics"`
	Log          logger.Config  `mapstructure:"log"`
	History      HistoryConfig  `mapstructure:"history"`
	Schedule     ScheduleConfig `mapstructure:"schedule"`
	Lock         LockConfig     `mapstructure:"lock"`
}

type PolicyConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	CheckTimeout   time.Duration `mapstructure:"check_timeout"`
	MaxRestarts    int           `mapstructure:"max_restarts"`
	RestartWindow  time.Duration `mapstructure:"restart_window"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	SoftQuorum     int           `mapstructure:"soft_quorum"`
	ConfirmCycles  int           `mapstructure:"confirm_cycles"`
}

// CheckConfig is one [[checks]] entry. Which fields apply depends on Type.
type CheckConfig struct {
	Type    string        `mapstructure:"type"`
	Name    string        `mapstructure:"name"`
	Timeout time.Duration `mapstructure:"timeout"`

	// heartbeat, logscan
	Path string `mapstructure:"path"`
	// heartbeat
	MaxAge        time.Duration `mapstructure:"max_age"`
	ErrorStatuses []string      `mapstructure:"error_statuses"`
	// http
	URL    string   `mapstructure:"url"`
	Fields []string `mapstructure:"fields"`
	// logscan
	Patterns  []string      `mapstructure:"patterns"`
	TailBytes int64         `mapstructure:"tail_bytes"`
	Window    time.Duration `mapstructure:"window"`
	// command
	Command string `mapstructure:"command"`
}

// StatusConfig configures the status API. An empty Listen disables it.
type StatusConfig struct {
	Listen       string      `mapstructure:"listen"`
	Base         string      `mapstructure:"base"`
	RestartToken string      `mapstructure:"restart_token"`
	File         string      `mapstructure:"file"`
	TLS          tls.Options `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"` // separate listener; empty mounts /metrics on the status API
	Process bool   `mapstructure:"process"`
}

// HistoryConfig lists event sink DSNs such as sqlite:///var/lib/botwarden/history.db.
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type ScheduleConfig struct {
	Restart  string `mapstructure:"restart"`
	Timezone string `mapstructure:"timezone"`
}

type LockConfig struct {
	File    string `mapstructure:"file"`
	PIDFile string `mapstructure:"pid_file"`
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	return &Config{
		Worker: process.Spec{
			Name:       "worker",
			StartGrace: process.DefaultStartGrace,
			StopGrace:  process.DefaultStopGrace,
		},
		Policy: PolicyConfig{
			Interval:       supervisor.DefaultInterval,
			CheckTimeout:   health.DefaultTimeout,
			MaxRestarts:    supervisor.DefaultMaxRestarts,
			RestartWindow:  supervisor.DefaultRestartWindow,
			BackoffInitial: supervisor.DefaultBackoffInitial,
			BackoffMax:     supervisor.DefaultBackoffMax,
			SoftQuorum:     policy.DefaultSoftQuorum,
			ConfirmCycles:  policy.DefaultConfirmCycles,
		},
		Status: StatusConfig{Base: "/"},
		Log:    logger.Config{Level: "info", Format: "text"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("worker.name", d.Worker.Name)
	v.SetDefault("worker.command", "")
	v.SetDefault("worker.start_grace", d.Worker.StartGrace)
	v.SetDefault("worker.stop_grace", d.Worker.StopGrace)
	v.SetDefault("policy.interval", d.Policy.Interval)
	v.SetDefault("policy.check_timeout", d.Policy.CheckTimeout)
	v.SetDefault("policy.max_restarts", d.Policy.MaxRestarts)
	v.SetDefault("policy.restart_window", d.Policy.RestartWindow)
	v.SetDefault("policy.backoff_initial", d.Policy.BackoffInitial)
	v.SetDefault("policy.backoff_max", d.Policy.BackoffMax)
	v.SetDefault("policy.soft_quorum", d.Policy.SoftQuorum)
	v.SetDefault("policy.confirm_cycles", d.Policy.ConfirmCycles)
	v.SetDefault("status.listen", "")
	v.SetDefault("status.base", d.Status.Base)
	v.SetDefault("status.restart_token", "")
	v.SetDefault("status.file", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("schedule.restart", "")
	v.SetDefault("lock.file", "")
	v.SetDefault("lock.pid_file", "")
}

// Load reads path (TOML unless the extension says YAML), applies
// BOTWARDEN_* overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	default:
		v.SetConfigType("toml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolvePaths makes env_files relative to the config file's directory.
func (c *Config) resolvePaths(dir string) {
	for i, p := range c.EnvFiles {
		if p != "" && !filepath.IsAbs(p) {
			c.EnvFiles[i] = filepath.Join(dir, p)
		}
	}
}

func invalid(field, reason string) error {
	return &supervisor.ConfigurationError{Field: field, Reason: reason}
}

// Validate reports the first invalid setting as a *supervisor.ConfigurationError.
func (c *Config) Validate() error {
	if err := c.supervisorConfig().Validate(); err != nil {
		return err
	}
	names := make(map[string]bool, len(c.CheckConfigs))
	for i, ch := range c.CheckConfigs {
		if err := c.validateCheck(ch); err != nil {
			var ce *supervisor.ConfigurationError
			if errors.As(err, &ce) {
				ce.Field = fmt.Sprintf("checks[%d].%s", i, ce.Field)
			}
			return err
		}
		name := ch.Name
		if name == "" {
			name = ch.Type
		}
		if names[name] {
			return invalid(fmt.Sprintf("checks[%d].name", i), fmt.Sprintf("duplicate check name %q", name))
		}
		names[name] = true
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", err.Error())
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "color":
	default:
		return invalid("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}
	if c.Status.Base != "" && !strings.HasPrefix(c.Status.Base, "/") {
		return invalid("status.base", "must start with /")
	}
	if t := c.Status.TLS; t.Enabled && (t.CertFile == "" || t.KeyFile == "") && t.Dir == "" {
		return invalid("status.tls", "cert_file and key_file, or dir, required when enabled")
	}
	if c.Status.TLS.Enabled && c.Status.Listen == "" {
		return invalid("status.tls", "requires status.listen")
	}
	if c.Schedule.Restart != "" {
		if err := cron.ValidateSchedule(c.Schedule.Restart); err != nil {
			return invalid("schedule.restart", err.Error())
		}
	}
	if _, err := c.Location(); err != nil {
		return invalid("schedule.timezone", err.Error())
	}
	for i, dsn := range c.History.Sinks {
		if strings.TrimSpace(dsn) == "" {
			return invalid(fmt.Sprintf("history.sinks[%d]", i), "empty DSN")
		}
	}
	return nil
}

func (c *Config) validateCheck(ch CheckConfig) error {
	if ch.Timeout < 0 {
		return invalid("timeout", "must not be negative")
	}
	switch ch.Type {
	case CheckHeartbeat:
		if ch.Path == "" {
			return invalid("path", "required for heartbeat checks")
		}
		if ch.MaxAge < 0 {
			return invalid("max_age", "must not be negative")
		}
	case CheckHTTP:
		if ch.URL == "" {
			return invalid("url", "required for http checks")
		}
	case CheckLogScan:
		if len(ch.Patterns) == 0 {
			return invalid("patterns", "at least one pattern required")
		}
		if ch.Path == "" {
			if _, stderr := c.Worker.Output.Paths(c.workerName()); stderr == "" {
				return invalid("path", "required when the worker's stderr is not captured")
			}
		}
	case CheckCommand:
		if strings.TrimSpace(ch.Command) == "" {
			return invalid("command", "required for command checks")
		}
	case "":
		return invalid("type", "required")
	default:
		return invalid("type", fmt.Sprintf("unknown check type %q", ch.Type))
	}
	return nil
}

func (c *Config) workerName() string {
	if c.Worker.Name == "" {
		return "worker"
	}
	return c.Worker.Name
}

func (c *Config) supervisorConfig() supervisor.Config {
	return supervisor.Config{
		Worker: c.Worker,
		Policy: policy.Config{
			SoftQuorum:    c.Policy.SoftQuorum,
			ConfirmCycles: c.Policy.ConfirmCycles,
		},
		MaxRestarts:    c.Policy.MaxRestarts,
		RestartWindow:  c.Policy.RestartWindow,
		BackoffInitial: c.Policy.BackoffInitial,
		BackoffMax:     c.Policy.BackoffMax,
		CheckTimeout:   c.Policy.CheckTimeout,
		Interval:       c.Policy.Interval,
	}
}

// Supervisor returns the supervisor settings with the worker environment
// composed from use_os_env, env_files, env and worker.env, later layers
// winning.
func (c *Config) Supervisor() (supervisor.Config, error) {
	sc := c.supervisorConfig()
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, f := range c.EnvFiles {
		if err := e.AddFile(f); err != nil {
			return supervisor.Config{}, err
		}
	}
	e.Add(c.Env).Add(c.Worker.Env)
	sc.Worker.Env = e.Pairs()
	return sc, nil
}

// Checks builds the configured soft health checks in file order.
func (c *Config) Checks() ([]health.Check, error) {
	out := make([]health.Check, 0, len(c.CheckConfigs))
	for i, ch := range c.CheckConfigs {
		if err := c.validateCheck(ch); err != nil {
			return nil, fmt.Errorf("checks[%d]: %w", i, err)
		}
		switch ch.Type {
		case CheckHeartbeat:
			out = append(out, health.Heartbeat{
				CheckName:     ch.Name,
				Path:          ch.Path,
				MaxAge:        ch.MaxAge,
				ErrorStatuses: ch.ErrorStatuses,
				CheckTimeout:  ch.Timeout,
			})
		case CheckHTTP:
			out = append(out, health.HTTP{
				CheckName:    ch.Name,
				URL:          ch.URL,
				Fields:       ch.Fields,
				CheckTimeout: ch.Timeout,
			})
		case CheckLogScan:
			path := ch.Path
			if path == "" {
				_, path = c.Worker.Output.Paths(c.workerName())
			}
			ls := health.NewLogScan(ch.Name, path, ch.Patterns)
			ls.TailBytes = ch.TailBytes
			ls.Window = ch.Window
			ls.CheckTimeout = ch.Timeout
			out = append(out, ls)
		case CheckCommand:
			out = append(out, health.Command{
				CheckName:    ch.Name,
				Command:      ch.Command,
				CheckTimeout: ch.Timeout,
			})
		}
	}
	return out, nil
}

// Location is the time zone restart schedules are evaluated in.
func (c *Config) Location() (*time.Location, error) {
	if c.Schedule.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Schedule.Timezone)
}
