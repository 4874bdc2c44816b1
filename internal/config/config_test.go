package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botwarden/internal/health"
	"github.com/loykin/botwarden/internal/supervisor"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

const fullTOML = `
env = ["SHARED=top", "ONLY_TOP=1"]
env_files = ["bot.env"]

[worker]
name = "chatbot"
command = "python3 bot.py"
work_dir = "/srv/bot"
env = ["SHARED=worker"]
start_grace = "2s"
stop_grace = "8s"

[worker.output]
dir = "/var/log/bot"

[policy]
interval = "15s"
max_restarts = 3
restart_window = "30m"
soft_quorum = 2
confirm_cycles = 2

[[checks]]
type = "heartbeat"
path = "/run/bot/heartbeat.json"
max_age = "90s"

[[checks]]
type = "http"
name = "api"
url = "http://127.0.0.1:8080/health"
fields = ["connected"]
timeout = "3s"

[[checks]]
type = "logscan"
patterns = ["Unauthorized", "Connection refused"]

[status]
listen = "127.0.0.1:9900"
base = "/bot"
restart_token = "s3cret"
file = "/run/bot/status.json"

[log]
level = "debug"
format = "json"

[history]
sinks = ["sqlite:///var/lib/botwarden/history.db"]

[schedule]
restart = "0 4 * * *"
timezone = "UTC"
`

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bot.env", "SHARED=file\nFROM_FILE=yes\n")
	cfg, err := Load(writeFile(t, dir, "botwarden.toml", fullTOML))
	require.NoError(t, err)

	assert.Equal(t, "chatbot", cfg.Worker.Name)
	assert.Equal(t, "python3 bot.py", cfg.Worker.Command)
	assert.Equal(t, 2*time.Second, cfg.Worker.StartGrace)
	assert.Equal(t, "/var/log/bot", cfg.Worker.Output.Dir)
	assert.Equal(t, 15*time.Second, cfg.Policy.Interval)
	assert.Equal(t, 3, cfg.Policy.MaxRestarts)
	assert.Equal(t, 30*time.Minute, cfg.Policy.RestartWindow)
	// untouched keys keep their defaults
	assert.Equal(t, supervisor.DefaultBackoffInitial, cfg.Policy.BackoffInitial)
	assert.Equal(t, health.DefaultTimeout, cfg.Policy.CheckTimeout)
	assert.Len(t, cfg.CheckConfigs, 3)
	assert.Equal(t, "/bot", cfg.Status.Base)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{filepath.Join(dir, "bot.env")}, cfg.EnvFiles)

	sc, err := cfg.Supervisor()
	require.NoError(t, err)
	assert.Equal(t, 2, sc.Policy.SoftQuorum)
	assert.Equal(t, 2, sc.Policy.ConfirmCycles)
	assert.Equal(t, 3, sc.MaxRestarts)
	assert.Equal(t, []string{"FROM_FILE=yes", "ONLY_TOP=1", "SHARED=worker"}, sc.Worker.Env)

	checks, err := cfg.Checks()
	require.NoError(t, err)
	require.Len(t, checks, 3)
	assert.Equal(t, health.KindHeartbeat, checks[0].Kind())
	assert.Equal(t, "api", checks[1].Name())
	ls, ok := checks[2].(*health.LogScan)
	require.True(t, ok)
	assert.Equal(t, "/var/log/bot/chatbot.stderr.log", ls.Path)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "botwarden.yaml", `
worker:
  command: node bot.js
policy:
  interval: 5s
checks:
  - type: command
    command: "test -f /tmp/ready"
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "worker", cfg.Worker.Name)
	assert.Equal(t, 5*time.Second, cfg.Policy.Interval)
	require.Len(t, cfg.CheckConfigs, 1)
	assert.Equal(t, CheckCommand, cfg.CheckConfigs[0].Type)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("BOTWARDEN_POLICY_INTERVAL", "7s")
	t.Setenv("BOTWARDEN_POLICY_MAX_RESTARTS", "9")
	t.Setenv("BOTWARDEN_STATUS_RESTART_TOKEN", "from-env")
	dir := t.TempDir()
	cfg, err := Load(writeFile(t, dir, "c.toml", "[worker]\ncommand = \"sleep 100\"\n"))
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.Policy.Interval)
	assert.Equal(t, 9, cfg.Policy.MaxRestarts)
	assert.Equal(t, "from-env", cfg.Status.RestartToken)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	dir := t.TempDir()
	_, err = Load(writeFile(t, dir, "bad.toml", "[worker\ncommand="))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := Default()
		c.Worker.Command = "python3 bot.py"
		return c
	}
	require.NoError(t, base().Validate())

	cases := []struct {
		field  string
		mutate func(c *Config)
	}{
		{"worker.command", func(c *Config) { c.Worker.Command = " " }},
		{"policy.max_restarts", func(c *Config) { c.Policy.MaxRestarts = -1 }},
		{"checks[0].type", func(c *Config) { c.CheckConfigs = []CheckConfig{{Type: "smoke"}} }},
		{"checks[0].path", func(c *Config) { c.CheckConfigs = []CheckConfig{{Type: CheckHeartbeat}} }},
		{"checks[0].url", func(c *Config) { c.CheckConfigs = []CheckConfig{{Type: CheckHTTP}} }},
		{"checks[0].path", func(c *Config) { c.CheckConfigs = []CheckConfig{{Type: CheckLogScan, Patterns: []string{"x"}}} }},
		{"checks[1].name", func(c *Config) {
			c.CheckConfigs = []CheckConfig{{Type: CheckCommand, Command: "true"}, {Type: CheckCommand, Command: "false"}}
		}},
		{"log.level", func(c *Config) { c.Log.Level = "loud" }},
		{"log.format", func(c *Config) { c.Log.Format = "xml" }},
		{"status.base", func(c *Config) { c.Status.Base = "bot" }},
		{"status.tls", func(c *Config) { c.Status.Listen = ":1"; c.Status.TLS.Enabled = true }},
		{"schedule.restart", func(c *Config) { c.Schedule.Restart = "every night" }},
		{"schedule.timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }},
		{"history.sinks[0]", func(c *Config) { c.History.Sinks = []string{" "} }},
	}
	for _, tc := range cases {
		t.Run(tc.field, func(t *testing.T) {
			c := base()
			tc.mutate(c)
			err := c.Validate()
			var ce *supervisor.ConfigurationError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tc.field, ce.Field)
		})
	}
}

func TestSupervisorMissingEnvFile(t *testing.T) {
	c := Default()
	c.Worker.Command = "sleep 1"
	c.EnvFiles = []string{filepath.Join(t.TempDir(), "nope.env")}
	_, err := c.Supervisor()
	assert.Error(t, err)
}

func TestSupervisorUsesOSEnv(t *testing.T) {
	t.Setenv("BOTWARDEN_TEST_TOKEN", "abc")
	c := Default()
	c.Worker.Command = "sleep 1"
	c.UseOSEnv = true
	sc, err := c.Supervisor()
	require.NoError(t, err)
	assert.Contains(t, sc.Worker.Env, "BOTWARDEN_TEST_TOKEN=abc")
}
