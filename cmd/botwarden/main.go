package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/botwarden/pkg/heartbeat"
)

func main() {
	root := buildRoot(command{out: os.Stdout})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with all subcommands
func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c, globalFlags),
		createStatusCommand(c, globalFlags),
		createRestartCommand(c, globalFlags),
		createCheckCommand(c, globalFlags),
		createHeartbeatCommand(c),
		createValidateCommand(c, globalFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botwarden",
		Short: "Health-checking supervisor for a chat bot worker",
		Long: `Botwarden keeps a single bot process alive: it launches the worker, polls it
through heartbeat, HTTP, log and command checks, and restarts it when it is
dead or confirmed unhealthy, within a rate limit.

Examples:
  botwarden run botwarden.toml
  botwarden status --api-url=http://127.0.0.1:9900/api
  botwarden restart --reason="stuck on reconnect" --token=$TOKEN
  botwarden check botwarden.toml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML or YAML config file")
	return root
}

func configArg(global *GlobalFlags, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return global.ConfigPath
}

// createRunCommand creates the run subcommand
func createRunCommand(c command, global *GlobalFlags) *cobra.Command {
	runFlags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [config.toml]",
		Short: "Start the worker and supervise it",
		Long: `Load the configuration, claim the instance lock, start the worker and
supervise it until SIGINT or SIGTERM.

Examples:
  botwarden run botwarden.toml
  botwarden run --config=botwarden.toml --daemonize --logfile=/var/log/botwarden.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runFlags.ConfigPath = configArg(global, args)
			return c.Run(cmd.Context(), *runFlags)
		},
	}
	cmd.Flags().BoolVar(&runFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&runFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&runFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c command, global *GlobalFlags) *cobra.Command {
	statusFlags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show supervisor status",
		Long: `Show the supervisor status from its status file or its status API.

Examples:
  botwarden status --file=/run/botwarden/status.json
  botwarden status --config=botwarden.toml
  botwarden status --api-url=http://127.0.0.1:9900/api --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			statusFlags.ConfigPath = global.ConfigPath
			return c.Status(cmd.Context(), *statusFlags)
		},
	}
	cmd.Flags().StringVar(&statusFlags.File, "file", "", "status file written by a running supervisor")
	cmd.Flags().BoolVar(&statusFlags.JSON, "json", false, "print raw JSON")
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "", "status API URL including base path (e.g. http://host:9900/api)")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(c command, global *GlobalFlags) *cobra.Command {
	restartFlags := &RestartFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Ask a running supervisor to restart the worker",
		Long: `Queue a manual restart through the status API. The restart counts against
the restart limit like any other.

Examples:
  botwarden restart --api-url=http://127.0.0.1:9900/api --token=s3cret
  botwarden restart --config=botwarden.toml --reason="token rotated"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			restartFlags.ConfigPath = global.ConfigPath
			return c.Restart(cmd.Context(), *restartFlags)
		},
	}
	cmd.Flags().StringVar(&restartFlags.Reason, "reason", "manual restart from CLI", "reason recorded with the restart")
	cmd.Flags().StringVar(&restartFlags.Token, "token", "", "restart token (defaults to status.restart_token from the config)")
	cmd.Flags().StringVar(&restartFlags.APIUrl, "api-url", "", "status API URL including base path")
	cmd.Flags().DurationVar(&restartFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

// createCheckCommand creates the check subcommand
func createCheckCommand(c command, global *GlobalFlags) *cobra.Command {
	checkFlags := &CheckFlags{}
	cmd := &cobra.Command{
		Use:   "check [config.toml]",
		Short: "Run every configured health check once",
		Long: `Run the configured health checks once and print each signal and the verdict
they would produce. Exits with status 1 when any check fails.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			checkFlags.ConfigPath = configArg(global, args)
			return c.Check(cmd.Context(), *checkFlags)
		},
	}
	return cmd
}

// createHeartbeatCommand creates the heartbeat subcommand
func createHeartbeatCommand(c command) *cobra.Command {
	hbFlags := &HeartbeatFlags{}
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Write a heartbeat record for shell-based workers",
		Long: `Write a heartbeat file the supervisor's heartbeat check can read.

Examples:
  botwarden heartbeat --file=/run/bot/heartbeat.json
  botwarden heartbeat --file=/run/bot/heartbeat.json --status=error
  botwarden heartbeat --file=/run/bot/heartbeat.json --every=30s &`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Heartbeat(cmd.Context(), *hbFlags)
		},
	}
	cmd.Flags().StringVar(&hbFlags.File, "file", "", "heartbeat file path (required)")
	cmd.Flags().StringVar(&hbFlags.Status, "status", heartbeat.StatusRunning, "status to report")
	cmd.Flags().DurationVar(&hbFlags.Every, "every", 0, "keep writing at this interval until interrupted")
	if err := cmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
	return cmd
}

// createValidateCommand creates the validate subcommand
func createValidateCommand(c command, global *GlobalFlags) *cobra.Command {
	valFlags := &ValidateFlags{}
	return &cobra.Command{
		Use:   "validate [config.toml]",
		Short: "Load and validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			valFlags.ConfigPath = configArg(global, args)
			return c.Validate(*valFlags)
		},
	}
}
