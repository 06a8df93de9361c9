package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(newCommand())
	if err := root.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command. Run without a subcommand it starts the master.
func buildRoot(horizonCommand command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}

	root := &cobra.Command{
		Use:   "horizon",
		Short: "Queue worker supervisor",
		Long: `Horizon starts a master supervisor that forks and balances queue workers
for every supervisor of the configured environment.

Examples:
  horizon --config horizon.toml                 # Start the master in the foreground
  horizon --config horizon.toml --environment local
  horizon status                                # 0 running, 1 paused, 2 inactive
  horizon pause-supervisor supervisor-1`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return horizonCommand.Serve(ServeFlags{
				ConfigPath:  globalFlags.ConfigPath,
				Environment: serveFlags.Environment,
				Daemonize:   serveFlags.Daemonize,
				PidFile:     serveFlags.PidFile,
				LogFile:     serveFlags.LogFile,
			})
		},
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to horizon.toml (defaults and HORIZON_* variables when empty)")
	root.Flags().StringVar(&serveFlags.Environment, "environment", "", "plan environment to deploy (defaults to the configured environment)")
	root.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run the master in the background")
	root.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the background master PID to this file")
	root.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect background master output to this file")

	root.AddCommand(
		createPauseCommand(horizonCommand, globalFlags),
		createContinueCommand(horizonCommand, globalFlags),
		createTerminateCommand(horizonCommand, globalFlags),
		createPurgeCommand(horizonCommand, globalFlags),
		createStatusCommand(horizonCommand, globalFlags),
		createSupervisorCommand(horizonCommand, globalFlags, true),
		createSupervisorCommand(horizonCommand, globalFlags, false),
		createTimeoutCommand(horizonCommand, globalFlags),
		createListCommand(horizonCommand, globalFlags),
		createSupervisorsCommand(horizonCommand, globalFlags),
		createClearCommand(horizonCommand, globalFlags),
		createHistoryCommand(horizonCommand, globalFlags),
		createInstallCommand(horizonCommand),
		createHashPasswordCommand(horizonCommand),
	)
	return root
}

func createPauseCommand(horizonCommand command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause every master of this basename",
		Long: `Send SIGUSR2 to every live master sharing this machine's basename.
Paused masters stop balancing and respawning; workers finish their current job and wait.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return horizonCommand.Pause(globalFlags.ConfigPath)
		},
	}
}

func createContinueCommand(horizonCommand command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "continue",
		Short: "Resume every master of this basename",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return horizonCommand.Continue(globalFlags.ConfigPath)
		},
	}
}

func createTerminateCommand(horizonCommand command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &TerminateFlags{}
	cmd := &cobra.Command{
		Use:   "terminate",
		Short: "Terminate every master of this basename",
		Long: `Record a terminate command for every live master sharing this machine's
basename, then send it SIGTERM.

Examples:
  horizon terminate           # masters stop without waiting for workers
  horizon terminate --wait    # masters wait up to the longest supervisor timeout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return horizonCommand.Terminate(TerminateFlags{ConfigPath: globalFlags.ConfigPath, Wait: flags.Wait})
		},
	}
	cmd.Flags().BoolVar(&flags.Wait, "wait", false, "let workers drain before the masters exit")
	return cmd
}

func createPurgeCommand(horizonCommand command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &PurgeFlags{}
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Signal and reap orphaned worker processes",
		Long: `Find worker processes no live master or supervisor owns. New orphans are
signalled and recorded; orphans older than the longest supervisor timeout are killed.

Examples:
  horizon purge
  horizon purge --signal SIGINT`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return horizonCommand.Purge(PurgeFlags{ConfigPath: globalFlags.ConfigPath, Signal: flags.Signal})
		},
	}
	cmd.Flags().StringVar(&flags.Signal, "signal", "", "signal sent to new orphans (defaults to master.purge_signal)")
	return cmd
}

func createStatusCommand(horizonCommand command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether Horizon is running",
		Long:  `Exit code 0 when running, 1 when any master is paused, 2 when no master is live.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return horizonCommand.Status(globalFlags.ConfigPath)
		},
	}
}

func createSupervisorCommand(horizonCommand command, globalFlags *GlobalFlags, pause bool) *cobra.Command {
	flags := &SupervisorFlags{}
	use, short := "continue-supervisor <name>", "Resume one supervisor"
	if pause {
		use, short = "pause-supervisor <name>", "Pause one supervisor"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: `The supervisor is the live one of this basename whose name ends with <name>.
Exit code 1 when no supervisor matches.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return horizonCommand.SupervisorCommand(SupervisorFlags{
				ConfigPath: globalFlags.ConfigPath,
				Name:       args[0],
				APIUrl:     flags.APIUrl,
				APITimeout: flags.APITimeout,
				APIToken:   flags.APIToken,
			}, pause)
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "status API URL (e.g. http://host:8080/horizon); repository used when empty")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&flags.APIToken, "api-token", "", "bearer token for an authenticated API (defaults to $HORIZON_API_TOKEN)")
	return cmd
}

func createTimeoutCommand(horizonCommand command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "timeout [environment]",
		Short: "Print the longest supervisor timeout in seconds",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := ""
			if len(args) == 1 {
				env = args[0]
			}
			return horizonCommand.Timeout(globalFlags.ConfigPath, env)
		},
	}
}

func createListCommand(horizonCommand command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live masters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return horizonCommand.List(ListFlags{ConfigPath: globalFlags.ConfigPath, JSON: flags.JSON, APIUrl: flags.APIUrl, APITimeout: flags.APITimeout, APIToken: flags.APIToken})
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "status API URL; repository used when empty")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&flags.APIToken, "api-token", "", "bearer token for an authenticated API (defaults to $HORIZON_API_TOKEN)")
	return cmd
}

func createSupervisorsCommand(horizonCommand command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "supervisors",
		Short: "List live supervisors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return horizonCommand.Supervisors(ListFlags{ConfigPath: globalFlags.ConfigPath, JSON: flags.JSON, APIUrl: flags.APIUrl, APITimeout: flags.APITimeout, APIToken: flags.APIToken})
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "status API URL; repository used when empty")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&flags.APIToken, "api-token", "", "bearer token for an authenticated API (defaults to $HORIZON_API_TOKEN)")
	return cmd
}

func createClearCommand(horizonCommand command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &ClearFlags{}
	cmd := &cobra.Command{
		Use:   "clear [queue]",
		Short: "Delete every pending job of a queue",
		Long: `Examples:
  horizon clear                 # the default queue
  horizon clear emails --connection redis`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := ClearFlags{ConfigPath: globalFlags.ConfigPath, Connection: flags.Connection}
			if len(args) == 1 {
				f.Queue = args[0]
			}
			return horizonCommand.Clear(f)
		},
	}
	cmd.Flags().StringVar(&flags.Connection, "connection", "", "queue connection (defaults to redis)")
	return cmd
}

func createHistoryCommand(horizonCommand command, globalFlags *GlobalFlags) *cobra.Command {
	flags := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history [supervisor]",
		Short: "Show recent worker runs from the history store",
		Long: `Requires store.dsn. The optional argument is a supervisor name prefix.

Examples:
  horizon history
  horizon history web:supervisor-1 --limit 20`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := HistoryFlags{ConfigPath: globalFlags.ConfigPath, Limit: flags.Limit, JSON: flags.JSON}
			if len(args) == 1 {
				f.Supervisor = args[0]
			}
			return horizonCommand.History(f)
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 50, "maximum number of runs")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}

func createInstallCommand(horizonCommand command) *cobra.Command {
	flags := &InstallFlags{}
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Write a starter horizon.toml",
		Long: `Supported presets:
  laravel  - php artisan horizon:work workers, auto balancing, scheduled purge
  simple   - one supervisor splitting workers evenly over two queues
  local    - in-memory repository, no Redis needed

Examples:
  horizon install
  horizon install --preset local --output ./dev/horizon.toml --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return horizonCommand.Install(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Preset, "preset", "laravel", "config preset: laravel, simple, local")
	cmd.Flags().StringVar(&flags.Basename, "basename", "", "master basename (defaults to the hostname)")
	cmd.Flags().StringVar(&flags.Output, "output", "horizon.toml", "output file path")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing file")
	return cmd
}

func createHashPasswordCommand(horizonCommand command) *cobra.Command {
	flags := &HashPasswordFlags{}
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print the bcrypt hash for a status API user",
		Long: `Examples:
  horizon hash-password 's3cret'    # paste the output into [[server.auth.users]] password_hash`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Password = args[0]
			return horizonCommand.HashPassword(*flags)
		},
	}
}
