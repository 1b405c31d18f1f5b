package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"taskd/internal/config"
)

// version is stamped by the release build via -ldflags.
var version = "0.1.0-dev"

// cliOptions carries the global flags shared by every subcommand.
type cliOptions struct {
	addr    string
	config  string
	debug   bool
	jsonOut bool
}

// NewRootCommand assembles the taskd command tree.
func NewRootCommand() *cobra.Command {
	opts := &cliOptions{}
	configureColor()

	rootCmd := &cobra.Command{
		Use:   "taskd",
		Short: "Task orchestration daemon and client",
		Long: fmt.Sprintf(`%s runs shell and agent tasks on cron schedules, hook events, and
manual triggers, with per-task concurrency limits, queueing, retries, and
outcome handlers. The daemon exposes an HTTP API; every other subcommand
is a client of it.

%s
  taskd serve                                     # run the daemon
  taskd task add -f nightly.yaml                  # register a task
  taskd task run <task-id> --wait                 # fire it and watch
  taskd hook-event file_saved '{"file_path":"main.go"}'
  taskd executions list --task <task-id>`,
			bold("taskd"), bold("EXAMPLES:")),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", defaultDaemonAddr(), "daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&opts.config, "config", "", "path to the config file")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "machine-readable output")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newHookEventCommand(opts))
	rootCmd.AddCommand(newTaskCommand(opts))
	rootCmd.AddCommand(newExecutionsCommand(opts))
	rootCmd.AddCommand(newStatsCommand(opts))
	rootCmd.AddCommand(newConfigCommand(opts))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// defaultDaemonAddr lets TASKD_ADDR point client commands at a remote
// daemon without repeating --addr.
func defaultDaemonAddr() string {
	if v := os.Getenv("TASKD_ADDR"); v != "" {
		return v
	}
	return config.DefaultAddr
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskd %s\n", version)
		},
	}
}

func newConfigCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect daemon configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.config)
			if err != nil {
				return err
			}
			out, err := cfg.Dump()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	return cmd
}
