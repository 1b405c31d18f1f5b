package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"taskd/internal/config"
	"taskd/internal/executor"
	"taskd/internal/hooks"
	"taskd/internal/logging"
	"taskd/internal/metrics"
	"taskd/internal/outcome"
	"taskd/internal/pattern"
	"taskd/internal/scheduler"
	"taskd/internal/server"
	"taskd/internal/storage"
	"taskd/internal/storage/boltstore"
	"taskd/internal/storage/memstore"
	"taskd/internal/storage/pgstore"
	"taskd/internal/task"
	"taskd/internal/template"
)

const shutdownGrace = 10 * time.Second

func newServeCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task orchestration daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.config)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = opts.addr
			}
			if opts.debug {
				cfg.Log.Level = "debug"
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}
}

// runDaemon wires storage, executors, scheduler, outcome pipeline, event
// router, and the HTTP API together, then runs until SIGINT/SIGTERM.
// Shutdown drains the scheduler first so in-flight executions finalize,
// then stops the listener, then closes storage.
func runDaemon(ctx context.Context, cfg *config.Config) error {
	logging.SetLevel(logging.ParseLevel(cfg.Log.Level))
	logger := logging.NewComponentLogger("Daemon")

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := executor.NewRegistry(map[task.TaskType]executor.Executor{
		task.TypeShell: executor.NewShell(nil, store),
		task.TypeAgent: executor.NewAgent(cfg.Executor.AgentCommand, nil, store,
			executor.WithAgentArgs(cfg.Executor.AgentArgs...)),
	})

	promReg := promclient.NewRegistry()
	collector, err := metrics.New(promReg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sched := scheduler.New(store, registry, scheduler.Config{
		Workers:      cfg.Scheduler.Workers,
		ShellTimeout: cfg.Scheduler.ShellTimeout,
		AgentTimeout: cfg.Scheduler.AgentTimeout,
	}, collector, nil)
	sched.SetOutcome(outcome.New(store, sched, template.New(), nil,
		outcome.WithMetrics(collector)))

	router := hooks.New(store, sched, pattern.New(nil), nil,
		hooks.WithMetrics(collector))

	var gatherer promclient.Gatherer
	if cfg.Server.Metrics {
		gatherer = promReg
	}
	srv := server.New(server.Config{
		Addr:    cfg.Server.Addr,
		Version: version,
	}, store, sched, router, gatherer, nil)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("taskd %s ready on %s (storage: %s)", version, cfg.Server.Addr, cfg.Storage.Backend)
	return g.Wait()
}

// openStore selects the configured storage backend.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return memstore.New(
			memstore.WithRetention(cfg.Storage.Retention),
			memstore.WithMaxExecutions(cfg.Storage.MaxExecutions),
		), nil
	case config.BackendBolt:
		return boltstore.Open(cfg.Storage.Path)
	case config.BackendPostgres:
		return pgstore.Open(ctx, cfg.Storage.URL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
