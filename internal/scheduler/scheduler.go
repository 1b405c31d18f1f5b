// Package scheduler admits, queues, and dispatches task executions. A shared
// worker pool runs executors under per-task concurrency caps; cron triggers
// are registered here and fire task-scoped ticks.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskd/internal/async"
	"taskd/internal/executor"
	"taskd/internal/logging"
	"taskd/internal/metrics"
	"taskd/internal/storage"
	"taskd/internal/task"
)

const (
	// DefaultWorkers sizes the shared dispatch pool.
	DefaultWorkers = 16
	// DefaultShellTimeout bounds shell executions with no explicit timeout.
	DefaultShellTimeout = 120 * time.Second
	// DefaultAgentTimeout bounds agent executions with no explicit timeout.
	DefaultAgentTimeout = 300 * time.Second
)

// Config holds scheduler tuning.
type Config struct {
	Workers      int
	ShellTimeout time.Duration
	AgentTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = DefaultWorkers
	}
	if c.ShellTimeout <= 0 {
		c.ShellTimeout = DefaultShellTimeout
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = DefaultAgentTimeout
	}
	return c
}

// OutcomeRunner consumes terminal executions. The outcome pipeline satisfies
// it; tests substitute lighter fakes.
type OutcomeRunner interface {
	Run(ctx context.Context, t *task.Task, e *task.Execution)
}

// Scheduler owns the dispatch queue, the worker pool, and the cron table.
type Scheduler struct {
	store    storage.Store
	registry *executor.Registry
	metrics  *metrics.Collector
	logger   logging.Logger
	config   Config

	cron     *cron.Cron
	parser   cron.Parser
	entryIDs map[string]cron.EntryID

	mu       sync.Mutex
	seq      uint64
	heap     dispatchHeap
	queues   map[string][]*workItem
	inFlight map[string]int
	active   int
	items    map[string]*workItem
	outcome  OutcomeRunner

	notify   chan struct{}
	workCh   chan *workItem
	wg       sync.WaitGroup
	stopped  chan struct{}
	stopOnce sync.Once
}

// New builds a Scheduler. Call Start to load cron entries and spin up the
// worker pool, and SetOutcome before Start to attach the handler pipeline.
func New(store storage.Store, registry *executor.Registry, cfg Config, collector *metrics.Collector, logger logging.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		store:    store,
		registry: registry,
		metrics:  collector,
		logger:   logging.OrNop(logger),
		config:   cfg,
		cron:     cron.New(cron.WithParser(parser)),
		parser:   parser,
		entryIDs: make(map[string]cron.EntryID),
		queues:   make(map[string][]*workItem),
		inFlight: make(map[string]int),
		items:    make(map[string]*workItem),
		notify:   make(chan struct{}, 1),
		workCh:   make(chan *workItem),
		stopped:  make(chan struct{}),
	}
}

// SetOutcome attaches the terminal-execution pipeline. Must be called before
// Start; the zero value drops outcomes.
func (s *Scheduler) SetOutcome(r OutcomeRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = r
}

// Start sweeps interrupted executions, registers cron entries for enabled
// cron tasks, and launches the dispatcher and worker pool.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.sweepInterrupted(ctx); err != nil {
		return fmt.Errorf("sweep interrupted executions: %w", err)
	}
	if err := s.bootstrapCron(ctx); err != nil {
		return fmt.Errorf("register cron tasks: %w", err)
	}

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}
	s.wg.Add(1)
	go s.dispatchLoop()

	s.cron.Start()
	s.logger.Info("scheduler started: %d workers, %d cron entries", s.config.Workers, s.CronEntries())
	return nil
}

// Stop halts cron, cancels in-flight executions, and waits for the pool to
// drain. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("scheduler stopping")
		cronCtx := s.cron.Stop()
		<-cronCtx.Done()

		close(s.stopped)

		s.mu.Lock()
		for _, item := range s.items {
			item.cancel(errShuttingDown)
		}
		s.mu.Unlock()

		s.wg.Wait()
		s.logger.Info("scheduler stopped")
	})
}

// Done is closed once Stop has begun; the pool is drained when Stop returns.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// sweepInterrupted marks executions left pending or running by a previous
// process as failed. Their real outcome is unknown; the record says so.
func (s *Scheduler) sweepInterrupted(ctx context.Context) error {
	for _, status := range []task.ExecutionStatus{task.StatusPending, task.StatusRunning} {
		execs, err := s.store.LoadExecutions(ctx, storage.ExecutionFilter{Status: status})
		if err != nil {
			return err
		}
		for _, e := range execs {
			now := time.Now().UTC()
			if e.StartedAt == nil {
				e.MarkRunning(now)
			}
			e.MarkFinished(task.StatusFailure, now)
			e.Error = "interrupted: daemon restarted while execution was " + string(status)
			if err := s.store.FinalizeExecution(ctx, e); err != nil {
				s.logger.Warn("sweep: finalize %s: %v", e.ID, err)
				continue
			}
			s.logger.Info("sweep: marked interrupted execution %s failed", e.ID)
		}
	}
	return nil
}

// dispatchLoop feeds admitted work to the pool in priority order.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	defer async.Recover(s.logger, "scheduler.dispatch")

	for {
		item := s.nextItem()
		if item == nil {
			select {
			case <-s.notify:
				continue
			case <-s.stopped:
				return
			}
		}
		select {
		case s.workCh <- item:
		case <-s.stopped:
			return
		}
	}
}

// nextItem pops the highest-priority live item, discarding entries cancelled
// while parked.
func (s *Scheduler) nextItem() *workItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.heap.Len() > 0 {
		item := s.heap.pop()
		if item.done {
			continue
		}
		return item
	}
	return nil
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
