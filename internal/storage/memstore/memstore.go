// Package memstore implements the storage contract with in-process maps.
// It backs the "memory" storage variant and the test suites; terminal
// executions are evicted on a TTL so a long-lived daemon stays bounded.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperr "taskd/internal/errors"
	"taskd/internal/logging"
	"taskd/internal/storage"
	"taskd/internal/task"
)

const (
	defaultRetention     = 24 * time.Hour
	defaultMaxExecutions = 10000
	defaultEvictInterval = 5 * time.Minute
)

var _ storage.Store = (*Store)(nil)

// Store keeps tasks and executions in memory, guarded by one RWMutex.
// All reads return copies so callers never share references with the store.
type Store struct {
	mu         sync.RWMutex
	tasks      map[string]*task.Task
	executions map[string]*task.Execution

	retention time.Duration // how long terminal executions are kept
	maxSize   int           // hard cap on stored executions
	logger    logging.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithRetention sets how long terminal executions are retained.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithMaxExecutions sets the hard cap on stored executions.
func WithMaxExecutions(n int) Option {
	return func(s *Store) { s.maxSize = n }
}

// New creates an in-memory store. Call Close to stop the eviction goroutine.
func New(opts ...Option) *Store {
	s := &Store{
		tasks:      make(map[string]*task.Task),
		executions: make(map[string]*task.Execution),
		retention:  defaultRetention,
		maxSize:    defaultMaxExecutions,
		logger:     logging.NewComponentLogger("MemStore"),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.evictLoop()
	return s
}

// Close stops the background eviction goroutine.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

func (s *Store) evictLoop() {
	ticker := time.NewTicker(defaultEvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Store) evictExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.executions {
		if !e.Status.IsTerminal() || e.CompletedAt == nil {
			continue
		}
		if now.Sub(*e.CompletedAt) > s.retention {
			delete(s.executions, id)
			evicted++
		}
	}

	if len(s.executions) > s.maxSize {
		evicted += s.evictOldestTerminalLocked()
	}
	if evicted > 0 {
		s.logger.Debug("evicted %d terminal executions", evicted)
	}
}

// evictOldestTerminalLocked brings the store back under maxSize by removing
// the oldest terminal executions. Caller must hold s.mu.
func (s *Store) evictOldestTerminalLocked() int {
	type candidate struct {
		id          string
		completedAt time.Time
	}
	var candidates []candidate
	for id, e := range s.executions {
		if e.Status.IsTerminal() && e.CompletedAt != nil {
			candidates = append(candidates, candidate{id: id, completedAt: *e.CompletedAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].completedAt.Before(candidates[j].completedAt)
	})

	toRemove := len(s.executions) - s.maxSize
	removed := 0
	for i := 0; i < toRemove && i < len(candidates); i++ {
		delete(s.executions, candidates[i].id)
		removed++
	}
	return removed
}

// CreateTask stores a new task. Duplicate IDs are a conflict.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return apperr.ConflictError(fmt.Sprintf("task %s already exists", t.ID))
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// GetTask returns a copy of the task.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tasks[id]
	if !exists {
		return nil, apperr.NotFoundError(fmt.Sprintf("task %s", id))
	}
	return cloneTask(t), nil
}

// UpdateTask replaces the stored record and bumps UpdatedAt.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; !exists {
		return apperr.NotFoundError(fmt.Sprintf("task %s", t.ID))
	}
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// DeleteTask removes the task and all of its executions.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; !exists {
		return apperr.NotFoundError(fmt.Sprintf("task %s", id))
	}
	delete(s.tasks, id)
	for execID, e := range s.executions {
		if e.TaskID == id {
			delete(s.executions, execID)
		}
	}
	return nil
}

// LoadTasks returns matching tasks ordered oldest first.
func (s *Store) LoadTasks(ctx context.Context, f storage.TaskFilter) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.Matches(t) {
			tasks = append(tasks, cloneTask(t))
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// CreateExecution stores a new execution record.
func (s *Store) CreateExecution(ctx context.Context, e *task.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[e.ID]; exists {
		return apperr.ConflictError(fmt.Sprintf("execution %s already exists", e.ID))
	}
	s.executions[e.ID] = cloneExecution(e)
	return nil
}

// GetExecution returns a copy of the execution.
func (s *Store) GetExecution(ctx context.Context, id string) (*task.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.executions[id]
	if !exists {
		return nil, apperr.NotFoundError(fmt.Sprintf("execution %s", id))
	}
	return cloneExecution(e), nil
}

// UpdateExecution replaces the stored record.
func (s *Store) UpdateExecution(ctx context.Context, e *task.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[e.ID]; !exists {
		return apperr.NotFoundError(fmt.Sprintf("execution %s", e.ID))
	}
	s.executions[e.ID] = cloneExecution(e)
	return nil
}

// FinalizeExecution writes the terminal execution and the owning task's
// counters under the same lock, so no reader sees one without the other.
func (s *Store) FinalizeExecution(ctx context.Context, e *task.Execution) error {
	if !e.Status.IsTerminal() {
		return apperr.ValidationError(fmt.Sprintf("finalize with non-terminal status %q", e.Status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[e.ID]; !exists {
		return apperr.NotFoundError(fmt.Sprintf("execution %s", e.ID))
	}
	s.executions[e.ID] = cloneExecution(e)

	runs, successes, failures := storage.CountersFor(e.Status)
	if runs == 0 {
		return nil
	}
	t, exists := s.tasks[e.TaskID]
	if !exists {
		// Task deleted while the execution ran; the record alone remains.
		return nil
	}
	t.RunCount += runs
	t.SuccessCount += successes
	t.FailureCount += failures
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// LoadExecutions returns matching executions newest first, windowed by
// Offset and Limit.
func (s *Store) LoadExecutions(ctx context.Context, f storage.ExecutionFilter) ([]*task.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execs := make([]*task.Execution, 0)
	for _, e := range s.executions {
		if f.Matches(e) {
			execs = append(execs, cloneExecution(e))
		}
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].CreatedAt.After(execs[j].CreatedAt)
	})

	total := len(execs)
	if f.Offset >= total {
		return []*task.Execution{}, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < total {
		end = f.Offset + f.Limit
	}
	return execs[f.Offset:end], nil
}

// AppendOutput adds streamed output text to the execution.
func (s *Store) AppendOutput(ctx context.Context, id string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.executions[id]
	if !exists {
		return apperr.NotFoundError(fmt.Sprintf("execution %s", id))
	}
	e.Output += text
	return nil
}

// AppendThinking adds streamed reasoning text to the execution.
func (s *Store) AppendThinking(ctx context.Context, id string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.executions[id]
	if !exists {
		return apperr.NotFoundError(fmt.Sprintf("execution %s", id))
	}
	e.Thinking += text
	return nil
}

// GetProgress returns the streamed output so far plus the current status.
func (s *Store) GetProgress(ctx context.Context, id string) (*storage.Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.executions[id]
	if !exists {
		return nil, apperr.NotFoundError(fmt.Sprintf("execution %s", id))
	}
	return &storage.Progress{
		Output:   e.Output,
		Thinking: e.Thinking,
		Status:   e.Status,
	}, nil
}

// GetTaskStats aggregates the task's terminal executions.
func (s *Store) GetTaskStats(ctx context.Context, taskID string) (*storage.TaskStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.tasks[taskID]; !exists {
		return nil, apperr.NotFoundError(fmt.Sprintf("task %s", taskID))
	}

	stats := &storage.TaskStats{}
	var durationSum int64
	var durationCount int64
	for _, e := range s.executions {
		if e.TaskID != taskID {
			continue
		}
		runs, successes, failures := storage.CountersFor(e.Status)
		if runs == 0 {
			continue
		}
		stats.TotalRuns += runs
		stats.SuccessfulRuns += successes
		stats.FailedRuns += failures
		stats.TotalCostUSD += e.CostUSD
		if e.DurationMS > 0 {
			durationSum += e.DurationMS
			durationCount++
		}
	}
	if durationCount > 0 {
		stats.AverageDurationMS = float64(durationSum) / float64(durationCount)
	}
	return stats, nil
}

func cloneTask(t *task.Task) *task.Task {
	c := *t
	if t.Config.Shell != nil {
		shell := *t.Config.Shell
		shell.Env = append([]string(nil), t.Config.Shell.Env...)
		c.Config.Shell = &shell
	}
	if t.Config.Agent != nil {
		agent := *t.Config.Agent
		c.Config.Agent = &agent
	}
	if t.Trigger.Filters != nil {
		filters := make(map[string][]string, len(t.Trigger.Filters))
		for k, v := range t.Trigger.Filters {
			filters[k] = append([]string(nil), v...)
		}
		c.Trigger.Filters = filters
	}
	if t.Handlers != nil {
		c.Handlers = make([]task.HandlerSpec, len(t.Handlers))
		for i, h := range t.Handlers {
			hc := h
			if h.Retry != nil {
				r := *h.Retry
				hc.Retry = &r
			}
			if h.File != nil {
				f := *h.File
				hc.File = &f
			}
			if h.Trigger != nil {
				tr := *h.Trigger
				if h.Trigger.Context != nil {
					tr.Context = make(map[string]any, len(h.Trigger.Context))
					for k, v := range h.Trigger.Context {
						tr.Context[k] = v
					}
				}
				hc.Trigger = &tr
			}
			c.Handlers[i] = hc
		}
	}
	return &c
}

func cloneExecution(e *task.Execution) *task.Execution {
	c := *e
	if e.TriggerContext != nil {
		c.TriggerContext = make(map[string]any, len(e.TriggerContext))
		for k, v := range e.TriggerContext {
			c.TriggerContext[k] = v
		}
	}
	if e.ExitCode != nil {
		code := *e.ExitCode
		c.ExitCode = &code
	}
	if e.StartedAt != nil {
		at := *e.StartedAt
		c.StartedAt = &at
	}
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		c.CompletedAt = &at
	}
	c.ToolCalls = append([]string(nil), e.ToolCalls...)
	return &c
}
