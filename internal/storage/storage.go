// Package storage defines the persistence contract the scheduler, router,
// and outcome pipeline depend on. Three backends implement it: memstore
// (in-process), boltstore (embedded file), and pgstore (postgres).
package storage

import (
	"context"
	"time"

	"taskd/internal/task"
)

// TaskFilter narrows LoadTasks. Zero fields match everything.
type TaskFilter struct {
	// Enabled filters on the enabled flag when non-nil.
	Enabled *bool
	// Type filters on the task type tag.
	Type task.TaskType
	// TriggerType filters on the trigger kind.
	TriggerType task.TriggerType
	// TriggerEvent filters event-triggered tasks on their subscribed event.
	TriggerEvent task.EventType
}

// Matches reports whether a task passes the filter.
func (f TaskFilter) Matches(t *task.Task) bool {
	if f.Enabled != nil && t.Enabled != *f.Enabled {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.TriggerType != "" && t.Trigger.Type != f.TriggerType {
		return false
	}
	if f.TriggerEvent != "" && t.Trigger.Event != f.TriggerEvent {
		return false
	}
	return true
}

// ExecutionFilter narrows LoadExecutions. Zero fields match everything;
// Limit == 0 means no limit.
type ExecutionFilter struct {
	TaskID    string
	Status    task.ExecutionStatus
	Limit     int
	Offset    int
	StartDate *time.Time
	EndDate   *time.Time
}

// Matches reports whether an execution passes the filter's predicate fields.
// Limit and Offset are windowing, applied by the backend after ordering.
func (f ExecutionFilter) Matches(e *task.Execution) bool {
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.StartDate != nil && e.CreatedAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && e.CreatedAt.After(*f.EndDate) {
		return false
	}
	return true
}

// Progress is the live view of a running execution's streamed output.
type Progress struct {
	Output   string               `json:"output"`
	Thinking string               `json:"thinking"`
	Status   task.ExecutionStatus `json:"status"`
}

// TaskStats aggregates a task's execution history.
type TaskStats struct {
	TotalRuns         int64   `json:"total_runs"`
	SuccessfulRuns    int64   `json:"successful_runs"`
	FailedRuns        int64   `json:"failed_runs"`
	AverageDurationMS float64 `json:"average_duration_ms"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

// Store is the persistence contract. Every call is atomic on its own;
// FinalizeExecution additionally couples the terminal execution write with
// the owning task's counter update in one transaction.
//
// Reads return a wrapped errors.ErrNotFound when the record is missing.
type Store interface {
	// CreateTask persists a new task. The caller has validated it and
	// assigned its ID.
	CreateTask(ctx context.Context, t *task.Task) error
	// GetTask loads one task by ID.
	GetTask(ctx context.Context, id string) (*task.Task, error)
	// UpdateTask saves the full record and bumps UpdatedAt.
	UpdateTask(ctx context.Context, t *task.Task) error
	// DeleteTask removes the task and cascades over its executions.
	DeleteTask(ctx context.Context, id string) error
	// LoadTasks lists tasks passing the filter, ordered by creation time.
	LoadTasks(ctx context.Context, f TaskFilter) ([]*task.Task, error)

	// CreateExecution persists a new execution record.
	CreateExecution(ctx context.Context, e *task.Execution) error
	// GetExecution loads one execution by ID.
	GetExecution(ctx context.Context, id string) (*task.Execution, error)
	// UpdateExecution saves a non-terminal state change (pending→running).
	UpdateExecution(ctx context.Context, e *task.Execution) error
	// FinalizeExecution writes a terminal execution and updates the owning
	// task's run/success/failure counters in the same transaction. Skipped
	// executions update no counters.
	FinalizeExecution(ctx context.Context, e *task.Execution) error
	// LoadExecutions lists executions passing the filter, newest first,
	// windowed by Offset/Limit.
	LoadExecutions(ctx context.Context, f ExecutionFilter) ([]*task.Execution, error)

	// AppendOutput streams output text onto a running execution.
	AppendOutput(ctx context.Context, id string, text string) error
	// AppendThinking streams reasoning text onto a running execution.
	AppendThinking(ctx context.Context, id string, text string) error
	// GetProgress returns the streamed output so far plus current status.
	GetProgress(ctx context.Context, id string) (*Progress, error)

	// GetTaskStats aggregates over the task's terminal executions.
	GetTaskStats(ctx context.Context, taskID string) (*TaskStats, error)

	// Close releases backend resources.
	Close() error
}

// CountersFor returns the counter deltas a terminal status contributes.
// Every terminal except skipped counts as a run; failure, timeout, and
// cancelled all count against failure_count so run = success + failure
// holds for the stored counters.
func CountersFor(status task.ExecutionStatus) (runs, successes, failures int64) {
	switch status {
	case task.StatusSuccess:
		return 1, 1, 0
	case task.StatusFailure, task.StatusTimeout, task.StatusCancelled:
		return 1, 0, 1
	default:
		return 0, 0, 0
	}
}
