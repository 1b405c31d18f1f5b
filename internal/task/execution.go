package task

import (
	"encoding/json"
	"time"

	"taskd/internal/utils/id"
)

// ExecutionStatus tracks an execution through its lifecycle.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusSuccess   ExecutionStatus = "success"
	StatusFailure   ExecutionStatus = "failure"
	StatusTimeout   ExecutionStatus = "timeout"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusSkipped   ExecutionStatus = "skipped"
)

var validExecutionStatuses = map[ExecutionStatus]bool{
	StatusPending:   true,
	StatusRunning:   true,
	StatusSuccess:   true,
	StatusFailure:   true,
	StatusTimeout:   true,
	StatusCancelled: true,
	StatusSkipped:   true,
}

// IsValid returns true for a recognized status value.
func (s ExecutionStatus) IsValid() bool {
	return validExecutionStatuses[s]
}

// IsTerminal reports whether the status ends the lifecycle. Terminal
// executions never transition again.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusTimeout, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// Trigger context keys written by outcome handlers and the router.
const (
	CtxRetryCount          = "retry_count"
	CtxPreviousExecutionID = "previous_execution_id"
	CtxPreviousError       = "previous_error"
	CtxPreviousExitCode    = "previous_exit_code"
	CtxRetryDelayMS        = "retry_delay_ms"
	CtxRetryScheduledAt    = "retry_scheduled_at"
	CtxParentTaskID        = "parent_task_id"
	CtxParentExecutionID   = "parent_execution_id"
	CtxParentStatus        = "parent_status"
	CtxParentOutput        = "parent_output"
	CtxChainDepth          = "chain_depth"
)

// ContextInt reads an integer out of a trigger context. Values round-trip
// through JSON storage, so numbers may arrive as float64 or json.Number.
func ContextInt(ctx map[string]any, key string) int {
	switch v := ctx[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	default:
		return 0
	}
}

// ContextString reads a string out of a trigger context.
func ContextString(ctx map[string]any, key string) string {
	if v, ok := ctx[key].(string); ok {
		return v
	}
	return ""
}

// Execution is one run of a task: an immutable record of what was triggered,
// when, and how it ended.
type Execution struct {
	// ID is the unique identifier ("exec-..." by default).
	ID string `json:"id"`
	// TaskID names the owning task.
	TaskID string `json:"task_id"`
	// Status is the lifecycle state.
	Status ExecutionStatus `json:"status"`
	// TriggerType records what caused the dispatch.
	TriggerType TriggerType `json:"trigger_type"`
	// TriggerContext carries trigger-specific payload (event fields, retry
	// bookkeeping, chain parentage).
	TriggerContext map[string]any `json:"trigger_context,omitempty"`
	// Output is the captured stdout/stderr or executor report.
	Output string `json:"output,omitempty"`
	// Thinking is the agent reasoning stream, when the executor reports one.
	Thinking string `json:"thinking,omitempty"`
	// Error holds the failure description for non-success terminals.
	Error string `json:"error,omitempty"`
	// ExitCode is the process exit code when one exists.
	ExitCode *int `json:"exit_code,omitempty"`
	// DurationMS measures started -> completed in milliseconds.
	DurationMS int64 `json:"duration_ms,omitempty"`
	// Executor-reported extras (agent runs).
	TokensUsed int      `json:"tokens_used,omitempty"`
	CostUSD    float64  `json:"cost_usd,omitempty"`
	ToolCalls  []string `json:"tool_calls,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewExecution builds a pending execution for a task dispatch.
func NewExecution(taskID string, trigger TriggerType, triggerCtx map[string]any) *Execution {
	return &Execution{
		ID:             id.NewExecutionID(),
		TaskID:         taskID,
		Status:         StatusPending,
		TriggerType:    trigger,
		TriggerContext: triggerCtx,
		CreatedAt:      time.Now().UTC(),
	}
}

// IsTerminal reports whether the execution has reached a final status.
func (e *Execution) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// MarkRunning stamps the running transition.
func (e *Execution) MarkRunning(at time.Time) {
	e.Status = StatusRunning
	e.StartedAt = &at
}

// MarkFinished stamps a terminal transition and derives the duration when a
// start time exists.
func (e *Execution) MarkFinished(status ExecutionStatus, at time.Time) {
	e.Status = status
	e.CompletedAt = &at
	if e.StartedAt != nil {
		e.DurationMS = at.Sub(*e.StartedAt).Milliseconds()
	}
}

// RetryCount returns how many retries preceded this execution.
func (e *Execution) RetryCount() int {
	return ContextInt(e.TriggerContext, CtxRetryCount)
}

// ChainDepth returns how many chain links preceded this execution.
func (e *Execution) ChainDepth() int {
	return ContextInt(e.TriggerContext, CtxChainDepth)
}
