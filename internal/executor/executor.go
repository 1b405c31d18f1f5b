// Package executor runs task payloads. The registry maps a task's type tag
// to the executor that knows how to run it; the scheduler owns the call and
// the deadline.
package executor

import (
	"context"
	"fmt"

	apperr "taskd/internal/errors"
	"taskd/internal/task"
)

// Result is what an executor observed for one run. Status is one of
// success, failure, timeout, or cancelled; the scheduler maps it onto the
// execution record.
type Result struct {
	Status   task.ExecutionStatus
	Output   string
	Thinking string
	Error    string
	ExitCode *int

	// Agent-reported extras, zero for shell runs.
	TokensUsed int
	CostUSD    float64
	ToolCalls  []string
}

// Executor runs one execution of a task. The context carries the deadline;
// on expiry or cancellation the executor must stop the work, classify the
// outcome (timeout vs cancelled), and return.
type Executor interface {
	// Name identifies the executor in logs.
	Name() string
	// Execute runs the task payload to completion. A non-nil error means
	// the executor itself broke (could not start, storage refused); outcome
	// classification travels in the Result.
	Execute(ctx context.Context, t *task.Task, e *task.Execution) (*Result, error)
}

// Sink receives streamed output while an execution is running. The storage
// contract satisfies it.
type Sink interface {
	AppendOutput(ctx context.Context, id string, text string) error
	AppendThinking(ctx context.Context, id string, text string) error
}

type nopSink struct{}

func (nopSink) AppendOutput(context.Context, string, string) error   { return nil }
func (nopSink) AppendThinking(context.Context, string, string) error { return nil }

// NopSink discards streamed output.
func NopSink() Sink { return nopSink{} }

func orNopSink(s Sink) Sink {
	if s == nil {
		return nopSink{}
	}
	return s
}

// Registry is the immutable type-to-executor table.
type Registry struct {
	executors map[task.TaskType]Executor
}

// NewRegistry builds a registry from the given table. The map is copied;
// later mutation of the argument does not affect the registry.
func NewRegistry(executors map[task.TaskType]Executor) *Registry {
	table := make(map[task.TaskType]Executor, len(executors))
	for t, e := range executors {
		table[t] = e
	}
	return &Registry{executors: table}
}

// Lookup resolves the executor for a task type.
func (r *Registry) Lookup(t task.TaskType) (Executor, error) {
	e, ok := r.executors[t]
	if !ok {
		return nil, apperr.ValidationError(fmt.Sprintf("no executor registered for task type %q", t))
	}
	return e, nil
}

// Types lists the registered task types.
func (r *Registry) Types() []task.TaskType {
	types := make([]task.TaskType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}
