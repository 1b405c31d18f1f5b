// Package outcome consumes terminal executions and runs the owning task's
// handler chain: retry scheduling, file output, chained task triggers.
// Handlers run in declared order; one handler's failure is logged and never
// aborts the rest, and nothing here mutates the finished execution.
package outcome

import (
	"context"

	"taskd/internal/logging"
	"taskd/internal/metrics"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/template"
)

// defaultMaxChainDepth bounds trigger-handler chains so two tasks pointing
// at each other cannot ping-pong forever.
const defaultMaxChainDepth = 8

// Dispatcher is the slice of the scheduler the pipeline needs for retry and
// chain dispatches.
type Dispatcher interface {
	ExecuteTask(ctx context.Context, taskID string, trigger task.TriggerType, triggerCtx map[string]any) (string, error)
}

// Pipeline walks handler chains.
type Pipeline struct {
	store      storage.Store
	dispatcher Dispatcher
	resolver   *template.Resolver
	metrics    *metrics.Collector
	logger     logging.Logger

	maxChainDepth int
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithMaxChainDepth overrides the chain depth bound.
func WithMaxChainDepth(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxChainDepth = n
		}
	}
}

// WithMetrics attaches handler and retry counters.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pipeline) {
		p.metrics = c
	}
}

// New builds a Pipeline.
func New(store storage.Store, dispatcher Dispatcher, resolver *template.Resolver, logger logging.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:         store,
		dispatcher:    dispatcher,
		resolver:      resolver,
		logger:        logging.OrNop(logger),
		maxChainDepth: defaultMaxChainDepth,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the task's handlers in declared order against a terminal
// execution. All handler errors end here, logged.
func (p *Pipeline) Run(ctx context.Context, t *task.Task, e *task.Execution) {
	if !e.Status.IsTerminal() {
		p.logger.Warn("outcome pipeline got non-terminal execution %s (%s)", e.ID, e.Status)
		return
	}

	for i, h := range t.Handlers {
		var err error
		switch h.Type {
		case task.HandlerRetry:
			err = p.runRetry(ctx, t, e, h.Retry)
		case task.HandlerFile:
			err = p.runFile(t, e, h.File)
		case task.HandlerTrigger:
			err = p.runTrigger(ctx, t, e, h.Trigger)
		default:
			p.logger.Warn("task %s handler %d has unknown type %q", t.ID, i, h.Type)
		}
		if err != nil {
			p.metrics.HandlerFailed(string(h.Type))
			p.logger.Error("task %s handler %d (%s) on execution %s: %v", t.ID, i, h.Type, e.ID, err)
		}
	}
}
