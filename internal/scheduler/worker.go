package scheduler

import (
	"context"
	"time"

	"taskd/internal/async"
	apperr "taskd/internal/errors"
	"taskd/internal/task"
)

func (s *Scheduler) workerLoop(id int) {
	defer s.wg.Done()
	for {
		select {
		case item := <-s.workCh:
			s.runItem(item)
		case <-s.stopped:
			return
		}
	}
}

// runItem owns one admitted dispatch from pickup to terminal record.
func (s *Scheduler) runItem(item *workItem) {
	defer async.Recover(s.logger, "scheduler.worker")
	defer s.forget(item.execID)
	defer item.cancel(nil)
	defer s.release(item)

	s.mu.Lock()
	if item.done {
		s.mu.Unlock()
		return
	}
	item.state = stateRunning
	s.mu.Unlock()

	// Storage writes must survive both the item's cancellation and shutdown.
	storeCtx := context.WithoutCancel(item.ctx)

	e, err := s.store.GetExecution(storeCtx, item.execID)
	if err != nil {
		s.logger.Error("worker: load execution %s: %v", item.execID, err)
		return
	}
	if e.IsTerminal() {
		return
	}

	t, err := s.store.GetTask(storeCtx, item.taskID)
	switch {
	case apperr.IsNotFound(err):
		s.finalize(storeCtx, nil, e, task.StatusSkipped, "task deleted before dispatch")
		return
	case err != nil:
		s.logger.Error("worker: load task %s: %v", item.taskID, err)
		s.finalize(storeCtx, nil, e, task.StatusFailure, "load task: "+err.Error())
		return
	case !t.Enabled:
		s.finalize(storeCtx, t, e, task.StatusSkipped, "task disabled before dispatch")
		return
	}

	if cause := context.Cause(item.ctx); cause != nil {
		s.finalize(storeCtx, t, e, task.StatusCancelled, "cancelled before start")
		return
	}

	exec, err := s.registry.Lookup(t.Type)
	if err != nil {
		s.finalize(storeCtx, t, e, task.StatusFailure, err.Error())
		return
	}

	e.MarkRunning(time.Now().UTC())
	if err := s.store.UpdateExecution(storeCtx, e); err != nil {
		s.logger.Error("worker: mark running %s: %v", e.ID, err)
	}
	s.metrics.ExecutionStarted()

	timeout := t.Timeout(s.config.ShellTimeout, s.config.AgentTimeout)
	runCtx, cancel := context.WithTimeout(item.ctx, timeout)
	res, execErr := exec.Execute(runCtx, t, e)
	cancel()

	now := time.Now().UTC()
	if execErr != nil {
		e.MarkFinished(task.StatusFailure, now)
		e.Error = execErr.Error()
	} else {
		e.Output = res.Output
		e.Thinking = res.Thinking
		e.Error = res.Error
		e.ExitCode = res.ExitCode
		e.TokensUsed = res.TokensUsed
		e.CostUSD = res.CostUSD
		e.ToolCalls = res.ToolCalls
		e.MarkFinished(res.Status, now)
		s.metrics.AgentUsage(res.TokensUsed, res.CostUSD)
	}

	if err := s.store.FinalizeExecution(storeCtx, e); err != nil {
		s.logger.Error("worker: finalize %s: %v", e.ID, err)
	}
	s.metrics.ExecutionFinished(string(t.Type), string(e.TriggerType), string(e.Status), time.Duration(e.DurationMS)*time.Millisecond)
	s.logger.Info("task %s execution %s finished: %s in %dms", t.ID, e.ID, e.Status, e.DurationMS)

	s.runOutcome(storeCtx, t, e)
}

// finalize records a terminal status for an execution that never reached the
// executor. Skipped records are audit entries and do not run handlers.
func (s *Scheduler) finalize(ctx context.Context, t *task.Task, e *task.Execution, status task.ExecutionStatus, reason string) {
	e.Error = reason
	e.MarkFinished(status, time.Now().UTC())
	if err := s.store.FinalizeExecution(ctx, e); err != nil {
		s.logger.Warn("finalize %s as %s: %v", e.ID, status, err)
		return
	}
	s.logger.Info("execution %s finalized %s: %s", e.ID, status, reason)
	if t != nil {
		s.metrics.ExecutionAborted(string(t.Type), string(e.TriggerType), string(status))
	}
	if t != nil && status != task.StatusSkipped {
		s.runOutcome(ctx, t, e)
	}
}

func (s *Scheduler) runOutcome(ctx context.Context, t *task.Task, e *task.Execution) {
	s.mu.Lock()
	outcome := s.outcome
	s.mu.Unlock()
	if outcome == nil {
		return
	}
	outcome.Run(ctx, t, e)
}
