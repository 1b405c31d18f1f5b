package outcome

import (
	"context"
	"time"

	"taskd/internal/async"
	apperr "taskd/internal/errors"
	"taskd/internal/task"
)

// retryMatches reports whether a retry handler fires for the given terminal
// status. Unlike the general outcome conditions, "any" here means failure or
// timeout; cancelled and successful executions are never retried.
func retryMatches(on task.OutcomeCondition, status task.ExecutionStatus) bool {
	switch on {
	case task.OnFailure:
		return status == task.StatusFailure
	case task.OnTimeout:
		return status == task.StatusTimeout
	case task.OnAny:
		return status == task.StatusFailure || status == task.StatusTimeout
	default:
		return false
	}
}

func (p *Pipeline) runRetry(ctx context.Context, t *task.Task, e *task.Execution, spec *task.RetrySpec) error {
	if spec == nil {
		return apperr.ValidationError("retry handler has no config")
	}
	if !retryMatches(spec.Condition(), e.Status) {
		return nil
	}

	attempt := e.RetryCount() + 1
	if attempt >= spec.EffectiveMaxAttempts() {
		p.logger.Info("task %s exhausted retries after attempt %d (max %d)", t.ID, e.RetryCount(), spec.EffectiveMaxAttempts())
		return nil
	}

	delay := apperr.Backoff(spec.EffectiveBackoff(), attempt, spec.InitialDelay(), spec.MaxDelay())
	retryCtx := map[string]any{
		task.CtxRetryCount:          attempt,
		task.CtxPreviousExecutionID: e.ID,
		task.CtxRetryDelayMS:        delay.Milliseconds(),
		task.CtxRetryScheduledAt:    time.Now().Add(delay).UTC().Format(time.RFC3339),
	}
	if e.Error != "" {
		retryCtx[task.CtxPreviousError] = e.Error
	}
	if e.ExitCode != nil {
		retryCtx[task.CtxPreviousExitCode] = *e.ExitCode
	}

	p.metrics.RetryScheduled()
	p.logger.Info("task %s retry attempt %d/%d in %s", t.ID, attempt, spec.EffectiveMaxAttempts(), delay)

	// The pipeline's context is tied to the execution that just finished;
	// the timer must outlive it.
	dispatchCtx := context.WithoutCancel(ctx)
	taskID := t.ID
	time.AfterFunc(delay, func() {
		defer async.Recover(p.logger, "outcome.retry")
		if _, err := p.dispatcher.ExecuteTask(dispatchCtx, taskID, task.TriggerRetry, retryCtx); err != nil {
			p.logger.Error("task %s retry attempt %d dispatch: %v", taskID, attempt, err)
		}
	})
	return nil
}
