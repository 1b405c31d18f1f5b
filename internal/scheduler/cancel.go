package scheduler

import (
	"context"
	"fmt"
	"time"

	apperr "taskd/internal/errors"
	"taskd/internal/task"
)

// CancelExecution stops one execution. Running executions get a cooperative
// cancel and are finalized by their worker once the executor lets go; parked
// and admitted-but-unstarted ones are finalized cancelled right here.
func (s *Scheduler) CancelExecution(ctx context.Context, execID string) error {
	e, err := s.store.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if e.IsTerminal() {
		return apperr.ConflictError(fmt.Sprintf("execution %s already %s", execID, e.Status))
	}

	s.mu.Lock()
	item := s.items[execID]
	var waiting, admitted bool
	if item != nil {
		item.cancel(errCancelRequested)
		if item.state != stateRunning {
			item.done = true
			delete(s.items, execID)
			waiting = true
			admitted = item.state == stateAdmitted
		}
	}
	s.mu.Unlock()

	if item == nil {
		// Not tracked by this process: an orphan from a crashed run. Mark it
		// so it stops counting as live.
		e.Error = "cancelled"
		e.MarkFinished(task.StatusCancelled, time.Now().UTC())
		return s.store.FinalizeExecution(ctx, e)
	}

	if waiting {
		if admitted {
			s.release(item)
		}
		e.Error = "cancelled before start"
		e.MarkFinished(task.StatusCancelled, time.Now().UTC())
		if err := s.store.FinalizeExecution(ctx, e); err != nil {
			return err
		}
		s.logger.Info("execution %s cancelled while waiting", execID)
		return nil
	}

	s.logger.Info("execution %s cancel requested", execID)
	return nil
}
