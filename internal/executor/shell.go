package executor

import (
	"context"
	"fmt"

	apperr "taskd/internal/errors"
	"taskd/internal/logging"
	"taskd/internal/task"
)

// Shell runs shell tasks via `sh -c`, in their own process group, streaming
// combined stdout and stderr as execution output.
type Shell struct {
	logger logging.Logger
	sink   Sink
}

// NewShell builds the shell executor.
func NewShell(logger logging.Logger, sink Sink) *Shell {
	return &Shell{
		logger: logging.OrNop(logger),
		sink:   orNopSink(sink),
	}
}

// Name identifies the executor in logs.
func (s *Shell) Name() string { return "shell" }

// Execute runs the configured command until it exits or the context ends.
func (s *Shell) Execute(ctx context.Context, t *task.Task, e *task.Execution) (*Result, error) {
	cfg := t.Config.Shell
	if cfg == nil {
		return nil, apperr.ValidationError(fmt.Sprintf("task %s has no shell config", t.ID))
	}

	s.logger.Debug("running shell command for execution %s: %s", e.ID, cfg.Command)

	rr, err := runProcess(ctx, s.logger, s.sink, runSpec{
		execID: e.ID,
		name:   "sh",
		args:   []string{"-c", cfg.Command},
		dir:    cfg.WorkDir,
		env:    cfg.Env,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Output:   rr.output,
		ExitCode: rr.exitCode,
	}
	switch {
	case rr.timedOut:
		res.Status = task.StatusTimeout
		res.Error = "command timed out"
	case rr.cancelled:
		res.Status = task.StatusCancelled
		res.Error = "command cancelled"
	case rr.waitErr == nil:
		res.Status = task.StatusSuccess
	default:
		res.Status = task.StatusFailure
		res.Error = rr.waitErr.Error()
	}
	return res, nil
}
