package outcome

import (
	"context"
	"fmt"

	apperr "taskd/internal/errors"
	"taskd/internal/storage"
	"taskd/internal/task"
)

// parentOutputLimit caps how much of the parent's output rides along in the
// chained execution's trigger context.
const parentOutputLimit = 4096

func (p *Pipeline) runTrigger(ctx context.Context, t *task.Task, e *task.Execution, spec *task.TriggerHandlerSpec) error {
	if spec == nil {
		return apperr.ValidationError("trigger handler has no config")
	}
	if !spec.Condition().Matches(e.Status) {
		return nil
	}

	depth := e.ChainDepth() + 1
	if depth > p.maxChainDepth {
		p.logger.Warn("task %s chain depth %d hit limit %d, not firing %q", t.ID, depth, p.maxChainDepth, spec.Task)
		return nil
	}

	target, err := p.resolveTarget(ctx, spec.Task)
	if err != nil {
		return err
	}

	chainCtx := map[string]any{
		task.CtxParentTaskID:      t.ID,
		task.CtxParentExecutionID: e.ID,
		task.CtxParentStatus:      string(e.Status),
		task.CtxChainDepth:        depth,
	}
	if e.Output != "" {
		chainCtx[task.CtxParentOutput] = clip(e.Output, parentOutputLimit)
	}
	for k, v := range spec.Context {
		chainCtx[k] = v
	}

	if _, err := p.dispatcher.ExecuteTask(ctx, target.ID, task.TriggerChain, chainCtx); err != nil {
		return fmt.Errorf("chain dispatch to %s: %w", target.ID, err)
	}
	return nil
}

// resolveTarget accepts a task ID and falls back to a name lookup.
func (p *Pipeline) resolveTarget(ctx context.Context, ref string) (*task.Task, error) {
	t, err := p.store.GetTask(ctx, ref)
	if err == nil {
		return t, nil
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}
	all, lerr := p.store.LoadTasks(ctx, storage.TaskFilter{})
	if lerr != nil {
		return nil, lerr
	}
	for _, cand := range all {
		if cand.Name == ref {
			return cand, nil
		}
	}
	return nil, apperr.NotFoundError(fmt.Sprintf("chain target %q", ref))
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
