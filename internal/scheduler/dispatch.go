package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"time"

	apperr "taskd/internal/errors"
	"taskd/internal/task"
)

var (
	errShuttingDown    = errors.New("scheduler shutting down")
	errCancelRequested = errors.New("cancellation requested")
)

// itemState tracks where a dispatch currently lives.
type itemState int

const (
	// stateParked: waiting in a task queue, no slot held.
	stateParked itemState = iota
	// stateAdmitted: in the dispatch heap, slot held.
	stateAdmitted
	// stateRunning: picked up by a worker.
	stateRunning
)

// workItem is one admitted or parked dispatch. Its context is created at
// submission so cancellation reaches it wherever it waits.
type workItem struct {
	execID   string
	taskID   string
	trigger  task.TriggerType
	priority int
	seq      uint64

	ctx    context.Context
	cancel context.CancelCauseFunc

	state    itemState
	done     bool
	released bool
}

// ExecuteTask admits one execution of a task. It returns the execution ID:
// a pending record when dispatched or queued, a skipped record when refused
// admission. Missing or disabled tasks produce no execution at all.
func (s *Scheduler) ExecuteTask(ctx context.Context, taskID string, trigger task.TriggerType, triggerCtx map[string]any) (string, error) {
	select {
	case <-s.stopped:
		return "", errShuttingDown
	default:
	}

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.Warn("execute %s: %v", taskID, err)
		return "", err
	}
	if !t.Enabled {
		s.logger.Info("execute %s: task disabled, not dispatching", taskID)
		return "", apperr.ValidationError(fmt.Sprintf("task %s is disabled", taskID))
	}

	e := task.NewExecution(t.ID, trigger, triggerCtx)
	if err := s.store.CreateExecution(ctx, e); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}

	itemCtx, cancel := context.WithCancelCause(context.Background())
	item := &workItem{
		execID:   e.ID,
		taskID:   t.ID,
		trigger:  trigger,
		priority: t.Options.Priority,
		ctx:      itemCtx,
		cancel:   cancel,
	}

	s.mu.Lock()
	s.seq++
	item.seq = s.seq
	max := t.Options.EffectiveMaxConcurrent()

	// Queue tasks are willing to wait for a worker; everyone else needs a
	// free pool slot now. Outstanding admitted dispatches count as occupancy
	// so a burst cannot pile up invisible pending records.
	poolFree := s.active < s.config.Workers

	switch {
	case s.inFlight[t.ID] < max && (poolFree || t.Options.Queue):
		s.inFlight[t.ID]++
		s.active++
		item.state = stateAdmitted
		s.items[e.ID] = item
		s.heap.push(item)
		s.mu.Unlock()
		s.wake()
		return e.ID, nil

	case t.Options.Queue && len(s.queues[t.ID]) < t.Options.EffectiveQueueDepth():
		item.state = stateParked
		s.items[e.ID] = item
		s.queues[t.ID] = append(s.queues[t.ID], item)
		depth := len(s.queues[t.ID])
		s.mu.Unlock()
		s.metrics.SetQueueDepth(t.ID, depth)
		s.logger.Debug("task %s at capacity, queued execution %s (depth %d)", t.ID, e.ID, depth)
		return e.ID, nil

	default:
		var reason string
		switch {
		case t.Options.Queue:
			reason = "queue full"
		case s.inFlight[t.ID] >= max:
			reason = "concurrency limit reached"
		default:
			reason = "worker pool saturated"
		}
		s.mu.Unlock()
		cancel(nil)
		s.skipExecution(ctx, t, e, reason)
		return e.ID, nil
	}
}

// skipExecution finalizes an admission-refused execution for audit.
func (s *Scheduler) skipExecution(ctx context.Context, t *task.Task, e *task.Execution, reason string) {
	e.Error = reason
	e.MarkFinished(task.StatusSkipped, time.Now().UTC())
	if err := s.store.FinalizeExecution(ctx, e); err != nil {
		s.logger.Warn("record skipped execution %s: %v", e.ID, err)
	}
	s.metrics.ExecutionSkipped(string(t.Type), string(e.TriggerType))
	s.logger.Info("task %s execution %s skipped: %s", t.ID, e.ID, reason)
}

// release frees the slot an admitted item holds and, when a parked dispatch
// is waiting, moves it into the heap with the slot transferred. Releasing
// twice is a no-op: the worker and the cancel path can both get here.
func (s *Scheduler) release(item *workItem) {
	s.mu.Lock()
	if item.released {
		s.mu.Unlock()
		return
	}
	item.released = true
	taskID := item.taskID
	if s.inFlight[taskID] > 0 {
		s.inFlight[taskID]--
	}
	if s.active > 0 {
		s.active--
	}
	if s.inFlight[taskID] == 0 {
		delete(s.inFlight, taskID)
	}

	var promoted *workItem
	queue := s.queues[taskID]
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		if head.done {
			continue
		}
		promoted = head
		break
	}
	if len(queue) == 0 {
		delete(s.queues, taskID)
	} else {
		s.queues[taskID] = queue
	}
	depth := len(queue)

	if promoted != nil {
		s.inFlight[taskID]++
		s.active++
		promoted.state = stateAdmitted
		s.heap.push(promoted)
	}
	s.mu.Unlock()

	s.metrics.SetQueueDepth(taskID, depth)
	if promoted != nil {
		s.wake()
	}
}

// forget drops a finished item from the cancellation registry.
func (s *Scheduler) forget(execID string) {
	s.mu.Lock()
	delete(s.items, execID)
	s.mu.Unlock()
}

// dispatchHeap orders admitted work by priority, then submission order.
type dispatchHeap []*workItem

func (h dispatchHeap) Len() int { return len(h) }
func (h dispatchHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h dispatchHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *dispatchHeap) Push(x any) { *h = append(*h, x.(*workItem)) }
func (h *dispatchHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func (h *dispatchHeap) push(item *workItem) { heap.Push(h, item) }
func (h *dispatchHeap) pop() *workItem      { return heap.Pop(h).(*workItem) }
