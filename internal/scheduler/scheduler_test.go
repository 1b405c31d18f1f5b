package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	apperr "taskd/internal/errors"
	"taskd/internal/executor"
	"taskd/internal/storage"
	"taskd/internal/storage/memstore"
	"taskd/internal/task"
)

// fakeExecutor simulates work with a controllable duration and exit status.
// It honors context cancellation the way the real executors do.
type fakeExecutor struct {
	mu        sync.Mutex
	delay     time.Duration
	status    task.ExecutionStatus
	output    string
	block     chan struct{}
	calls     int
	active    int
	maxActive int
}

func (f *fakeExecutor) Name() string { return "fake" }

func (f *fakeExecutor) Execute(ctx context.Context, _ *task.Task, _ *task.Execution) (*executor.Result, error) {
	f.mu.Lock()
	f.calls++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	delay := f.delay
	block := f.block
	status := f.status
	output := f.output
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	var wait <-chan time.Time
	if delay > 0 {
		wait = time.After(delay)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return cancelResult(ctx), nil
		}
	}
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return cancelResult(ctx), nil
		}
	}

	if status == "" {
		status = task.StatusSuccess
	}
	res := &executor.Result{Status: status, Output: output}
	if status == task.StatusFailure {
		res.Error = "simulated failure"
	}
	return res, nil
}

func cancelResult(ctx context.Context) *executor.Result {
	if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return &executor.Result{Status: task.StatusTimeout, Error: "deadline exceeded"}
	}
	return &executor.Result{Status: task.StatusCancelled, Error: "cancelled"}
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeExecutor) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// recordingOutcome captures pipeline handoffs.
type recordingOutcome struct {
	fired chan *task.Execution
}

func (r *recordingOutcome) Run(_ context.Context, _ *task.Task, e *task.Execution) {
	r.fired <- e
}

func newTestScheduler(t *testing.T, fake *fakeExecutor) (*Scheduler, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	t.Cleanup(func() { store.Close() })

	reg := executor.NewRegistry(map[task.TaskType]executor.Executor{
		task.TypeShell: fake,
		task.TypeAgent: fake,
	})
	s := New(store, reg, Config{Workers: 4}, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, store
}

func createTask(t *testing.T, store storage.Store, tk *task.Task) {
	t.Helper()
	if err := store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
}

func manualTask(id string, opts task.TaskOptions) *task.Task {
	return &task.Task{
		ID:      id,
		Name:    id,
		Type:    task.TypeShell,
		Enabled: true,
		Config:  task.TaskConfig{Shell: &task.ShellConfig{Command: "true"}},
		Trigger: task.TriggerSpec{Type: task.TriggerManual},
		Options: opts,
	}
}

func waitTerminal(t *testing.T, store storage.Store, execID string) *task.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e, err := store.GetExecution(context.Background(), execID)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if e.IsTerminal() {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached a terminal status", execID)
	return nil
}

func TestExecuteTaskRecordsSuccess(t *testing.T) {
	fake := &fakeExecutor{delay: 20 * time.Millisecond, output: "done\n"}
	s, store := newTestScheduler(t, fake)
	createTask(t, store, manualTask("task-ok", task.TaskOptions{}))

	execID, err := s.ExecuteTask(context.Background(), "task-ok", task.TriggerManual, nil)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	e := waitTerminal(t, store, execID)
	if e.Status != task.StatusSuccess {
		t.Fatalf("status = %s, want success", e.Status)
	}
	if e.Output != "done\n" {
		t.Fatalf("output = %q", e.Output)
	}
	if e.StartedAt == nil || e.CompletedAt == nil {
		t.Fatal("missing timestamps on terminal execution")
	}
	if e.DurationMS < 15 {
		t.Fatalf("duration_ms = %d, want >= 15", e.DurationMS)
	}

	tk, err := store.GetTask(context.Background(), "task-ok")
	if err != nil {
		t.Fatal(err)
	}
	if tk.RunCount != 1 || tk.SuccessCount != 1 || tk.FailureCount != 0 {
		t.Fatalf("counters = %d/%d/%d, want 1/1/0", tk.RunCount, tk.SuccessCount, tk.FailureCount)
	}
}

func TestMissingOrDisabledTaskCreatesNoExecution(t *testing.T) {
	fake := &fakeExecutor{}
	s, store := newTestScheduler(t, fake)

	if _, err := s.ExecuteTask(context.Background(), "task-ghost", task.TriggerManual, nil); !apperr.IsNotFound(err) {
		t.Fatalf("missing task error = %v, want not found", err)
	}

	disabled := manualTask("task-off", task.TaskOptions{})
	disabled.Enabled = false
	createTask(t, store, disabled)
	if _, err := s.ExecuteTask(context.Background(), "task-off", task.TriggerManual, nil); !apperr.IsValidation(err) {
		t.Fatalf("disabled task error = %v, want validation", err)
	}

	execs, err := store.LoadExecutions(context.Background(), storage.ExecutionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 0 {
		t.Fatalf("%d executions recorded for refused dispatches", len(execs))
	}
}

func TestConcurrencyCapSkipsByDefault(t *testing.T) {
	block := make(chan struct{})
	fake := &fakeExecutor{block: block}
	s, store := newTestScheduler(t, fake)
	createTask(t, store, manualTask("task-busy", task.TaskOptions{MaxConcurrent: 1}))

	first, err := s.ExecuteTask(context.Background(), "task-busy", task.TriggerManual, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Give the worker time to pick the first dispatch up.
	waitForCalls(t, fake, 1)

	second, err := s.ExecuteTask(context.Background(), "task-busy", task.TriggerManual, nil)
	if err != nil {
		t.Fatal(err)
	}
	skipped := waitTerminal(t, store, second)
	if skipped.Status != task.StatusSkipped {
		t.Fatalf("over-cap status = %s, want skipped", skipped.Status)
	}
	if !strings.Contains(skipped.Error, "concurrency limit") {
		t.Fatalf("skip reason = %q", skipped.Error)
	}

	close(block)
	if e := waitTerminal(t, store, first); e.Status != task.StatusSuccess {
		t.Fatalf("first execution status = %s", e.Status)
	}

	tk, _ := store.GetTask(context.Background(), "task-busy")
	if tk.RunCount != 1 {
		t.Fatalf("run_count = %d, want 1 (skipped runs do not count)", tk.RunCount)
	}
}

func TestQueueSerializesExecutions(t *testing.T) {
	fake := &fakeExecutor{delay: 50 * time.Millisecond}
	s, store := newTestScheduler(t, fake)
	createTask(t, store, manualTask("task-serial", task.TaskOptions{
		MaxConcurrent: 1,
		Queue:         true,
		QueueDepth:    8,
	}))

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.ExecuteTask(context.Background(), "task-serial", task.TriggerManual, nil)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	var execs []*task.Execution
	for _, id := range ids {
		e := waitTerminal(t, store, id)
		if e.Status != task.StatusSuccess {
			t.Fatalf("execution %s status = %s", id, e.Status)
		}
		execs = append(execs, e)
	}

	for i := 1; i < len(execs); i++ {
		prev, cur := execs[i-1], execs[i]
		if !cur.StartedAt.After(*prev.StartedAt) {
			t.Fatalf("execution %d started %v, not after %v", i, cur.StartedAt, prev.StartedAt)
		}
		if cur.StartedAt.Before(*prev.CompletedAt) {
			t.Fatalf("execution %d overlapped its predecessor", i)
		}
	}
	if peak := fake.peakConcurrency(); peak != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak)
	}
}

func TestQueueDepthBound(t *testing.T) {
	block := make(chan struct{})
	fake := &fakeExecutor{block: block}
	s, store := newTestScheduler(t, fake)
	createTask(t, store, manualTask("task-bounded", task.TaskOptions{
		MaxConcurrent: 1,
		Queue:         true,
		QueueDepth:    1,
	}))

	first, _ := s.ExecuteTask(context.Background(), "task-bounded", task.TriggerManual, nil)
	waitForCalls(t, fake, 1)
	queued, _ := s.ExecuteTask(context.Background(), "task-bounded", task.TriggerManual, nil)
	dropped, _ := s.ExecuteTask(context.Background(), "task-bounded", task.TriggerManual, nil)

	over := waitTerminal(t, store, dropped)
	if over.Status != task.StatusSkipped || !strings.Contains(over.Error, "queue full") {
		t.Fatalf("over-depth execution = %s (%q)", over.Status, over.Error)
	}

	close(block)
	if e := waitTerminal(t, store, first); e.Status != task.StatusSuccess {
		t.Fatalf("first = %s", e.Status)
	}
	if e := waitTerminal(t, store, queued); e.Status != task.StatusSuccess {
		t.Fatalf("queued = %s", e.Status)
	}
}

func TestSaturatedPoolSkipsNonQueueTasks(t *testing.T) {
	block := make(chan struct{})
	fake := &fakeExecutor{block: block}
	store := memstore.New()
	t.Cleanup(func() { store.Close() })
	createTask(t, store, manualTask("task-hog", task.TaskOptions{}))
	createTask(t, store, manualTask("task-walkin", task.TaskOptions{}))
	patient := manualTask("task-patient", task.TaskOptions{Queue: true})
	createTask(t, store, patient)

	reg := executor.NewRegistry(map[task.TaskType]executor.Executor{task.TypeShell: fake})
	s := New(store, reg, Config{Workers: 1}, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)

	hog, err := s.ExecuteTask(context.Background(), "task-hog", task.TriggerManual, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitForCalls(t, fake, 1)

	// The only worker is busy: a task that is not willing to wait is refused
	// with an audit record, not parked as an invisible pending execution.
	walkin, err := s.ExecuteTask(context.Background(), "task-walkin", task.TriggerManual, nil)
	if err != nil {
		t.Fatal(err)
	}
	refused := waitTerminal(t, store, walkin)
	if refused.Status != task.StatusSkipped {
		t.Fatalf("walk-in status = %s, want skipped", refused.Status)
	}
	if !strings.Contains(refused.Error, "worker pool saturated") {
		t.Fatalf("skip reason = %q", refused.Error)
	}

	// A queue task rides out the saturation and runs once the pool frees.
	waiting, err := s.ExecuteTask(context.Background(), "task-patient", task.TriggerManual, nil)
	if err != nil {
		t.Fatal(err)
	}

	close(block)
	if e := waitTerminal(t, store, hog); e.Status != task.StatusSuccess {
		t.Fatalf("hog = %s", e.Status)
	}
	if e := waitTerminal(t, store, waiting); e.Status != task.StatusSuccess {
		t.Fatalf("queued task = %s", e.Status)
	}
}

func TestTimeoutMarksExecution(t *testing.T) {
	fake := &fakeExecutor{delay: 10 * time.Second}
	s, store := newTestScheduler(t, fake)
	createTask(t, store, manualTask("task-slow", task.TaskOptions{TimeoutMS: 100}))

	execID, err := s.ExecuteTask(context.Background(), "task-slow", task.TriggerManual, nil)
	if err != nil {
		t.Fatal(err)
	}
	e := waitTerminal(t, store, execID)
	if e.Status != task.StatusTimeout {
		t.Fatalf("status = %s, want timeout", e.Status)
	}

	tk, _ := store.GetTask(context.Background(), "task-slow")
	if tk.RunCount != 1 || tk.FailureCount != 1 {
		t.Fatalf("counters = %d/%d/%d", tk.RunCount, tk.SuccessCount, tk.FailureCount)
	}
}

func TestCancelRunningExecution(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	fake := &fakeExecutor{block: block}
	s, store := newTestScheduler(t, fake)
	createTask(t, store, manualTask("task-cancel", task.TaskOptions{}))

	execID, err := s.ExecuteTask(context.Background(), "task-cancel", task.TriggerManual, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitForCalls(t, fake, 1)

	if err := s.CancelExecution(context.Background(), execID); err != nil {
		t.Fatalf("CancelExecution: %v", err)
	}
	e := waitTerminal(t, store, execID)
	if e.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", e.Status)
	}
}

func TestCancelQueuedExecution(t *testing.T) {
	block := make(chan struct{})
	fake := &fakeExecutor{block: block}
	s, store := newTestScheduler(t, fake)
	createTask(t, store, manualTask("task-q", task.TaskOptions{
		MaxConcurrent: 1,
		Queue:         true,
	}))

	first, _ := s.ExecuteTask(context.Background(), "task-q", task.TriggerManual, nil)
	waitForCalls(t, fake, 1)
	queued, _ := s.ExecuteTask(context.Background(), "task-q", task.TriggerManual, nil)

	if err := s.CancelExecution(context.Background(), queued); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	e := waitTerminal(t, store, queued)
	if e.Status != task.StatusCancelled {
		t.Fatalf("queued status = %s, want cancelled", e.Status)
	}

	close(block)
	if e := waitTerminal(t, store, first); e.Status != task.StatusSuccess {
		t.Fatalf("first = %s", e.Status)
	}
	if n := fake.callCount(); n != 1 {
		t.Fatalf("executor ran %d times, want 1", n)
	}
}

func TestCancelTerminalExecutionRejected(t *testing.T) {
	fake := &fakeExecutor{}
	s, store := newTestScheduler(t, fake)
	createTask(t, store, manualTask("task-done", task.TaskOptions{}))

	execID, _ := s.ExecuteTask(context.Background(), "task-done", task.TriggerManual, nil)
	waitTerminal(t, store, execID)

	if err := s.CancelExecution(context.Background(), execID); !apperr.IsConflict(err) {
		t.Fatalf("cancel terminal = %v, want conflict error", err)
	}
}

func TestStartupSweepMarksInterrupted(t *testing.T) {
	store := memstore.New()
	t.Cleanup(func() { store.Close() })
	createTask(t, store, manualTask("task-old", task.TaskOptions{}))

	stale := task.NewExecution("task-old", task.TriggerManual, nil)
	if err := store.CreateExecution(context.Background(), stale); err != nil {
		t.Fatal(err)
	}
	orphan := task.NewExecution("task-old", task.TriggerCron, nil)
	if err := store.CreateExecution(context.Background(), orphan); err != nil {
		t.Fatal(err)
	}
	orphan.MarkRunning(time.Now().UTC())
	if err := store.UpdateExecution(context.Background(), orphan); err != nil {
		t.Fatal(err)
	}

	reg := executor.NewRegistry(map[task.TaskType]executor.Executor{task.TypeShell: &fakeExecutor{}})
	s := New(store, reg, Config{Workers: 1}, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)

	for _, id := range []string{stale.ID, orphan.ID} {
		e, err := store.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if e.Status != task.StatusFailure {
			t.Fatalf("swept execution %s status = %s, want failure", id, e.Status)
		}
		if !strings.Contains(e.Error, "interrupted") {
			t.Fatalf("swept execution error = %q", e.Error)
		}
	}
}

func TestCronRegistration(t *testing.T) {
	store := memstore.New()
	t.Cleanup(func() { store.Close() })

	cronTask := manualTask("task-cron", task.TaskOptions{})
	cronTask.Trigger = task.TriggerSpec{Type: task.TriggerCron, Schedule: "*/5 * * * *"}
	createTask(t, store, cronTask)

	offTask := manualTask("task-cron-off", task.TaskOptions{})
	offTask.Trigger = task.TriggerSpec{Type: task.TriggerCron, Schedule: "0 0 * * *"}
	offTask.Enabled = false
	createTask(t, store, offTask)

	reg := executor.NewRegistry(map[task.TaskType]executor.Executor{task.TypeShell: &fakeExecutor{}})
	s := New(store, reg, Config{Workers: 1}, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)

	if n := s.CronEntries(); n != 1 {
		t.Fatalf("cron entries = %d, want 1", n)
	}

	cronTask.Enabled = false
	s.SyncTask(cronTask)
	if n := s.CronEntries(); n != 0 {
		t.Fatalf("cron entries after disable = %d, want 0", n)
	}

	cronTask.Enabled = true
	s.SyncTask(cronTask)
	if n := s.CronEntries(); n != 1 {
		t.Fatalf("cron entries after re-enable = %d, want 1", n)
	}

	s.RemoveTask(cronTask.ID)
	if n := s.CronEntries(); n != 0 {
		t.Fatalf("cron entries after remove = %d, want 0", n)
	}
}

func TestOutcomeRunnerReceivesTerminalExecution(t *testing.T) {
	fake := &fakeExecutor{status: task.StatusFailure}
	store := memstore.New()
	t.Cleanup(func() { store.Close() })
	createTask(t, store, manualTask("task-out", task.TaskOptions{}))

	outcome := &recordingOutcome{fired: make(chan *task.Execution, 1)}
	reg := executor.NewRegistry(map[task.TaskType]executor.Executor{task.TypeShell: fake})
	s := New(store, reg, Config{Workers: 1}, nil, nil)
	s.SetOutcome(outcome)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)

	if _, err := s.ExecuteTask(context.Background(), "task-out", task.TriggerManual, nil); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-outcome.fired:
		if e.Status != task.StatusFailure {
			t.Fatalf("pipeline got status %s, want failure", e.Status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("outcome pipeline never ran")
	}
}

func TestDispatchHeapOrder(t *testing.T) {
	var h dispatchHeap
	h.push(&workItem{execID: "low", priority: 0, seq: 1})
	h.push(&workItem{execID: "high", priority: 5, seq: 2})
	h.push(&workItem{execID: "low2", priority: 0, seq: 3})

	want := []string{"high", "low", "low2"}
	for _, id := range want {
		if got := h.pop().execID; got != id {
			t.Fatalf("pop = %s, want %s", got, id)
		}
	}
}

func waitForCalls(t *testing.T, fake *fakeExecutor, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fake.callCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("executor never reached %d calls", n)
}
