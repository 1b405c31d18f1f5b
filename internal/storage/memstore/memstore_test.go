package memstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	apperr "taskd/internal/errors"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/utils/id"
)

func newTask(name string) *task.Task {
	now := time.Now().UTC()
	return &task.Task{
		ID:      id.NewTaskID(),
		Name:    name,
		Type:    task.TypeShell,
		Enabled: true,
		Config: task.TaskConfig{
			Shell: &task.ShellConfig{Command: "true"},
		},
		Trigger:   task.TriggerSpec{Type: task.TriggerManual},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestTaskCRUD(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	tk := newTask("build")
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateTask(ctx, tk); !apperr.IsConflict(err) {
		t.Errorf("duplicate create = %v, want conflict", err)
	}

	got, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "build" || got.Type != task.TypeShell {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	got.Name = "renamed"
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ := s.GetTask(ctx, tk.ID)
	if again.Name != "renamed" {
		t.Errorf("update not persisted: %q", again.Name)
	}
	if !again.UpdatedAt.After(tk.UpdatedAt) && !again.UpdatedAt.Equal(tk.UpdatedAt) {
		t.Errorf("updated_at not bumped: %v", again.UpdatedAt)
	}

	if err := s.DeleteTask(ctx, tk.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTask(ctx, tk.ID); !apperr.IsNotFound(err) {
		t.Errorf("get after delete = %v, want not found", err)
	}
	if err := s.DeleteTask(ctx, tk.ID); !apperr.IsNotFound(err) {
		t.Errorf("double delete = %v, want not found", err)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	tk := newTask("isolated")
	tk.Trigger = task.TriggerSpec{
		Type:    task.TriggerEvent,
		Event:   task.EventFileSaved,
		Filters: map[string][]string{"file_path": {"**/*.go"}},
	}
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetTask(ctx, tk.ID)
	got.Trigger.Filters["file_path"][0] = "**/*.rs"
	got.Name = "mutated"

	fresh, _ := s.GetTask(ctx, tk.ID)
	if fresh.Name != "isolated" {
		t.Errorf("store shared the task struct: %q", fresh.Name)
	}
	if fresh.Trigger.Filters["file_path"][0] != "**/*.go" {
		t.Errorf("store shared the filter slice: %v", fresh.Trigger.Filters)
	}
}

func TestLoadTasksFilter(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	shell := newTask("shell-manual")
	agent := newTask("agent-event")
	agent.Type = task.TypeAgent
	agent.Config = task.TaskConfig{Agent: &task.AgentConfig{Prompt: "go"}}
	agent.Trigger = task.TriggerSpec{Type: task.TriggerEvent, Event: task.EventSessionEnd}
	disabled := newTask("disabled-cron")
	disabled.Enabled = false
	disabled.Trigger = task.TriggerSpec{Type: task.TriggerCron, Schedule: "* * * * *"}

	for _, tk := range []*task.Task{shell, agent, disabled} {
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.LoadTasks(ctx, storage.TaskFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("unfiltered load = %d tasks, err %v", len(all), err)
	}

	enabled := true
	got, _ := s.LoadTasks(ctx, storage.TaskFilter{Enabled: &enabled})
	if len(got) != 2 {
		t.Errorf("enabled filter matched %d, want 2", len(got))
	}

	got, _ = s.LoadTasks(ctx, storage.TaskFilter{TriggerType: task.TriggerEvent, TriggerEvent: task.EventSessionEnd})
	if len(got) != 1 || got[0].ID != agent.ID {
		t.Errorf("event filter matched %v", got)
	}

	got, _ = s.LoadTasks(ctx, storage.TaskFilter{Type: task.TypeShell})
	if len(got) != 2 {
		t.Errorf("type filter matched %d, want 2", len(got))
	}
}

func TestExecutionLifecycleAndFinalize(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	tk := newTask("counted")
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	exec := task.NewExecution(tk.ID, task.TriggerManual, nil)
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	start := time.Now().UTC()
	exec.MarkRunning(start)
	if err := s.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("update execution: %v", err)
	}

	// Finalize refuses non-terminal writes.
	running := *exec
	if err := s.FinalizeExecution(ctx, &running); !apperr.IsValidation(err) {
		t.Errorf("finalize running = %v, want validation error", err)
	}

	exec.MarkFinished(task.StatusSuccess, start.Add(time.Second))
	if err := s.FinalizeExecution(ctx, exec); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	after, _ := s.GetTask(ctx, tk.ID)
	if after.RunCount != 1 || after.SuccessCount != 1 || after.FailureCount != 0 {
		t.Errorf("counters = %d/%d/%d, want 1/1/0", after.RunCount, after.SuccessCount, after.FailureCount)
	}

	stored, _ := s.GetExecution(ctx, exec.ID)
	if stored.Status != task.StatusSuccess || stored.CompletedAt == nil {
		t.Errorf("terminal write incomplete: %+v", stored)
	}
}

func TestFinalizeCounterIdentity(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	tk := newTask("mixed-outcomes")
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	outcomes := []task.ExecutionStatus{
		task.StatusSuccess,
		task.StatusFailure,
		task.StatusTimeout,
		task.StatusCancelled,
		task.StatusSkipped,
	}
	for _, status := range outcomes {
		exec := task.NewExecution(tk.ID, task.TriggerCron, nil)
		if err := s.CreateExecution(ctx, exec); err != nil {
			t.Fatal(err)
		}
		if status != task.StatusSkipped {
			exec.MarkRunning(time.Now().UTC())
		}
		exec.MarkFinished(status, time.Now().UTC())
		if err := s.FinalizeExecution(ctx, exec); err != nil {
			t.Fatal(err)
		}
	}

	after, _ := s.GetTask(ctx, tk.ID)
	if after.RunCount != 4 {
		t.Errorf("run_count = %d, want 4 (skipped not counted)", after.RunCount)
	}
	if after.SuccessCount != 1 || after.FailureCount != 3 {
		t.Errorf("success/failure = %d/%d, want 1/3", after.SuccessCount, after.FailureCount)
	}
	if after.RunCount != after.SuccessCount+after.FailureCount {
		t.Errorf("counter identity broken: %d != %d + %d", after.RunCount, after.SuccessCount, after.FailureCount)
	}
}

func TestLoadExecutionsWindowing(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	tk := newTask("history")
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		exec := task.NewExecution(tk.ID, task.TriggerManual, map[string]any{"seq": i})
		exec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.CreateExecution(ctx, exec); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.LoadExecutions(ctx, storage.ExecutionFilter{TaskID: tk.ID})
	if err != nil || len(all) != 5 {
		t.Fatalf("load = %d, err %v", len(all), err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Fatal("executions not ordered newest first")
		}
	}

	page, _ := s.LoadExecutions(ctx, storage.ExecutionFilter{TaskID: tk.ID, Limit: 2, Offset: 1})
	if len(page) != 2 {
		t.Fatalf("window = %d, want 2", len(page))
	}
	if page[0].ID != all[1].ID || page[1].ID != all[2].ID {
		t.Error("window not aligned with ordering")
	}

	past := base.Add(150 * time.Second)
	ranged, _ := s.LoadExecutions(ctx, storage.ExecutionFilter{TaskID: tk.ID, StartDate: &past})
	if len(ranged) != 2 {
		t.Errorf("date range matched %d, want 2", len(ranged))
	}

	empty, _ := s.LoadExecutions(ctx, storage.ExecutionFilter{TaskID: tk.ID, Offset: 10})
	if len(empty) != 0 {
		t.Errorf("over-offset returned %d", len(empty))
	}
}

func TestStreamingAndProgress(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	tk := newTask("streaming")
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatal(err)
	}
	exec := task.NewExecution(tk.ID, task.TriggerManual, nil)
	exec.MarkRunning(time.Now().UTC())
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := s.AppendOutput(ctx, exec.ID, fmt.Sprintf("line %d\n", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AppendThinking(ctx, exec.ID, "planning"); err != nil {
		t.Fatal(err)
	}

	p, err := s.GetProgress(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Output != "line 0\nline 1\nline 2\n" {
		t.Errorf("output = %q", p.Output)
	}
	if p.Thinking != "planning" || p.Status != task.StatusRunning {
		t.Errorf("progress = %+v", p)
	}

	if err := s.AppendOutput(ctx, "exec-missing", "x"); !apperr.IsNotFound(err) {
		t.Errorf("append to missing execution = %v, want not found", err)
	}
}

func TestTaskStats(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	tk := newTask("stats")
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	durations := []int64{100, 200, 300}
	for i, d := range durations {
		exec := task.NewExecution(tk.ID, task.TriggerManual, nil)
		start := time.Now().UTC()
		exec.MarkRunning(start)
		if err := s.CreateExecution(ctx, exec); err != nil {
			t.Fatal(err)
		}
		status := task.StatusSuccess
		if i == 2 {
			status = task.StatusFailure
		}
		exec.MarkFinished(status, start.Add(time.Duration(d)*time.Millisecond))
		exec.CostUSD = 0.01
		if err := s.FinalizeExecution(ctx, exec); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.GetTaskStats(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRuns != 3 || stats.SuccessfulRuns != 2 || stats.FailedRuns != 1 {
		t.Errorf("runs = %+v", stats)
	}
	if stats.AverageDurationMS != 200 {
		t.Errorf("avg duration = %v, want 200", stats.AverageDurationMS)
	}
	if stats.TotalCostUSD < 0.029 || stats.TotalCostUSD > 0.031 {
		t.Errorf("total cost = %v, want ~0.03", stats.TotalCostUSD)
	}

	if _, err := s.GetTaskStats(ctx, "task-missing"); !apperr.IsNotFound(err) {
		t.Errorf("stats for missing task = %v, want not found", err)
	}
}

func TestDeleteTaskCascades(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	tk := newTask("cascade")
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatal(err)
	}
	exec := task.NewExecution(tk.ID, task.TriggerManual, nil)
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteTask(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetExecution(ctx, exec.ID); !apperr.IsNotFound(err) {
		t.Errorf("execution survived cascade: %v", err)
	}
}
