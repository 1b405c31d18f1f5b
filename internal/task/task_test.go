package task

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	apperr "taskd/internal/errors"
)

func validShellTask() *Task {
	return &Task{
		ID:      "task-test",
		Name:    "lint",
		Type:    TypeShell,
		Enabled: true,
		Config: TaskConfig{
			Shell: &ShellConfig{Command: "make lint"},
		},
		Trigger: TriggerSpec{Type: TriggerManual},
	}
}

func TestTaskValidate(t *testing.T) {
	if err := validShellTask().Validate(); err != nil {
		t.Fatalf("valid task rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Task)
	}{
		{"missing name", func(tk *Task) { tk.Name = "  " }},
		{"unknown type", func(tk *Task) { tk.Type = "container" }},
		{"shell without command", func(tk *Task) { tk.Config.Shell.Command = "" }},
		{"shell with agent config", func(tk *Task) { tk.Config.Agent = &AgentConfig{Prompt: "x"} }},
		{"negative max_concurrent", func(tk *Task) { tk.Options.MaxConcurrent = -1 }},
		{"negative queue_depth", func(tk *Task) { tk.Options.QueueDepth = -2 }},
		{"bad handler", func(tk *Task) {
			tk.Handlers = []HandlerSpec{{Type: "email"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tk := validShellTask()
			tc.mutate(tk)
			err := tk.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !apperr.IsValidation(err) {
				t.Errorf("error not classified as validation: %v", err)
			}
		})
	}
}

func TestAgentTaskValidate(t *testing.T) {
	tk := &Task{
		Name:    "summarize",
		Type:    TypeAgent,
		Config:  TaskConfig{Agent: &AgentConfig{Prompt: "summarize the diff"}},
		Trigger: TriggerSpec{Type: TriggerManual},
	}
	if err := tk.Validate(); err != nil {
		t.Fatalf("valid agent task rejected: %v", err)
	}

	tk.Config.Agent.Prompt = ""
	if err := tk.Validate(); err == nil {
		t.Fatal("empty prompt accepted")
	}
}

func TestTriggerSpecValidate(t *testing.T) {
	cases := []struct {
		name    string
		spec    TriggerSpec
		wantErr bool
	}{
		{"manual", TriggerSpec{Type: TriggerManual}, false},
		{"manual with schedule", TriggerSpec{Type: TriggerManual, Schedule: "* * * * *"}, true},
		{"cron", TriggerSpec{Type: TriggerCron, Schedule: "*/5 * * * *"}, false},
		{"cron missing schedule", TriggerSpec{Type: TriggerCron}, true},
		{"cron malformed", TriggerSpec{Type: TriggerCron, Schedule: "every five minutes"}, true},
		{"cron six fields", TriggerSpec{Type: TriggerCron, Schedule: "0 0 * * * *"}, true},
		{"event", TriggerSpec{Type: TriggerEvent, Event: EventFileSaved}, false},
		{"event with filters", TriggerSpec{
			Type:    TriggerEvent,
			Event:   EventFileSaved,
			Filters: map[string][]string{"path": {"**/*.go"}},
		}, false},
		{"event missing event", TriggerSpec{Type: TriggerEvent}, true},
		{"event unknown event", TriggerSpec{Type: TriggerEvent, Event: "file_deleted"}, true},
		{"event empty filter family", TriggerSpec{
			Type:    TriggerEvent,
			Event:   EventToolPost,
			Filters: map[string][]string{"tool": {}},
		}, true},
		{"retry is execution-only", TriggerSpec{Type: TriggerRetry}, true},
		{"chain is execution-only", TriggerSpec{Type: TriggerChain}, true},
		{"unknown kind", TriggerSpec{Type: "webhook"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestHandlerSpecValidate(t *testing.T) {
	valid := []HandlerSpec{
		{Type: HandlerRetry, Retry: &RetrySpec{}},
		{Type: HandlerRetry, Retry: &RetrySpec{MaxAttempts: 5, Backoff: apperr.BackoffLinear, On: OnTimeout}},
		{Type: HandlerFile, File: &FileSpec{Path: "logs/{{task.name}}.md", Format: FormatMarkdown}},
		{Type: HandlerTrigger, Trigger: &TriggerHandlerSpec{Task: "notify", On: OnAny}},
	}
	for i, h := range valid {
		if err := h.Validate(); err != nil {
			t.Errorf("handler %d rejected: %v", i, err)
		}
	}

	invalid := []struct {
		name string
		spec HandlerSpec
	}{
		{"unknown type", HandlerSpec{Type: "email"}},
		{"retry without config", HandlerSpec{Type: HandlerRetry}},
		{"retry with file config", HandlerSpec{Type: HandlerRetry, Retry: &RetrySpec{}, File: &FileSpec{Path: "x"}}},
		{"retry bad backoff", HandlerSpec{Type: HandlerRetry, Retry: &RetrySpec{Backoff: "fibonacci"}}},
		{"retry on success", HandlerSpec{Type: HandlerRetry, Retry: &RetrySpec{On: OnSuccess}}},
		{"file without path", HandlerSpec{Type: HandlerFile, File: &FileSpec{}}},
		{"file bad format", HandlerSpec{Type: HandlerFile, File: &FileSpec{Path: "x", Format: "yaml"}}},
		{"trigger without task", HandlerSpec{Type: HandlerTrigger, Trigger: &TriggerHandlerSpec{}}},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.spec.Validate(); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestRetrySpecDefaults(t *testing.T) {
	var r RetrySpec
	if got := r.EffectiveMaxAttempts(); got != 3 {
		t.Errorf("max attempts = %d, want 3", got)
	}
	if got := r.EffectiveBackoff(); got != apperr.BackoffExponential {
		t.Errorf("backoff = %q, want exponential", got)
	}
	if got := r.InitialDelay(); got != time.Second {
		t.Errorf("initial delay = %v, want 1s", got)
	}
	if got := r.MaxDelay(); got != time.Minute {
		t.Errorf("max delay = %v, want 1m", got)
	}
	if got := r.Condition(); got != OnFailure {
		t.Errorf("condition = %q, want failure", got)
	}
}

func TestOutcomeConditionMatches(t *testing.T) {
	cases := []struct {
		cond   OutcomeCondition
		status ExecutionStatus
		want   bool
	}{
		{OnAny, StatusSuccess, true},
		{OnAny, StatusSkipped, true},
		{"", StatusFailure, true},
		{OnSuccess, StatusSuccess, true},
		{OnSuccess, StatusFailure, false},
		{OnFailure, StatusFailure, true},
		{OnFailure, StatusTimeout, false},
		{OnTimeout, StatusTimeout, true},
		{OnCancelled, StatusCancelled, true},
		{OnCancelled, StatusFailure, false},
	}
	for _, tc := range cases {
		if got := tc.cond.Matches(tc.status); got != tc.want {
			t.Errorf("%q.Matches(%q) = %v, want %v", tc.cond, tc.status, got, tc.want)
		}
	}
}

func TestExecutionLifecycle(t *testing.T) {
	exec := NewExecution("task-123", TriggerManual, map[string]any{"reason": "test"})
	if !strings.HasPrefix(exec.ID, "exec-") {
		t.Errorf("execution id %q missing exec- prefix", exec.ID)
	}
	if exec.Status != StatusPending {
		t.Errorf("new execution status = %q, want pending", exec.Status)
	}
	if exec.IsTerminal() {
		t.Error("pending execution reported terminal")
	}

	start := time.Now().UTC()
	exec.MarkRunning(start)
	if exec.Status != StatusRunning || exec.StartedAt == nil {
		t.Fatalf("running transition incomplete: %+v", exec)
	}

	exec.MarkFinished(StatusSuccess, start.Add(1500*time.Millisecond))
	if !exec.IsTerminal() {
		t.Error("finished execution not terminal")
	}
	if exec.DurationMS != 1500 {
		t.Errorf("duration = %dms, want 1500", exec.DurationMS)
	}
	if exec.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
}

func TestStatusTerminality(t *testing.T) {
	terminal := []ExecutionStatus{StatusSuccess, StatusFailure, StatusTimeout, StatusCancelled, StatusSkipped}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	for _, s := range []ExecutionStatus{StatusPending, StatusRunning} {
		if s.IsTerminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
	if ExecutionStatus("paused").IsValid() {
		t.Error("unknown status reported valid")
	}
}

func TestContextIntAcrossJSONRoundTrip(t *testing.T) {
	raw, err := json.Marshal(map[string]any{CtxRetryCount: 2, CtxChainDepth: 3})
	if err != nil {
		t.Fatal(err)
	}
	var ctx map[string]any
	if err := json.Unmarshal(raw, &ctx); err != nil {
		t.Fatal(err)
	}
	if got := ContextInt(ctx, CtxRetryCount); got != 2 {
		t.Errorf("retry_count = %d, want 2 (value decoded as %T)", got, ctx[CtxRetryCount])
	}
	if got := ContextInt(ctx, CtxChainDepth); got != 3 {
		t.Errorf("chain_depth = %d, want 3", got)
	}
	if got := ContextInt(ctx, "absent"); got != 0 {
		t.Errorf("absent key = %d, want 0", got)
	}
}

func TestTaskTimeoutResolution(t *testing.T) {
	tk := validShellTask()
	shellDefault := 120 * time.Second
	agentDefault := 300 * time.Second

	if got := tk.Timeout(shellDefault, agentDefault); got != shellDefault {
		t.Errorf("default timeout = %v, want %v", got, shellDefault)
	}

	tk.Config.Shell.TimeoutMS = 5000
	if got := tk.Timeout(shellDefault, agentDefault); got != 5*time.Second {
		t.Errorf("config timeout = %v, want 5s", got)
	}

	tk.Options.TimeoutMS = 1000
	if got := tk.Timeout(shellDefault, agentDefault); got != time.Second {
		t.Errorf("options timeout = %v, want 1s", got)
	}
}
