package template

import (
	"testing"
	"time"

	"taskd/internal/task"
)

func fixedClock() func() time.Time {
	at := time.Date(2025, 3, 7, 14, 5, 9, 0, time.UTC)
	return func() time.Time { return at }
}

func sampleEntities() (*task.Task, *task.Execution) {
	tk := &task.Task{
		ID:   "task-abc",
		Name: "nightly-build",
		Type: task.TypeShell,
	}
	started := time.Date(2025, 3, 7, 14, 0, 0, 0, time.UTC)
	completed := started.Add(2500 * time.Millisecond)
	exec := &task.Execution{
		ID:          "exec-xyz",
		TaskID:      tk.ID,
		Status:      task.StatusSuccess,
		StartedAt:   &started,
		CompletedAt: &completed,
		DurationMS:  2500,
	}
	return tk, exec
}

func TestResolvePlaceholders(t *testing.T) {
	r := New(WithClock(fixedClock()))
	tk, exec := sampleEntities()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"task fields", "{{task.id}}/{{task.name}}/{{task.type}}", "task-abc/nightly-build/shell"},
		{"execution fields", "{{execution.id}} ended {{execution.status}}", "exec-xyz ended success"},
		{"timestamps", "{{execution.started_at}}", "2025-03-07T14:00:00Z"},
		{"duration", "{{execution.duration_ms}}ms", "2500ms"},
		{"date family", "logs/{{date:%Y-%m-%d}}.md", "logs/2025-03-07.md"},
		{"date time tokens", "{{date:%H:%M:%S}}", "14:05:09"},
		{"date literal percent", "{{date:100%%}}", "100%"},
		{"unknown stays verbatim", "{{task.owner}} and {{execution.id}}", "{{task.owner}} and exec-xyz"},
		{"padded whitespace", "{{ task.name }}", "nightly-build"},
		{"no placeholders", "plain text", "plain text"},
		{"unclosed braces", "oops {{task.name", "oops {{task.name"},
		{"adjacent placeholders", "{{task.id}}{{execution.id}}", "task-abcexec-xyz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.Resolve(tc.in, tk, exec); got != tc.want {
				t.Errorf("Resolve(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestResolveDoesNotRescan(t *testing.T) {
	r := New(WithClock(fixedClock()))
	tk, exec := sampleEntities()
	tk.Name = "{{execution.id}}"

	got := r.Resolve("{{task.name}}", tk, exec)
	if got != "{{execution.id}}" {
		t.Errorf("substituted value was re-scanned: %q", got)
	}
}

func TestResolveMissingEntities(t *testing.T) {
	r := New(WithClock(fixedClock()))

	if got := r.Resolve("{{task.id}}", nil, nil); got != "{{task.id}}" {
		t.Errorf("nil task placeholder = %q, want verbatim", got)
	}

	exec := &task.Execution{ID: "exec-1", Status: task.StatusPending}
	if got := r.Resolve("{{execution.completed_at}}", nil, exec); got != "{{execution.completed_at}}" {
		t.Errorf("unset timestamp = %q, want verbatim", got)
	}
}

func TestStrftimeTokens(t *testing.T) {
	at := time.Date(2024, 12, 31, 23, 59, 8, 0, time.UTC)
	cases := []struct {
		format string
		want   string
	}{
		{"%Y-%m-%d", "2024-12-31"},
		{"%H:%M:%S", "23:59:08"},
		{"%y", "24"},
		{"%j", "366"},
		{"%q unknown", "%q unknown"},
		{"trailing %", "trailing %"},
	}
	for _, tc := range cases {
		if got := strftime(tc.format, at); got != tc.want {
			t.Errorf("strftime(%q) = %q, want %q", tc.format, got, tc.want)
		}
	}
}
