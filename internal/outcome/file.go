package outcome

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperr "taskd/internal/errors"
	"taskd/internal/task"
)

// fileRecord is the fixed schema the json format writes. Field order is the
// marshal order, so repeated renders of the same execution are byte-identical.
type fileRecord struct {
	Task      fileTask      `json:"task"`
	Execution fileExecution `json:"execution"`
}

type fileTask struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type fileExecution struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	TriggerType string   `json:"trigger_type"`
	StartedAt   string   `json:"started_at,omitempty"`
	CompletedAt string   `json:"completed_at,omitempty"`
	DurationMS  int64    `json:"duration_ms"`
	ExitCode    *int     `json:"exit_code,omitempty"`
	Output      string   `json:"output"`
	Error       string   `json:"error,omitempty"`
	TokensUsed  int      `json:"tokens_used,omitempty"`
	CostUSD     float64  `json:"cost_usd,omitempty"`
	ToolCalls   []string `json:"tool_calls,omitempty"`
}

func (p *Pipeline) runFile(t *task.Task, e *task.Execution, spec *task.FileSpec) error {
	if spec == nil {
		return apperr.ValidationError("file handler has no config")
	}
	if !spec.On.Matches(e.Status) {
		return nil
	}

	path := p.resolver.Resolve(spec.Path, t, e)
	content, err := renderFile(spec.EffectiveFormat(), t, e)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	if spec.Append {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		if _, err := f.WriteString(content); err != nil {
			return fmt.Errorf("append %s: %w", path, err)
		}
		return nil
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func renderFile(format task.FileFormat, t *task.Task, e *task.Execution) (string, error) {
	switch format {
	case task.FormatJSON:
		return renderJSON(t, e)
	case task.FormatMarkdown:
		return renderMarkdown(t, e), nil
	default:
		return e.Output, nil
	}
}

func renderJSON(t *task.Task, e *task.Execution) (string, error) {
	rec := fileRecord{
		Task: fileTask{ID: t.ID, Name: t.Name, Type: string(t.Type)},
		Execution: fileExecution{
			ID:          e.ID,
			Status:      string(e.Status),
			TriggerType: string(e.TriggerType),
			StartedAt:   formatTime(e.StartedAt),
			CompletedAt: formatTime(e.CompletedAt),
			DurationMS:  e.DurationMS,
			ExitCode:    e.ExitCode,
			Output:      e.Output,
			Error:       e.Error,
			TokensUsed:  e.TokensUsed,
			CostUSD:     e.CostUSD,
			ToolCalls:   e.ToolCalls,
		},
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal execution record: %w", err)
	}
	return string(data) + "\n", nil
}

// renderMarkdown lays out a run report. Everything comes from the task and
// execution themselves, so rendering the same pair twice gives identical
// bytes.
func renderMarkdown(t *task.Task, e *task.Execution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", t.Name)

	fmt.Fprintf(&b, "- Execution: %s\n", e.ID)
	fmt.Fprintf(&b, "- Status: %s\n", e.Status)
	fmt.Fprintf(&b, "- Trigger: %s\n", e.TriggerType)
	if s := formatTime(e.StartedAt); s != "" {
		fmt.Fprintf(&b, "- Started: %s\n", s)
	}
	if s := formatTime(e.CompletedAt); s != "" {
		fmt.Fprintf(&b, "- Completed: %s\n", s)
	}
	fmt.Fprintf(&b, "- Duration: %dms\n", e.DurationMS)
	if e.ExitCode != nil {
		fmt.Fprintf(&b, "- Exit code: %d\n", *e.ExitCode)
	}

	fmt.Fprintf(&b, "\n## Output\n\n```\n%s```\n", fenced(e.Output))
	if e.Error != "" {
		fmt.Fprintf(&b, "\n## Error\n\n```\n%s```\n", fenced(e.Error))
	}
	if len(e.ToolCalls) > 0 {
		b.WriteString("\n## Tool Calls\n\n")
		for _, call := range e.ToolCalls {
			fmt.Fprintf(&b, "- %s\n", call)
		}
	}
	if e.TokensUsed > 0 || e.CostUSD > 0 {
		b.WriteString("\n## Usage\n\n")
		fmt.Fprintf(&b, "- Tokens: %d\n", e.TokensUsed)
		fmt.Fprintf(&b, "- Cost: $%.4f\n", e.CostUSD)
	}
	return b.String()
}

// fenced normalizes a block body so the closing fence lands on its own line.
func fenced(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
