package task

import (
	"fmt"
	"strings"
	"time"
)

// TaskType selects the executor strategy for a task.
type TaskType string

const (
	TypeShell TaskType = "shell"
	TypeAgent TaskType = "agent"
)

// validTaskTypes enumerates all accepted type tags.
var validTaskTypes = map[TaskType]bool{
	TypeShell: true,
	TypeAgent: true,
}

// IsValid returns true if the type tag is one of the recognized values.
func (t TaskType) IsValid() bool {
	return validTaskTypes[t]
}

// ShellConfig is the configuration variant for shell tasks.
type ShellConfig struct {
	// Command is passed to the shell verbatim (sh -c).
	Command string `json:"command"`
	// WorkDir is the working directory for the command. Empty means inherit.
	WorkDir string `json:"work_dir,omitempty"`
	// Env holds KEY=VALUE pairs appended to the inherited environment.
	Env []string `json:"env,omitempty"`
	// TimeoutMS overrides the default shell timeout when > 0.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// AgentConfig is the configuration variant for agent tasks.
type AgentConfig struct {
	// Prompt is the instruction handed to the agent CLI.
	Prompt string `json:"prompt"`
	// Command overrides the configured agent binary for this task.
	Command string `json:"command,omitempty"`
	// WorkDir is the working directory for the agent process.
	WorkDir string `json:"work_dir,omitempty"`
	// TimeoutMS overrides the default agent timeout when > 0.
	TimeoutMS int `json:"timeout_ms,omitempty"`
	// MaxTurns caps agent iterations when the CLI supports it. 0 means unset.
	MaxTurns int `json:"max_turns,omitempty"`
}

// TaskConfig is the tagged configuration sum: exactly one variant is set and
// it must agree with the task's type tag.
type TaskConfig struct {
	Shell *ShellConfig `json:"shell,omitempty"`
	Agent *AgentConfig `json:"agent,omitempty"`
}

// TaskOptions carries scheduling knobs shared by all task types.
type TaskOptions struct {
	// TimeoutMS bounds a single execution. 0 falls back to the config
	// variant's timeout, then to the per-type default.
	TimeoutMS int `json:"timeout_ms,omitempty"`
	// MaxConcurrent caps simultaneous executions of this task. 0 means 1.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	// Queue parks over-limit dispatches instead of skipping them.
	Queue bool `json:"queue,omitempty"`
	// QueueDepth bounds the parked dispatch queue. 0 means the default depth.
	QueueDepth int `json:"queue_depth,omitempty"`
	// Priority orders queued dispatches across tasks; higher runs first.
	Priority int `json:"priority,omitempty"`
}

// EffectiveMaxConcurrent resolves the per-task concurrency cap.
func (o TaskOptions) EffectiveMaxConcurrent() int {
	if o.MaxConcurrent < 1 {
		return 1
	}
	return o.MaxConcurrent
}

// DefaultQueueDepth bounds parked dispatches for tasks that enable queueing
// without picking a depth.
const DefaultQueueDepth = 16

// EffectiveQueueDepth resolves the parked dispatch bound.
func (o TaskOptions) EffectiveQueueDepth() int {
	if o.QueueDepth < 1 {
		return DefaultQueueDepth
	}
	return o.QueueDepth
}

// Task is a named, reusable unit of work with a trigger, a typed
// configuration, and an ordered list of outcome handlers.
type Task struct {
	// ID is the unique identifier ("task-..." by default).
	ID string `json:"id"`
	// Name is a human-readable label.
	Name string `json:"name"`
	// Type selects the executor strategy.
	Type TaskType `json:"type"`
	// Enabled gates dispatch; disabled tasks never execute.
	Enabled bool `json:"enabled"`
	// Config is the type-specific payload.
	Config TaskConfig `json:"config"`
	// Trigger describes what causes the task to run.
	Trigger TriggerSpec `json:"trigger"`
	// Options carries timeout/concurrency/queue knobs.
	Options TaskOptions `json:"options,omitempty"`
	// Handlers run in order against every terminal execution.
	Handlers []HandlerSpec `json:"handlers,omitempty"`

	// Counters, maintained by the scheduler alongside terminal writes.
	RunCount     int64 `json:"run_count"`
	SuccessCount int64 `json:"success_count"`
	FailureCount int64 `json:"failure_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks structural invariants: type/config agreement, trigger
// well-formedness, option bounds, and handler specs. Violations wrap
// ErrValidation so the admin boundary can map them to a caller error.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return validationf("task: name is required")
	}
	if !t.Type.IsValid() {
		return validationf("task: unknown type %q", t.Type)
	}

	switch t.Type {
	case TypeShell:
		if t.Config.Shell == nil {
			return validationf("task %q: shell config is required for type shell", t.Name)
		}
		if t.Config.Agent != nil {
			return validationf("task %q: agent config set on shell task", t.Name)
		}
		if strings.TrimSpace(t.Config.Shell.Command) == "" {
			return validationf("task %q: shell command is required", t.Name)
		}
	case TypeAgent:
		if t.Config.Agent == nil {
			return validationf("task %q: agent config is required for type agent", t.Name)
		}
		if t.Config.Shell != nil {
			return validationf("task %q: shell config set on agent task", t.Name)
		}
		if strings.TrimSpace(t.Config.Agent.Prompt) == "" {
			return validationf("task %q: agent prompt is required", t.Name)
		}
	}

	if err := t.Trigger.Validate(); err != nil {
		return fmt.Errorf("task %q: %w", t.Name, err)
	}

	if t.Options.MaxConcurrent < 0 {
		return validationf("task %q: max_concurrent must be >= 1", t.Name)
	}
	if t.Options.QueueDepth < 0 {
		return validationf("task %q: queue_depth must be >= 0", t.Name)
	}

	for i, h := range t.Handlers {
		if err := h.Validate(); err != nil {
			return fmt.Errorf("task %q: handler %d: %w", t.Name, i, err)
		}
	}
	return nil
}

// Timeout resolves the execution deadline for this task: options first, then
// the config variant, then the supplied per-type default.
func (t *Task) Timeout(shellDefault, agentDefault time.Duration) time.Duration {
	if t.Options.TimeoutMS > 0 {
		return time.Duration(t.Options.TimeoutMS) * time.Millisecond
	}
	switch t.Type {
	case TypeShell:
		if t.Config.Shell != nil && t.Config.Shell.TimeoutMS > 0 {
			return time.Duration(t.Config.Shell.TimeoutMS) * time.Millisecond
		}
		return shellDefault
	case TypeAgent:
		if t.Config.Agent != nil && t.Config.Agent.TimeoutMS > 0 {
			return time.Duration(t.Config.Agent.TimeoutMS) * time.Millisecond
		}
		return agentDefault
	default:
		return shellDefault
	}
}
