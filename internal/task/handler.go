package task

import (
	"strings"
	"time"

	apperr "taskd/internal/errors"
)

// HandlerType selects an outcome handler strategy.
type HandlerType string

const (
	HandlerRetry   HandlerType = "retry"
	HandlerFile    HandlerType = "file"
	HandlerTrigger HandlerType = "trigger"
)

var validHandlerTypes = map[HandlerType]bool{
	HandlerRetry:   true,
	HandlerFile:    true,
	HandlerTrigger: true,
}

// IsValid returns true for a recognized handler type tag.
func (h HandlerType) IsValid() bool {
	return validHandlerTypes[h]
}

// OutcomeCondition filters which terminal statuses a handler reacts to.
type OutcomeCondition string

const (
	OnSuccess   OutcomeCondition = "success"
	OnFailure   OutcomeCondition = "failure"
	OnTimeout   OutcomeCondition = "timeout"
	OnCancelled OutcomeCondition = "cancelled"
	OnAny       OutcomeCondition = "any"
)

var validConditions = map[OutcomeCondition]bool{
	OnSuccess:   true,
	OnFailure:   true,
	OnTimeout:   true,
	OnCancelled: true,
	OnAny:       true,
}

// Matches reports whether a terminal status satisfies the condition.
// The zero value behaves like OnAny.
func (c OutcomeCondition) Matches(status ExecutionStatus) bool {
	switch c {
	case "", OnAny:
		return true
	case OnSuccess:
		return status == StatusSuccess
	case OnFailure:
		return status == StatusFailure
	case OnTimeout:
		return status == StatusTimeout
	case OnCancelled:
		return status == StatusCancelled
	default:
		return false
	}
}

// RetrySpec configures the retry outcome handler.
type RetrySpec struct {
	// MaxAttempts bounds total attempts including the first. 0 means 3.
	MaxAttempts int `json:"max_attempts,omitempty"`
	// Backoff is "linear" or "exponential". Empty means exponential.
	Backoff apperr.BackoffMode `json:"backoff,omitempty"`
	// InitialDelayMS seeds the backoff curve. 0 means 1000.
	InitialDelayMS int `json:"initial_delay_ms,omitempty"`
	// MaxDelayMS clamps the computed delay. 0 means 60000.
	MaxDelayMS int `json:"max_delay_ms,omitempty"`
	// On selects which terminal statuses retry: failure, timeout, or any.
	// Empty means failure.
	On OutcomeCondition `json:"on,omitempty"`
}

// EffectiveMaxAttempts resolves the attempt bound.
func (r RetrySpec) EffectiveMaxAttempts() int {
	if r.MaxAttempts < 1 {
		return 3
	}
	return r.MaxAttempts
}

// EffectiveBackoff resolves the backoff mode.
func (r RetrySpec) EffectiveBackoff() apperr.BackoffMode {
	if r.Backoff == "" {
		return apperr.BackoffExponential
	}
	return r.Backoff
}

// InitialDelay resolves the first-step delay.
func (r RetrySpec) InitialDelay() time.Duration {
	if r.InitialDelayMS < 1 {
		return time.Second
	}
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

// MaxDelay resolves the delay clamp.
func (r RetrySpec) MaxDelay() time.Duration {
	if r.MaxDelayMS < 1 {
		return time.Minute
	}
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// Condition resolves the retry gate, defaulting to failure-only.
func (r RetrySpec) Condition() OutcomeCondition {
	if r.On == "" {
		return OnFailure
	}
	return r.On
}

// FileFormat names one of the file handler's output layouts.
type FileFormat string

const (
	FormatText     FileFormat = "text"
	FormatJSON     FileFormat = "json"
	FormatMarkdown FileFormat = "markdown"
)

var validFileFormats = map[FileFormat]bool{
	FormatText:     true,
	FormatJSON:     true,
	FormatMarkdown: true,
}

// FileSpec configures the file outcome handler.
type FileSpec struct {
	// Path is a template resolved against the execution; directories are
	// created as needed.
	Path string `json:"path"`
	// Append adds to the file instead of truncating it.
	Append bool `json:"append,omitempty"`
	// Format is text, json, or markdown. Empty means text.
	Format FileFormat `json:"format,omitempty"`
	// On filters which terminal statuses are written. Empty means any.
	On OutcomeCondition `json:"on,omitempty"`
}

// EffectiveFormat resolves the output layout.
func (f FileSpec) EffectiveFormat() FileFormat {
	if f.Format == "" {
		return FormatText
	}
	return f.Format
}

// TriggerHandlerSpec configures the trigger outcome handler, which chains
// another task off this one's terminal status.
type TriggerHandlerSpec struct {
	// Task is the target task's ID or name.
	Task string `json:"task"`
	// On filters which terminal statuses chain. Empty means success.
	On OutcomeCondition `json:"on,omitempty"`
	// Context is merged into the chained execution's trigger context after
	// the parent summary keys.
	Context map[string]any `json:"context,omitempty"`
}

// Condition resolves the chain gate, defaulting to success-only.
func (t TriggerHandlerSpec) Condition() OutcomeCondition {
	if t.On == "" {
		return OnSuccess
	}
	return t.On
}

// HandlerSpec is the tagged outcome handler sum: Type names the variant and
// exactly one matching payload field is set.
type HandlerSpec struct {
	Type    HandlerType         `json:"type"`
	Retry   *RetrySpec          `json:"retry,omitempty"`
	File    *FileSpec           `json:"file,omitempty"`
	Trigger *TriggerHandlerSpec `json:"trigger,omitempty"`
}

// Validate checks the tag, the variant payload, and variant-specific bounds.
func (h HandlerSpec) Validate() error {
	if !h.Type.IsValid() {
		return validationf("unknown handler type %q", h.Type)
	}
	switch h.Type {
	case HandlerRetry:
		if h.Retry == nil {
			return apperr.ValidationError("retry handler requires a retry config")
		}
		if h.File != nil || h.Trigger != nil {
			return apperr.ValidationError("retry handler carries extra config variants")
		}
		if m := h.Retry.Backoff; m != "" && m != apperr.BackoffLinear && m != apperr.BackoffExponential {
			return validationf("unknown backoff mode %q", m)
		}
		switch h.Retry.On {
		case "", OnFailure, OnTimeout, OnAny:
		default:
			return validationf("retry condition %q is not failure, timeout, or any", h.Retry.On)
		}
		if h.Retry.MaxAttempts < 0 || h.Retry.InitialDelayMS < 0 || h.Retry.MaxDelayMS < 0 {
			return apperr.ValidationError("retry bounds must be >= 0")
		}
	case HandlerFile:
		if h.File == nil {
			return apperr.ValidationError("file handler requires a file config")
		}
		if h.Retry != nil || h.Trigger != nil {
			return apperr.ValidationError("file handler carries extra config variants")
		}
		if strings.TrimSpace(h.File.Path) == "" {
			return apperr.ValidationError("file handler requires a path")
		}
		if f := h.File.Format; f != "" && !validFileFormats[f] {
			return validationf("unknown file format %q", f)
		}
		if c := h.File.On; c != "" && !validConditions[c] {
			return validationf("unknown handler condition %q", c)
		}
	case HandlerTrigger:
		if h.Trigger == nil {
			return apperr.ValidationError("trigger handler requires a trigger config")
		}
		if h.Retry != nil || h.File != nil {
			return apperr.ValidationError("trigger handler carries extra config variants")
		}
		if strings.TrimSpace(h.Trigger.Task) == "" {
			return apperr.ValidationError("trigger handler requires a target task")
		}
		if c := h.Trigger.On; c != "" && !validConditions[c] {
			return validationf("unknown handler condition %q", c)
		}
	}
	return nil
}
