package task

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	apperr "taskd/internal/errors"
)

// TriggerType names what caused a dispatch. The first three values are also
// the legal task trigger kinds; retry and chain only ever appear on
// executions created by outcome handlers.
type TriggerType string

const (
	TriggerManual TriggerType = "manual"
	TriggerCron   TriggerType = "cron"
	TriggerEvent  TriggerType = "event"
	TriggerRetry  TriggerType = "retry"
	TriggerChain  TriggerType = "chain"
)

var validTriggerTypes = map[TriggerType]bool{
	TriggerManual: true,
	TriggerCron:   true,
	TriggerEvent:  true,
	TriggerRetry:  true,
	TriggerChain:  true,
}

// IsValid returns true for any recognized trigger provenance.
func (t TriggerType) IsValid() bool {
	return validTriggerTypes[t]
}

// EventType identifies a hook event source. The set is closed: events outside
// it are ignored by the router and rejected at task validation.
type EventType string

const (
	EventFileSaved    EventType = "file_saved"
	EventSessionStart EventType = "session_start"
	EventSessionEnd   EventType = "session_end"
	EventToolPre      EventType = "tool_pre"
	EventToolPost     EventType = "tool_post"
	EventCronTick     EventType = "cron_tick"
	EventManual       EventType = "manual"
)

var validEventTypes = map[EventType]bool{
	EventFileSaved:    true,
	EventSessionStart: true,
	EventSessionEnd:   true,
	EventToolPre:      true,
	EventToolPost:     true,
	EventCronTick:     true,
	EventManual:       true,
}

// IsValid reports membership in the closed event set.
func (e EventType) IsValid() bool {
	return validEventTypes[e]
}

// cronParser accepts the standard five-field schedule syntax.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateSchedule parses a five-field cron expression and returns a
// validation error when it does not parse.
func ValidateSchedule(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return apperr.ValidationError("cron schedule is required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return validationf("invalid cron schedule %q: %v", expr, err)
	}
	return nil
}

// TriggerSpec describes what causes a task to run. Type selects the variant;
// Schedule is meaningful for cron triggers, Event and Filters for event
// triggers.
type TriggerSpec struct {
	Type TriggerType `json:"type"`
	// Schedule is a five-field cron expression (cron triggers only).
	Schedule string `json:"schedule,omitempty"`
	// Event is the subscribed hook event (event triggers only).
	Event EventType `json:"event,omitempty"`
	// Filters maps a pattern family ("path", "tool", ...) to accepted
	// patterns. Families combine with AND, patterns within one with OR.
	Filters map[string][]string `json:"filters,omitempty"`
}

// Validate checks the trigger variant for well-formedness.
func (s TriggerSpec) Validate() error {
	switch s.Type {
	case TriggerManual:
		if s.Schedule != "" || s.Event != "" {
			return apperr.ValidationError("manual trigger takes no schedule or event")
		}
	case TriggerCron:
		if err := ValidateSchedule(s.Schedule); err != nil {
			return err
		}
		if s.Event != "" {
			return apperr.ValidationError("cron trigger takes no event")
		}
	case TriggerEvent:
		if s.Event == "" {
			return apperr.ValidationError("event trigger requires an event")
		}
		if !s.Event.IsValid() {
			return validationf("unknown event %q", s.Event)
		}
		if s.Schedule != "" {
			return apperr.ValidationError("event trigger takes no schedule")
		}
		for family, patterns := range s.Filters {
			if strings.TrimSpace(family) == "" {
				return apperr.ValidationError("filter family name is empty")
			}
			if len(patterns) == 0 {
				return validationf("filter family %q has no patterns", family)
			}
		}
	case TriggerRetry, TriggerChain:
		return validationf("trigger type %q is execution-only", s.Type)
	default:
		return validationf("unknown trigger type %q", s.Type)
	}
	return nil
}

func validationf(format string, args ...any) error {
	return apperr.ValidationError(fmt.Sprintf(format, args...))
}
