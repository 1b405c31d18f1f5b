// Package hooks routes external events onto subscribed tasks. The event set
// is closed; events outside it are ignored. Dispatch is best-effort: one
// subscriber's failure never blocks the others.
package hooks

import (
	"context"

	"taskd/internal/logging"
	"taskd/internal/metrics"
	"taskd/internal/pattern"
	"taskd/internal/storage"
	"taskd/internal/task"
)

// Dispatcher is the slice of the scheduler the router needs. It returns the
// created execution's ID, or "" when nothing was dispatched.
type Dispatcher interface {
	ExecuteTask(ctx context.Context, taskID string, trigger task.TriggerType, triggerCtx map[string]any) (string, error)
}

// Router fans events out to matching event-triggered tasks.
type Router struct {
	store      storage.Store
	dispatcher Dispatcher
	matcher    *pattern.Matcher
	metrics    *metrics.Collector
	logger     logging.Logger
}

// Option customizes a Router.
type Option func(*Router)

// WithMetrics attaches an event counter set.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Router) {
		r.metrics = c
	}
}

// New builds a Router.
func New(store storage.Store, dispatcher Dispatcher, matcher *pattern.Matcher, logger logging.Logger, opts ...Option) *Router {
	r := &Router{
		store:      store,
		dispatcher: dispatcher,
		matcher:    matcher,
		logger:     logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Events lists the recognized event types.
func Events() []task.EventType {
	return []task.EventType{
		task.EventFileSaved,
		task.EventSessionStart,
		task.EventSessionEnd,
		task.EventToolPre,
		task.EventToolPost,
		task.EventCronTick,
		task.EventManual,
	}
}

// HandleEvent loads the event's subscribers, applies their trigger filters,
// and dispatches the survivors. An unknown event type is a no-op. The only
// error returned is a subscriber-load failure; per-subscriber dispatch
// errors are logged and swallowed.
func (r *Router) HandleEvent(ctx context.Context, event task.EventType, eventCtx map[string]any) error {
	if !event.IsValid() {
		r.logger.Debug("ignoring unknown event type %q", event)
		return nil
	}
	r.metrics.EventReceived(string(event))

	enabled := true
	candidates, err := r.store.LoadTasks(ctx, storage.TaskFilter{
		Enabled:      &enabled,
		TriggerType:  task.TriggerEvent,
		TriggerEvent: event,
	})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		r.logger.Debug("event %s has no subscribers", event)
		return nil
	}

	dispatched := 0
	for _, t := range candidates {
		if !r.filtersMatch(t, eventCtx) {
			r.logger.Debug("task %s filtered out of event %s", t.ID, event)
			continue
		}
		execID, err := r.dispatcher.ExecuteTask(ctx, t.ID, triggerTypeFor(event), withEventType(eventCtx, event))
		if err != nil {
			r.logger.Error("dispatch of task %s for event %s failed: %v", t.ID, event, err)
			continue
		}
		if execID != "" {
			dispatched++
		}
	}
	r.metrics.EventDispatched(string(event), dispatched)
	r.logger.Info("event %s matched %d task(s), dispatched %d", event, len(candidates), dispatched)
	return nil
}

// filtersMatch applies the trigger's filter predicate: every pattern family
// must match the context field it names (AND), any one pattern within a
// family suffices (OR).
func (r *Router) filtersMatch(t *task.Task, eventCtx map[string]any) bool {
	for family, patterns := range t.Trigger.Filters {
		value := task.ContextString(eventCtx, family)
		if !r.matcher.MatchesAny(value, patterns) {
			return false
		}
	}
	return true
}

// triggerTypeFor folds the event class onto execution trigger provenance:
// cron ticks and manual fires keep their own tags, everything else is an
// event dispatch.
func triggerTypeFor(event task.EventType) task.TriggerType {
	switch event {
	case task.EventCronTick:
		return task.TriggerCron
	case task.EventManual:
		return task.TriggerManual
	default:
		return task.TriggerEvent
	}
}

// withEventType stamps the originating event onto the trigger context
// without mutating the caller's map.
func withEventType(eventCtx map[string]any, event task.EventType) map[string]any {
	out := make(map[string]any, len(eventCtx)+1)
	for k, v := range eventCtx {
		out[k] = v
	}
	out["event_type"] = string(event)
	return out
}
