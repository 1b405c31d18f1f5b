// Package metrics exports orchestration counters to Prometheus. A nil
// *Collector is valid and records nothing, so callers never guard call
// sites on whether metrics are enabled.
package metrics

import (
	"errors"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskd"

// Collector tracks executions, queueing, events, and handler outcomes.
type Collector struct {
	executionsTotal   *promclient.CounterVec
	executionDuration *promclient.HistogramVec
	executionsRunning promclient.Gauge
	queueDepth        *promclient.GaugeVec
	eventsTotal       *promclient.CounterVec
	eventDispatches   *promclient.CounterVec
	handlerFailures   *promclient.CounterVec
	retriesScheduled  promclient.Counter
	tokensUsed        promclient.Counter
	costUSD           promclient.Counter
}

// New registers the collector set on reg, reusing collectors that are
// already registered there. A nil reg uses the default registerer.
func New(reg promclient.Registerer) (*Collector, error) {
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}

	c := &Collector{}
	var err error

	c.executionsTotal, err = register(reg, promclient.NewCounterVec(promclient.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Terminal executions by task type, trigger, and status.",
	}, []string{"type", "trigger", "status"}))
	if err != nil {
		return nil, fmt.Errorf("register executions counter: %w", err)
	}

	c.executionDuration, err = register(reg, promclient.NewHistogramVec(promclient.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_duration_seconds",
		Help:      "Wall time from execution start to terminal status.",
		Buckets:   promclient.DefBuckets,
	}, []string{"type"}))
	if err != nil {
		return nil, fmt.Errorf("register duration histogram: %w", err)
	}

	c.executionsRunning, err = register(reg, promclient.NewGauge(promclient.GaugeOpts{
		Namespace: namespace,
		Name:      "executions_running",
		Help:      "Executions currently holding a worker slot.",
	}))
	if err != nil {
		return nil, fmt.Errorf("register running gauge: %w", err)
	}

	c.queueDepth, err = register(reg, promclient.NewGaugeVec(promclient.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Pending executions queued behind a task's concurrency cap.",
	}, []string{"task"}))
	if err != nil {
		return nil, fmt.Errorf("register queue gauge: %w", err)
	}

	c.eventsTotal, err = register(reg, promclient.NewCounterVec(promclient.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Hook events received by type.",
	}, []string{"event"}))
	if err != nil {
		return nil, fmt.Errorf("register events counter: %w", err)
	}

	c.eventDispatches, err = register(reg, promclient.NewCounterVec(promclient.CounterOpts{
		Namespace: namespace,
		Name:      "event_dispatches_total",
		Help:      "Task executions dispatched from hook events.",
	}, []string{"event"}))
	if err != nil {
		return nil, fmt.Errorf("register dispatch counter: %w", err)
	}

	c.handlerFailures, err = register(reg, promclient.NewCounterVec(promclient.CounterOpts{
		Namespace: namespace,
		Name:      "handler_failures_total",
		Help:      "Outcome handler errors by handler type.",
	}, []string{"handler"}))
	if err != nil {
		return nil, fmt.Errorf("register handler counter: %w", err)
	}

	c.retriesScheduled, err = register(reg, promclient.NewCounter(promclient.CounterOpts{
		Namespace: namespace,
		Name:      "retries_scheduled_total",
		Help:      "Retry attempts scheduled by the outcome pipeline.",
	}))
	if err != nil {
		return nil, fmt.Errorf("register retries counter: %w", err)
	}

	c.tokensUsed, err = register(reg, promclient.NewCounter(promclient.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_used_total",
		Help:      "Tokens reported by agent executions.",
	}))
	if err != nil {
		return nil, fmt.Errorf("register tokens counter: %w", err)
	}

	c.costUSD, err = register(reg, promclient.NewCounter(promclient.CounterOpts{
		Namespace: namespace,
		Name:      "cost_usd_total",
		Help:      "Cost in USD reported by agent executions.",
	}))
	if err != nil {
		return nil, fmt.Errorf("register cost counter: %w", err)
	}

	return c, nil
}

// register adds c to reg and hands back the already-registered collector
// when one exists, so repeated construction against one registry is safe.
func register[C promclient.Collector](reg promclient.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are promclient.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

// ExecutionStarted marks a worker slot taken.
func (c *Collector) ExecutionStarted() {
	if c == nil {
		return
	}
	c.executionsRunning.Inc()
}

// ExecutionFinished records a terminal execution that actually ran.
func (c *Collector) ExecutionFinished(taskType, trigger, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.executionsRunning.Dec()
	c.executionsTotal.WithLabelValues(taskType, trigger, status).Inc()
	c.executionDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// ExecutionAborted records a terminal execution that never held a worker
// slot, such as a queued dispatch cancelled before starting.
func (c *Collector) ExecutionAborted(taskType, trigger, status string) {
	if c == nil {
		return
	}
	c.executionsTotal.WithLabelValues(taskType, trigger, status).Inc()
}

// ExecutionSkipped records an execution refused admission.
func (c *Collector) ExecutionSkipped(taskType, trigger string) {
	c.ExecutionAborted(taskType, trigger, "skipped")
}

// SetQueueDepth tracks a task's queue length.
func (c *Collector) SetQueueDepth(taskID string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(taskID).Set(float64(depth))
}

// EventReceived counts an incoming hook event.
func (c *Collector) EventReceived(event string) {
	if c == nil {
		return
	}
	c.eventsTotal.WithLabelValues(event).Inc()
}

// EventDispatched counts executions fired from a hook event.
func (c *Collector) EventDispatched(event string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.eventDispatches.WithLabelValues(event).Add(float64(n))
}

// HandlerFailed counts an outcome handler error.
func (c *Collector) HandlerFailed(handler string) {
	if c == nil {
		return
	}
	c.handlerFailures.WithLabelValues(handler).Inc()
}

// RetryScheduled counts a scheduled retry attempt.
func (c *Collector) RetryScheduled() {
	if c == nil {
		return
	}
	c.retriesScheduled.Inc()
}

// AgentUsage accumulates token and cost figures from agent runs.
func (c *Collector) AgentUsage(tokens int, cost float64) {
	if c == nil {
		return
	}
	if tokens > 0 {
		c.tokensUsed.Add(float64(tokens))
	}
	if cost > 0 {
		c.costUSD.Add(cost)
	}
}
