package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	apperr "taskd/internal/errors"
	"taskd/internal/logging"
	"taskd/internal/task"
)

// DefaultAgentCommand is the agent CLI invoked when neither the daemon
// config nor the task names one.
const DefaultAgentCommand = "agent"

// Agent runs agent tasks by spawning an agent CLI as a subprocess: the
// prompt goes in as the last argument, stdout is the output stream, stderr
// is the thinking stream. A trailing JSON metrics line, when the CLI emits
// one, is lifted into the result.
type Agent struct {
	logger  logging.Logger
	sink    Sink
	command string
	args    []string
}

// AgentOption customizes the agent executor.
type AgentOption func(*Agent)

// WithAgentArgs prepends fixed arguments to every CLI invocation.
func WithAgentArgs(args ...string) AgentOption {
	return func(a *Agent) { a.args = args }
}

// NewAgent builds the agent executor around the given CLI command.
func NewAgent(command string, logger logging.Logger, sink Sink, opts ...AgentOption) *Agent {
	if strings.TrimSpace(command) == "" {
		command = DefaultAgentCommand
	}
	a := &Agent{
		logger:  logging.OrNop(logger),
		sink:    orNopSink(sink),
		command: command,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name identifies the executor in logs.
func (a *Agent) Name() string { return "agent" }

// Execute runs the agent CLI until it exits or the context ends.
func (a *Agent) Execute(ctx context.Context, t *task.Task, e *task.Execution) (*Result, error) {
	cfg := t.Config.Agent
	if cfg == nil {
		return nil, apperr.ValidationError(fmt.Sprintf("task %s has no agent config", t.ID))
	}

	command := a.command
	if cfg.Command != "" {
		command = cfg.Command
	}

	args := append([]string{}, a.args...)
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}
	args = append(args, cfg.Prompt)

	a.logger.Debug("running agent %s for execution %s", command, e.ID)

	rr, err := runProcess(ctx, a.logger, a.sink, runSpec{
		execID:       e.ID,
		name:         command,
		args:         args,
		dir:          cfg.WorkDir,
		splitStreams: true,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Output:   rr.output,
		Thinking: rr.thinking,
		ExitCode: rr.exitCode,
	}
	switch {
	case rr.timedOut:
		res.Status = task.StatusTimeout
		res.Error = "agent timed out"
	case rr.cancelled:
		res.Status = task.StatusCancelled
		res.Error = "agent cancelled"
	case rr.waitErr == nil:
		res.Status = task.StatusSuccess
	default:
		res.Status = task.StatusFailure
		res.Error = rr.waitErr.Error()
	}

	if res.Status == task.StatusSuccess {
		liftMetrics(res)
	}
	return res, nil
}

// agentMetrics is the shape of the optional trailing JSON line agent CLIs
// emit with usage accounting.
type agentMetrics struct {
	TokensUsed int      `json:"tokens_used"`
	CostUSD    float64  `json:"cost_usd"`
	ToolCalls  []string `json:"tool_calls"`
}

// liftMetrics pops a trailing JSON metrics line off the output, if present,
// and copies its fields onto the result.
func liftMetrics(res *Result) {
	trimmed := strings.TrimRight(res.Output, "\n")
	idx := strings.LastIndexByte(trimmed, '\n')
	last := trimmed[idx+1:]
	if !strings.HasPrefix(last, "{") || !strings.HasSuffix(last, "}") {
		return
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(last), &keys); err != nil {
		return
	}
	if _, ok := keys["tokens_used"]; !ok {
		if _, ok := keys["cost_usd"]; !ok {
			if _, ok := keys["tool_calls"]; !ok {
				return
			}
		}
	}

	var m agentMetrics
	if err := json.Unmarshal([]byte(last), &m); err != nil {
		return
	}
	res.TokensUsed = m.TokensUsed
	res.CostUSD = m.CostUSD
	res.ToolCalls = m.ToolCalls
	if idx < 0 {
		res.Output = ""
	} else {
		res.Output = trimmed[:idx+1]
	}
}
