package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"taskd/internal/task"
)

func newTaskCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage task definitions",
	}
	cmd.AddCommand(newTaskAddCommand(opts))
	cmd.AddCommand(newTaskListCommand(opts))
	cmd.AddCommand(newTaskShowCommand(opts))
	cmd.AddCommand(newTaskEnableCommand(opts, true))
	cmd.AddCommand(newTaskEnableCommand(opts, false))
	cmd.AddCommand(newTaskRemoveCommand(opts))
	cmd.AddCommand(newTaskRunCommand(opts))
	return cmd
}

func newTaskAddCommand(opts *cliOptions) *cobra.Command {
	var (
		file          string
		name          string
		taskType      string
		command       string
		prompt        string
		workDir       string
		schedule      string
		event         string
		filters       []string
		timeout       time.Duration
		maxConcurrent int
		queue         bool
		queueDepth    int
		priority      int
		disabled      bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new task",
		Long: `Registers a task from a YAML or JSON document (-f) or from flags.
The daemon validates the document and assigns the task ID.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc map[string]any
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				doc, err = decodeTaskDoc(data)
				if err != nil {
					return err
				}
			} else {
				var err error
				doc, err = taskDocFromFlags(taskDocFlags{
					name:          name,
					taskType:      taskType,
					command:       command,
					prompt:        prompt,
					workDir:       workDir,
					schedule:      schedule,
					event:         event,
					filters:       filters,
					timeout:       timeout,
					maxConcurrent: maxConcurrent,
					queue:         queue,
					queueDepth:    queueDepth,
					priority:      priority,
					disabled:      disabled,
				})
				if err != nil {
					return err
				}
			}

			var created task.Task
			client := newAPIClient(opts.addr)
			if err := client.post(cmd.Context(), "/api/tasks", doc, &created); err != nil {
				return err
			}

			if opts.jsonOut {
				return printJSON(created)
			}
			fmt.Printf("%s created %s (%s)\n", green("✓"), bold(created.ID), created.Name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "task document (YAML or JSON)")
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&taskType, "type", "shell", "task type (shell|agent)")
	cmd.Flags().StringVar(&command, "command", "", "shell command")
	cmd.Flags().StringVar(&prompt, "prompt", "", "agent prompt")
	cmd.Flags().StringVar(&workDir, "workdir", "", "working directory")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule (five fields)")
	cmd.Flags().StringVar(&event, "event", "", "hook event to subscribe to")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "event filter family=pattern (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "execution timeout")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "concurrent execution cap")
	cmd.Flags().BoolVar(&queue, "queue", false, "queue dispatches over the cap instead of skipping")
	cmd.Flags().IntVar(&queueDepth, "queue-depth", 0, "queued dispatch bound")
	cmd.Flags().IntVar(&priority, "priority", 0, "dispatch priority (higher first)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "register the task disabled")
	return cmd
}

// decodeTaskDoc accepts a YAML or JSON task document; YAML is the superset,
// so one parse covers both. The daemon does the real validation.
func decodeTaskDoc(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse task document: %w", err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("task document is empty")
	}
	return doc, nil
}

type taskDocFlags struct {
	name          string
	taskType      string
	command       string
	prompt        string
	workDir       string
	schedule      string
	event         string
	filters       []string
	timeout       time.Duration
	maxConcurrent int
	queue         bool
	queueDepth    int
	priority      int
	disabled      bool
}

// taskDocFromFlags builds the task document the same shape the API expects.
// Only flag-provided fields are present, so daemon defaults still apply.
func taskDocFromFlags(f taskDocFlags) (map[string]any, error) {
	if f.name == "" {
		return nil, fmt.Errorf("--name is required without --file")
	}

	doc := map[string]any{
		"name": f.name,
		"type": f.taskType,
	}

	config := map[string]any{}
	switch f.taskType {
	case "shell":
		shell := map[string]any{"command": f.command}
		if f.workDir != "" {
			shell["work_dir"] = f.workDir
		}
		config["shell"] = shell
	case "agent":
		agent := map[string]any{"prompt": f.prompt}
		if f.workDir != "" {
			agent["work_dir"] = f.workDir
		}
		config["agent"] = agent
	default:
		return nil, fmt.Errorf("unknown task type %q", f.taskType)
	}
	doc["config"] = config

	trigger := map[string]any{"type": "manual"}
	switch {
	case f.schedule != "" && f.event != "":
		return nil, fmt.Errorf("--schedule and --event are mutually exclusive")
	case f.schedule != "":
		trigger = map[string]any{"type": "cron", "schedule": f.schedule}
	case f.event != "":
		trigger = map[string]any{"type": "event", "event": f.event}
		if len(f.filters) > 0 {
			parsed, err := parseFilters(f.filters)
			if err != nil {
				return nil, err
			}
			trigger["filters"] = parsed
		}
	case len(f.filters) > 0:
		return nil, fmt.Errorf("--filter requires --event")
	}
	doc["trigger"] = trigger

	options := map[string]any{}
	if f.timeout > 0 {
		options["timeout_ms"] = f.timeout.Milliseconds()
	}
	if f.maxConcurrent > 0 {
		options["max_concurrent"] = f.maxConcurrent
	}
	if f.queue {
		options["queue"] = true
	}
	if f.queueDepth > 0 {
		options["queue_depth"] = f.queueDepth
	}
	if f.priority != 0 {
		options["priority"] = f.priority
	}
	if len(options) > 0 {
		doc["options"] = options
	}

	if f.disabled {
		doc["enabled"] = false
	}
	return doc, nil
}

// parseFilters turns repeated family=pattern flags into the filter map,
// collecting repeated families into pattern lists.
func parseFilters(raw []string) (map[string][]string, error) {
	filters := make(map[string][]string)
	for _, entry := range raw {
		family, pattern, found := strings.Cut(entry, "=")
		if !found || family == "" || pattern == "" {
			return nil, fmt.Errorf("invalid filter %q, want family=pattern", entry)
		}
		filters[family] = append(filters[family], pattern)
	}
	return filters, nil
}

func newTaskListCommand(opts *cliOptions) *cobra.Command {
	var (
		taskType string
		event    string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/tasks"
			params := []string{}
			if taskType != "" {
				params = append(params, "type="+taskType)
			}
			if event != "" {
				params = append(params, "event="+event)
			}
			if len(params) > 0 {
				path += "?" + strings.Join(params, "&")
			}

			var tasks []*task.Task
			client := newAPIClient(opts.addr)
			if err := client.get(cmd.Context(), path, &tasks); err != nil {
				return err
			}

			if opts.jsonOut {
				return printJSON(tasks)
			}
			if len(tasks) == 0 {
				fmt.Println(gray("no tasks"))
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tTRIGGER\tENABLED\tRUNS\tOK\tFAIL")
			for _, t := range tasks {
				enabled := "yes"
				if !t.Enabled {
					enabled = "no"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
					t.ID, t.Name, t.Type, describeTrigger(t.Trigger), enabled,
					t.RunCount, t.SuccessCount, t.FailureCount)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "filter by task type")
	cmd.Flags().StringVar(&event, "event", "", "filter by subscribed event")
	return cmd
}

func newTaskShowCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			client := newAPIClient(opts.addr)
			if err := client.get(cmd.Context(), "/api/tasks/"+args[0], &t); err != nil {
				return err
			}

			if opts.jsonOut {
				return printJSON(t)
			}
			printTask(&t)
			return nil
		},
	}
}

func printTask(t *task.Task) {
	fmt.Printf("%-12s %s\n", bold("ID:"), t.ID)
	fmt.Printf("%-12s %s\n", bold("Name:"), t.Name)
	fmt.Printf("%-12s %s\n", bold("Type:"), t.Type)
	fmt.Printf("%-12s %s\n", bold("Enabled:"), onOff(t.Enabled))
	fmt.Printf("%-12s %s\n", bold("Trigger:"), describeTrigger(t.Trigger))
	for family, patterns := range t.Trigger.Filters {
		fmt.Printf("%-12s %s: %s\n", "", family, strings.Join(patterns, ", "))
	}
	switch {
	case t.Config.Shell != nil:
		fmt.Printf("%-12s %s\n", bold("Command:"), t.Config.Shell.Command)
	case t.Config.Agent != nil:
		fmt.Printf("%-12s %s\n", bold("Prompt:"), t.Config.Agent.Prompt)
	}
	if opts := describeOptions(t.Options); opts != "" {
		fmt.Printf("%-12s %s\n", bold("Options:"), opts)
	}
	if len(t.Handlers) > 0 {
		kinds := make([]string, len(t.Handlers))
		for i, h := range t.Handlers {
			kinds[i] = string(h.Type)
		}
		fmt.Printf("%-12s %s\n", bold("Handlers:"), strings.Join(kinds, ", "))
	}
	fmt.Printf("%-12s %d total, %d ok, %d failed\n", bold("Runs:"),
		t.RunCount, t.SuccessCount, t.FailureCount)
	fmt.Printf("%-12s %s\n", bold("Created:"), t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("%-12s %s\n", bold("Updated:"), t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
}

func describeOptions(o task.TaskOptions) string {
	parts := []string{}
	if o.TimeoutMS > 0 {
		parts = append(parts, fmt.Sprintf("timeout %s", time.Duration(o.TimeoutMS)*time.Millisecond))
	}
	if o.MaxConcurrent > 0 {
		parts = append(parts, fmt.Sprintf("max_concurrent %d", o.MaxConcurrent))
	}
	if o.Queue {
		parts = append(parts, fmt.Sprintf("queue (depth %d)", o.EffectiveQueueDepth()))
	}
	if o.Priority != 0 {
		parts = append(parts, fmt.Sprintf("priority %d", o.Priority))
	}
	return strings.Join(parts, ", ")
}

func newTaskEnableCommand(opts *cliOptions, enable bool) *cobra.Command {
	use, short := "enable <task-id>", "Enable a task"
	if !enable {
		use, short = "disable <task-id>", "Disable a task"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			client := newAPIClient(opts.addr)
			patch := map[string]any{"enabled": enable}
			if err := client.patch(cmd.Context(), "/api/tasks/"+args[0], patch, &t); err != nil {
				return err
			}

			if opts.jsonOut {
				return printJSON(t)
			}
			state := "enabled"
			if !enable {
				state = "disabled"
			}
			fmt.Printf("%s task %s %s\n", green("✓"), bold(t.ID), state)
			return nil
		},
	}
}

func newTaskRemoveCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <task-id>",
		Short: "Delete a task and its execution history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(opts.addr)
			if err := client.delete(cmd.Context(), "/api/tasks/"+args[0]); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(map[string]string{"deleted": args[0]})
			}
			fmt.Printf("%s task %s deleted\n", green("✓"), bold(args[0]))
			return nil
		},
	}
}

func newTaskRunCommand(opts *cliOptions) *cobra.Command {
	var (
		contextJSON string
		wait        bool
	)
	cmd := &cobra.Command{
		Use:   "run <task-id>",
		Short: "Trigger a task manually",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}
			if contextJSON != "" {
				triggerCtx := map[string]any{}
				if err := json.Unmarshal([]byte(contextJSON), &triggerCtx); err != nil {
					return fmt.Errorf("parse context JSON: %w", err)
				}
				payload["context"] = triggerCtx
			}

			client := newAPIClient(opts.addr)
			var accepted struct {
				ExecutionID string `json:"execution_id"`
			}
			if err := client.post(cmd.Context(), "/api/tasks/"+args[0]+"/run", payload, &accepted); err != nil {
				return err
			}

			if !wait {
				if opts.jsonOut {
					return printJSON(map[string]string{"execution_id": accepted.ExecutionID})
				}
				fmt.Printf("%s execution %s dispatched\n", green("✓"), bold(accepted.ExecutionID))
				return nil
			}

			e, err := waitExecution(cmd.Context(), client, accepted.ExecutionID, 300*time.Millisecond)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(e)
			}
			printExecution(e)
			if e.Status != task.StatusSuccess {
				return fmt.Errorf("execution %s ended %s", e.ID, e.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&contextJSON, "context", "c", "", "trigger context JSON object")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the execution to finish")
	return cmd
}
