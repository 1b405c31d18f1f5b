package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskd/internal/storage"
	"taskd/internal/task"
)

func newExecutionsCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Inspect and control executions",
	}
	cmd.AddCommand(newExecutionsListCommand(opts))
	cmd.AddCommand(newExecutionsShowCommand(opts))
	cmd.AddCommand(newExecutionsCancelCommand(opts))
	return cmd
}

func newExecutionsListCommand(opts *cliOptions) *cobra.Command {
	var (
		taskID string
		status string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := []string{fmt.Sprintf("limit=%d", limit), fmt.Sprintf("offset=%d", offset)}
			if taskID != "" {
				params = append(params, "task_id="+taskID)
			}
			if status != "" {
				params = append(params, "status="+status)
			}

			var execs []*task.Execution
			client := newAPIClient(opts.addr)
			if err := client.get(cmd.Context(), "/api/executions?"+strings.Join(params, "&"), &execs); err != nil {
				return err
			}

			if opts.jsonOut {
				return printJSON(execs)
			}
			if len(execs) == 0 {
				fmt.Println(gray("no executions"))
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTASK\tSTATUS\tTRIGGER\tSTARTED\tDURATION")
			for _, e := range execs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.ID, e.TaskID, e.Status, e.TriggerType,
					formatTime(e.StartedAt), formatDuration(e.DurationMS))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "filter by task ID")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results")
	cmd.Flags().IntVar(&offset, "offset", 0, "results to skip")
	return cmd
}

func newExecutionsShowCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var e task.Execution
			client := newAPIClient(opts.addr)
			if err := client.get(cmd.Context(), "/api/executions/"+args[0], &e); err != nil {
				return err
			}

			if opts.jsonOut {
				return printJSON(e)
			}
			printExecution(&e)
			return nil
		},
	}
}

func printExecution(e *task.Execution) {
	fmt.Printf("%-12s %s\n", bold("ID:"), e.ID)
	fmt.Printf("%-12s %s\n", bold("Task:"), e.TaskID)
	fmt.Printf("%-12s %s\n", bold("Status:"), statusLabel(e.Status))
	fmt.Printf("%-12s %s\n", bold("Trigger:"), e.TriggerType)
	fmt.Printf("%-12s %s\n", bold("Started:"), formatTime(e.StartedAt))
	fmt.Printf("%-12s %s\n", bold("Completed:"), formatTime(e.CompletedAt))
	fmt.Printf("%-12s %s\n", bold("Duration:"), formatDuration(e.DurationMS))
	if e.ExitCode != nil {
		fmt.Printf("%-12s %d\n", bold("Exit code:"), *e.ExitCode)
	}
	if e.TokensUsed > 0 || e.CostUSD > 0 {
		fmt.Printf("%-12s %d tokens, $%.4f\n", bold("Usage:"), e.TokensUsed, e.CostUSD)
	}
	if e.Error != "" {
		fmt.Printf("%-12s %s\n", bold("Error:"), red(e.Error))
	}
	if e.Output != "" {
		fmt.Printf("%s\n%s\n", bold("Output:"), e.Output)
	}
}

func newExecutionsCancelCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a queued or running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(opts.addr)
			if err := client.post(cmd.Context(), "/api/executions/"+args[0]+"/cancel", nil, nil); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(map[string]string{"execution_id": args[0], "status": "cancel_requested"})
			}
			fmt.Printf("%s cancel requested for %s\n", green("✓"), bold(args[0]))
			return nil
		},
	}
}

func newStatsCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <task-id>",
		Short: "Show aggregated execution stats for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats storage.TaskStats
			client := newAPIClient(opts.addr)
			if err := client.get(cmd.Context(), "/api/tasks/"+args[0]+"/stats", &stats); err != nil {
				return err
			}

			if opts.jsonOut {
				return printJSON(stats)
			}
			fmt.Printf("%-18s %d\n", bold("Total runs:"), stats.TotalRuns)
			fmt.Printf("%-18s %s\n", bold("Successful:"), green(fmt.Sprintf("%d", stats.SuccessfulRuns)))
			fmt.Printf("%-18s %s\n", bold("Failed:"), red(fmt.Sprintf("%d", stats.FailedRuns)))
			fmt.Printf("%-18s %s\n", bold("Avg duration:"), formatDuration(int64(stats.AverageDurationMS)))
			if stats.TotalCostUSD > 0 {
				fmt.Printf("%-18s $%.4f\n", bold("Total cost:"), stats.TotalCostUSD)
			}
			return nil
		},
	}
}

// waitExecution polls the daemon until the execution reaches a terminal
// status.
func waitExecution(ctx context.Context, client *apiClient, execID string, interval time.Duration) (*task.Execution, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var e task.Execution
		if err := client.get(ctx, "/api/executions/"+execID, &e); err != nil {
			return nil, err
		}
		if e.Status.IsTerminal() {
			return &e, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
