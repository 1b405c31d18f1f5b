package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"taskd/internal/task"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// configureColor keeps piped output plain.
func configureColor() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
}

func printJSON(v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(buf))
	return nil
}

func statusLabel(s task.ExecutionStatus) string {
	switch s {
	case task.StatusSuccess:
		return green(string(s))
	case task.StatusFailure, task.StatusTimeout:
		return red(string(s))
	case task.StatusRunning:
		return cyan(string(s))
	case task.StatusCancelled, task.StatusSkipped:
		return yellow(string(s))
	default:
		return gray(string(s))
	}
}

// describeTrigger renders a trigger for table output.
func describeTrigger(s task.TriggerSpec) string {
	switch s.Type {
	case task.TriggerCron:
		return fmt.Sprintf("cron %s", s.Schedule)
	case task.TriggerEvent:
		return fmt.Sprintf("event %s", s.Event)
	default:
		return string(s.Type)
	}
}

func formatTime(ts *time.Time) string {
	if ts == nil {
		return "-"
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return (time.Duration(ms) * time.Millisecond).String()
}

func onOff(enabled bool) string {
	if enabled {
		return green("yes")
	}
	return gray("no")
}
