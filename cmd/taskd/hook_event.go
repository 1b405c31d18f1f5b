package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newHookEventCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hook-event <event_type> [<context_json>]",
		Short: "Forward an external event to the daemon",
		Long: `Posts one event to the daemon for fan-out to subscribed tasks. The
event context is a JSON object taken from the second argument, or from
stdin when piped. Events with no subscribers, including unknown event
types, still exit 0.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventCtx, err := readEventContext(args)
			if err != nil {
				return err
			}

			client := newAPIClient(opts.addr)
			payload := map[string]any{"event_type": args[0], "context": eventCtx}
			if err := client.post(cmd.Context(), "/api/hook-event", payload, nil); err != nil {
				return err
			}

			if opts.jsonOut {
				return printJSON(map[string]string{"event_type": args[0], "status": "dispatched"})
			}
			fmt.Printf("%s event %s dispatched\n", green("✓"), bold(args[0]))
			return nil
		},
	}
}

// readEventContext takes the context JSON from argv, falling back to stdin
// when it is piped. No context at all is an empty object.
func readEventContext(args []string) (map[string]any, error) {
	raw := ""
	if len(args) == 2 {
		raw = args[1]
	} else if !term.IsTerminal(int(os.Stdin.Fd())) {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = strings.TrimSpace(string(data))
	}

	eventCtx := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &eventCtx); err != nil {
			return nil, fmt.Errorf("parse context JSON: %w", err)
		}
	}
	return eventCtx, nil
}
