package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/phasegate/internal/http"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
)

func newSubmitCmd(opts *options) *cobra.Command {
	var (
		file string
		sub  orchestrator.Submission
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task",
		Long: `Submit a task to the pipeline.

A submission can be read from a JSON file (or "-" for stdin); flags
override the file's fields.

Examples:
  # Submit from flags
  pgctl submit --id t1 --requirement "parse input" --requirement "emit report"

  # Submit a prepared plan with semantic units
  pgctl submit --file task.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req orchestrator.Submission
			if file != "" {
				if err := readSubmission(cmd.InOrStdin(), file, &req); err != nil {
					return err
				}
			}
			if sub.ID != "" {
				req.ID = sub.ID
			}
			if sub.Description != "" {
				req.Description = sub.Description
			}
			if sub.Capability != "" {
				req.Capability = sub.Capability
			}
			if len(sub.Requirements) > 0 {
				req.Requirements = sub.Requirements
			}

			var resp httpapi.SubmitResponse
			if err := newClient(opts).do(cmd.Context(), http.MethodPost, "/api/v1/tasks", req, &resp); err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted task %s\n", resp.TaskID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", `JSON submission file ("-" for stdin)`)
	cmd.Flags().StringVar(&sub.ID, "id", "", "task id")
	cmd.Flags().StringVar(&sub.Description, "description", "", "task description")
	cmd.Flags().StringVar(&sub.Capability, "capability", "", "bootstrap capability the task exercises")
	cmd.Flags().StringArrayVar(&sub.Requirements, "requirement", nil, "requirement (repeatable)")
	return cmd
}

func readSubmission(stdin io.Reader, file string, into *orchestrator.Submission) error {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", file, err)
		}
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse submission: %w", err)
	}
	return nil
}

func newAdvanceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <task-id>",
		Short: "Drive one phase transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out orchestrator.PhaseOutcome
			if err := newClient(opts).do(cmd.Context(), http.MethodPost, taskPath(args[0], "advance"), nil, &out); err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), out)
			}
			printOutcome(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func printOutcome(w io.Writer, out orchestrator.PhaseOutcome) {
	fmt.Fprintf(w, "Task %s: %s -> %s (%s)\n", out.TaskID, out.From, out.To, out.Status)
	if out.Action != "" {
		fmt.Fprintf(w, "Action: %s\n", out.Action)
	}
	if out.Attempts > 0 {
		fmt.Fprintf(w, "Attempts: %d\n", out.Attempts)
	}
	if out.Report != nil {
		fmt.Fprintf(w, "Review: %s (%d critical, %d high, %d findings)\n",
			out.Report.OverallStatus, out.Report.CriticalCount, out.Report.HighCount, len(out.Report.Findings))
	}
	if out.RequestID != "" {
		state := "decided"
		if out.Waiting {
			state = "waiting"
		}
		fmt.Fprintf(w, "Approval request: %s (%s)\n", out.RequestID, state)
	}
}

func newCancelCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t orchestrator.Task
			err := newClient(opts).do(cmd.Context(), http.MethodPost, taskPath(args[0], "cancel"),
				httpapi.CancelRequest{Reason: reason}, &t)
			if err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), t)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s is %s at %s\n", t.ID, t.Status, t.CurrentPhase)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t orchestrator.Task
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, taskPath(args[0]), nil, &t); err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), t)
			}
			printTask(cmd.OutOrStdout(), t)
			return nil
		},
	}
}

func printTask(w io.Writer, t orchestrator.Task) {
	fmt.Fprintf(w, "Task:       %s\n", t.ID)
	fmt.Fprintf(w, "Status:     %s\n", t.Status)
	fmt.Fprintf(w, "Phase:      %s\n", t.CurrentPhase)
	if t.Capability != "" {
		fmt.Fprintf(w, "Capability: %s (%s)\n", t.Capability, orDash(string(t.BootstrapMode)))
	}
	fmt.Fprintf(w, "Units:      %d\n", len(t.Units))
	fmt.Fprintf(w, "Estimated:  %.2f\n", t.EstimatedComplexity)
	if t.ActualComplexity > 0 {
		fmt.Fprintf(w, "Actual:     %.2f\n", t.ActualComplexity)
	}
	if t.PendingRequestID != "" {
		fmt.Fprintf(w, "Awaiting:   %s\n", t.PendingRequestID)
	}
	if t.Terminal != nil {
		fmt.Fprintf(w, "Stopped at: %s: %s\n", t.Terminal.Phase, t.Terminal.Reason)
		if t.Terminal.Error != "" {
			fmt.Fprintf(w, "Error:      %s\n", t.Terminal.Error)
		}
	}
	if s := t.Summary; s != nil {
		fmt.Fprintf(w, "Defects:    %d\n", s.DefectCount)
		if s.DefectDensity != nil {
			fmt.Fprintf(w, "Density:    %.3f\n", *s.DefectDensity)
		}
		fmt.Fprintf(w, "First pass: %.2f\n", s.FirstPassYield)
	}
	fmt.Fprintf(w, "Updated:    %s\n", formatTime(t.UpdatedAt))
}

func newTasksCmd(opts *options) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Long: `List tasks, optionally filtered by status.

Examples:
  # Tasks waiting on a human
  pgctl tasks --status suspended`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/tasks"
			if len(statuses) > 0 {
				path += "?status=" + url.QueryEscape(strings.Join(statuses, ","))
			}
			var list httpapi.TaskList
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, path, nil, &list); err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			tw := newTable(cmd.OutOrStdout(), "TASK", "STATUS", "PHASE", "ESTIMATED", "UPDATED")
			for _, t := range list.Tasks {
				row(tw, t.ID, t.Status, t.CurrentPhase, fmt.Sprintf("%.2f", t.EstimatedComplexity), formatTime(t.UpdatedAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable or comma separated)")
	return cmd
}

func newRecordsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "records <task-id>",
		Short: "List a task's executor invocations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var list httpapi.RecordList
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, taskPath(args[0], "records"), nil, &list); err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			tw := newTable(cmd.OutOrStdout(), "PHASE", "EXECUTOR", "ATTEMPT", "OUTCOME", "TOKENS", "COST", "LATENCY")
			for _, r := range list.Records {
				row(tw, r.Phase, r.Executor, r.AttemptNumber, r.Outcome, r.TokensIn+r.TokensOut, fmt.Sprintf("%.4f", r.Cost), r.Latency)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d tokens, %.4f cost, %s\n",
				list.Usage.Tokens(), list.Usage.Cost, list.Usage.Latency)
			return nil
		},
	}
}

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Stream a task's events",
		Long: `Stream a task's lifecycle events until it reaches a terminal state.
Requires the server to publish events to NATS.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := newClient(opts).stream(cmd.Context(), taskPath(args[0], "events"))
			if err != nil {
				return err
			}
			defer body.Close()
			return copyEvents(cmd.OutOrStdout(), body, opts.output == outputJSON)
		},
	}
}

// copyEvents prints each event of an SSE stream on one line. raw prints
// only the data payloads.
func copyEvents(w io.Writer, r io.Reader, raw bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if raw {
				fmt.Fprintln(w, data)
			} else {
				fmt.Fprintf(w, "%-20s %s\n", orDash(event), data)
			}
		case line == "":
			event = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read event stream: %w", err)
	}
	return nil
}
