package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	httpapi "github.com/fyrsmithlabs/phasegate/internal/http"
)

func newApprovalsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "approvals",
		Short: "List open approval requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list httpapi.ApprovalList
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, "/api/v1/approvals", nil, &list); err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			tw := newTable(cmd.OutOrStdout(), "REQUEST", "TASK", "GATE", "STATUS", "FINDINGS", "EXPIRES")
			for _, r := range list.Requests {
				findings := "-"
				if r.QualityReport != nil {
					findings = fmt.Sprintf("%d critical, %d high", r.QualityReport.CriticalCount, r.QualityReport.HighCount)
				}
				expires := "never"
				if r.ExpiresAt != nil {
					expires = formatTime(*r.ExpiresAt)
				}
				row(tw, r.ID, r.TaskID, r.GateType, r.Status, findings, expires)
			}
			return tw.Flush()
		},
	}
}

func newDecideCmd(opts *options) *cobra.Command {
	var req httpapi.DecisionRequest
	cmd := &cobra.Command{
		Use:   "decide <request-id> <approved|rejected|deferred>",
		Short: "Record a decision on an approval request",
		Long: `Record a human decision on an open approval request.

Examples:
  # Approve with a justification
  pgctl decide r1 approved --reviewer alice --justification "risk accepted for the pilot"

  # Defer without closing the request
  pgctl decide r1 deferred --reviewer bob --justification "needs security sign-off"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			verdict, err := approval.ParseVerdict(args[1])
			if err != nil {
				return err
			}
			if req.Reviewer == "" {
				return errors.New("--reviewer is required")
			}
			if req.Justification == "" {
				return errors.New("--justification is required")
			}
			req.Decision = string(verdict)

			var r approval.Request
			path := "/api/v1/approvals/" + url.PathEscape(args[0]) + "/decision"
			if err := newClient(opts).do(cmd.Context(), http.MethodPost, path, req, &r); err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), r)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %s for task %s is %s\n", r.ID, r.TaskID, r.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Reviewer, "reviewer", "", "who is deciding")
	cmd.Flags().StringVar(&req.Justification, "justification", "", "reason for the decision")
	return cmd
}
