package main

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/estimation"
	httpapi "github.com/fyrsmithlabs/phasegate/internal/http"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

func newDensityCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "density <task-id>",
		Short: "Show a task's defect density",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpapi.DensityResponse
			path := "/api/v1/defects/density/" + url.PathEscape(args[0])
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Defect density for %s: %.3f per complexity point\n", resp.TaskID, resp.DefectDensity)
			return nil
		},
	}
}

func newYieldCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "yield <phase>",
		Short: "Show a phase's defect removal yield",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase := stage.Phase(args[0])
			if !phase.Valid() {
				return fmt.Errorf("unknown phase %q", args[0])
			}
			var resp httpapi.YieldResponse
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, "/api/v1/defects/yield/"+string(phase), nil, &resp); err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Phase yield for %s: %.1f%%\n", resp.Phase, resp.Yield*100)
			return nil
		},
	}
}

func newAccuracyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "accuracy",
		Short: "Show complexity estimation accuracy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rep estimation.AccuracyReport
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, "/api/v1/accuracy", nil, &rep); err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), rep)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Observations: %d\n", rep.Observations)
			if !rep.Computable {
				fmt.Fprintln(w, "Accuracy is not computable yet")
				return nil
			}
			fmt.Fprintf(w, "MAPE:         %.1f%% (%s)\n", rep.MAPE*100, rep.Quality)
			dims := make([]string, 0, len(rep.PerDimension))
			for d := range rep.PerDimension {
				dims = append(dims, string(d))
			}
			sort.Strings(dims)
			tw := newTable(w, "DIMENSION", "MAPE")
			for _, d := range dims {
				row(tw, d, fmt.Sprintf("%.1f%%", rep.PerDimension[estimation.Dimension(d)]*100))
			}
			return tw.Flush()
		},
	}
}

func newBootstrapCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Show capability graduation progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpapi.BootstrapResponse
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, "/api/v1/bootstrap", nil, &resp); err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			tw := newTable(cmd.OutOrStdout(), "CAPABILITY", "MODE", "TASKS", "METRIC", "VALUE", "TARGET", "MET")
			for _, m := range resp.Capabilities {
				row(tw, m.Capability, m.Mode,
					fmt.Sprintf("%d/%d", m.TasksCompleted, m.TasksRequiredForGraduation),
					m.PrimaryMetric,
					fmt.Sprintf("%.3f", m.PrimaryMetricValue),
					fmt.Sprintf("%s %.3f", m.Direction, m.PrimaryMetricTarget),
					m.GraduationCriteriaMet)
			}
			return tw.Flush()
		},
	}
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check phasegated server health",
		Long: `Check the health status of the phasegated HTTP server.

Examples:
  # Check health on a different server
  pgctl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpapi.HealthResponse
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, "/health", nil, &resp); err != nil {
				return err
			}
			if opts.output == outputJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", opts.server)
			if t := resp.Telemetry; t != nil {
				switch {
				case !t.Enabled:
					fmt.Fprintln(cmd.OutOrStdout(), "Telemetry: disabled")
				case t.Degraded:
					fmt.Fprintf(cmd.OutOrStdout(), "Telemetry: degraded (%s)\n", t.Reason)
				default:
					fmt.Fprintln(cmd.OutOrStdout(), "Telemetry: healthy")
				}
			}
			return nil
		},
	}
}
