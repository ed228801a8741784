package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's state and stage history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}
		defer app.Close()

		snapshot, err := app.manager.Status(cmd.Context(), core.RunID(args[0]))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(snapshot)
		}

		run := snapshot.Run
		fmt.Fprintf(out, "Run:          %s\n", run.ID)
		fmt.Fprintf(out, "Logical key:  %s\n", run.LogicalKey)
		fmt.Fprintf(out, "Status:       %s\n", run.Status)
		if run.CurrentStage != "" {
			fmt.Fprintf(out, "Stage:        %s\n", run.CurrentStage)
		}
		if run.IsReentry() {
			fmt.Fprintf(out, "Re-entry of:  %s\n", run.ParentRunID)
		}
		fmt.Fprintf(out, "Send-backs:   %d\n", run.SendBackCount)
		fmt.Fprintf(out, "Tokens:       %d in / %d out ($%.4f)\n",
			run.TotalTokensIn, run.TotalTokensOut, run.TotalCostUSD)
		if d := run.Duration(); d > 0 {
			fmt.Fprintf(out, "Duration:     %s\n", d.Round(time.Second))
		}

		if len(snapshot.Executions) > 0 {
			fmt.Fprintln(out, "\nStage history:")
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "  STAGE\tATTEMPT\tSTATUS\tDETAIL")
			for _, e := range snapshot.Executions {
				detail := ""
				switch {
				case e.Status == core.ExecutionStatusSentBack:
					detail = fmt.Sprintf("sent back to %s: %s", e.SendBackTarget, e.SendBackReason)
				case e.SentBackFrom != "":
					detail = fmt.Sprintf("re-entry from %s", e.SentBackFrom)
				case e.FailureReason != "":
					detail = e.FailureReason
				}
				fmt.Fprintf(w, "  %s\t%d\t%s\t%s\n", e.Stage, e.Attempt, e.Status, detail)
			}
			w.Flush()
		}

		for _, warn := range run.Warnings {
			fmt.Fprintf(out, "warning [%s] %s\n", warn.Stage, warn.Message)
		}
		for _, e := range run.Errors {
			fmt.Fprintf(out, "error [%s] %s: %s\n", e.Stage, e.Code, e.Message)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit the full snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}
