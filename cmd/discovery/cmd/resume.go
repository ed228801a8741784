package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an interrupted run from its last checkpoint",
	Long: `Resume a run that was interrupted by a crash or restart. The engine
picks up from the persisted state: an in-progress stage is re-driven,
already-completed agent invocations are not repeated, and invocations
caught mid-call are recorded as interrupted before their agents run again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}
		defer app.Close()

		runID := core.RunID(args[0])
		run, err := app.store.GetRun(cmd.Context(), runID)
		if err != nil {
			return err
		}
		if run.IsTerminal() {
			return fmt.Errorf("run %s is already %s", runID, run.Status)
		}

		return driveRun(cmd.Context(), cmd, app, runID)
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
