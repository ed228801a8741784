package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
)

var stopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Request a cooperative stop of a run",
	Long: `Request that a run stop at the next safe boundary. Nothing is killed:
in-flight agent calls finish, queued calls stay pending, and the run is
committed stopped rather than failed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp()
		if err != nil {
			return err
		}
		defer app.Close()

		runID := core.RunID(args[0])
		if err := app.manager.Stop(cmd.Context(), runID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for run %s\n", runID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
