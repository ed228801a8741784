package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/service/discovery"
)

var (
	runKey         string
	runConfigFile  string
	runSnapshotRef string
	runParent      string
	runNoDrive     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a discovery run and drive it to completion",
	Long: `Start a new discovery run for a logical key and drive it through the
pipeline. A second run for the same key is rejected while one is active.
Ctrl-C requests a cooperative stop: in-flight agent calls finish, and the
run is committed stopped at the next safe boundary.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runKey, "key", "", "logical key identifying the unit of work (required)")
	runCmd.Flags().StringVar(&runConfigFile, "input", "", "path to the run input config JSON")
	runCmd.Flags().StringVar(&runSnapshotRef, "snapshot-ref", "", "reference to the frozen input snapshot")
	runCmd.Flags().StringVar(&runParent, "parent", "", "terminal run ID to re-enter")
	runCmd.Flags().BoolVar(&runNoDrive, "no-drive", false, "create the run without driving it")
	_ = runCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}
	defer app.Close()

	var runConfig json.RawMessage
	if runConfigFile != "" {
		data, err := os.ReadFile(runConfigFile)
		if err != nil {
			return fmt.Errorf("reading run input: %w", err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("run input %s is not valid JSON", runConfigFile)
		}
		runConfig = data
	}

	ctx := cmd.Context()
	run, err := app.manager.Start(ctx, discovery.StartOptions{
		LogicalKey:       runKey,
		Config:           runConfig,
		InputSnapshotRef: runSnapshotRef,
		ParentRunID:      core.RunID(runParent),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run created: %s\n", run.ID)

	if runNoDrive {
		return nil
	}
	return driveRun(ctx, cmd, app, run.ID)
}

// driveRun drives a run to a terminal state, converting SIGINT/SIGTERM
// into a cooperative stop request.
func driveRun(ctx context.Context, cmd *cobra.Command, app *app, runID core.RunID) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	defer close(done)

	go forwardStopSignals(sigCh, done, func() {
		fmt.Fprintln(cmd.ErrOrStderr(), "stop requested, finishing in-flight work...")
		_ = app.manager.Stop(ctx, runID)
	})

	if err := app.manager.Drive(ctx, runID); err != nil {
		return err
	}

	run, err := app.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s finished: %s\n", run.ID, run.Status)
	if run.Status == core.RunStatusFailed && len(run.Errors) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "  last error: %s\n", run.Errors[len(run.Errors)-1].Message)
	}
	return nil
}

// forwardStopSignals invokes stop for every signal received and returns
// when done closes, so the goroutine does not outlive the drive.
func forwardStopSignals(sigCh <-chan os.Signal, done <-chan struct{}, stop func()) {
	for {
		select {
		case <-sigCh:
			stop()
		case <-done:
			return
		}
	}
}
