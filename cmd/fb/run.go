package main

import (
	"fmt"

	"github.com/daviddao/finbrief/internal/display"
	"github.com/daviddao/finbrief/internal/pipeline"
	"github.com/daviddao/finbrief/internal/types"
	"github.com/spf13/cobra"
)

var runTrigger string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the digest pipeline once",
	Long:  "Fetch new mail, classify it, summarize the relevant messages since the last digest, and deliver the result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !types.IsValidTrigger(runTrigger) {
			return fmt.Errorf("invalid trigger %q (use manual, scheduled or catchup)", runTrigger)
		}
		orch, err := app.Orchestrator(cmd.Context())
		if err != nil {
			return err
		}
		run, err := orch.Run(cmd.Context(), runTrigger)
		if run != nil && jsonOutput {
			if jerr := writeJSON(cmd.OutOrStdout(), run); jerr != nil {
				return jerr
			}
			return err
		}
		if err != nil {
			return err
		}
		if !quietFlag {
			printRun(run)
		}
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the pipeline on the configured daily schedule",
	Long:  "Runs until interrupted. Triggers a catch-up run at start when nothing completed today, then runs at every FB_SCHEDULE time.",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, err := app.Orchestrator(cmd.Context())
		if err != nil {
			return err
		}
		app.Log.Info("[daemon] schedule %s (%s)", app.Config.Schedule, app.Config.Location)
		return pipeline.NewDaemon(orch, app.Config.Schedule, app.Log).Run(cmd.Context())
	},
}

func printRun(run *types.PipelineRun) {
	line := fmt.Sprintf("Run %s %s  %s", display.ShortID(run.ID), display.StatusLabel(run.Status),
		display.Dim.Render(display.Period(run.PeriodStart, run.PeriodEnd)))
	switch run.Status {
	case types.RunSuccess:
		display.SuccessMsg("%s", line)
	default:
		display.WarnMsg("%s", line)
	}
	fmt.Printf("  fetched %d, classified %d, relevant %d, tokens %d\n",
		run.Fetched, run.Classified, run.Relevant, run.TokensUsed)
	if run.DigestID != "" {
		fmt.Printf("  digest %s\n", display.ShortID(run.DigestID))
	}
	if run.ErrorMessage != "" {
		fmt.Printf("  %s\n", display.Dim.Render(run.ErrorMessage))
	}
}

func init() {
	runCmd.Flags().StringVar(&runTrigger, "trigger", types.TriggerManual, "Run trigger: manual, scheduled or catchup")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(daemonCmd)
}
