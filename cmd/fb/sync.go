package main

import (
	"time"

	"github.com/daviddao/finbrief/internal/display"
	"github.com/daviddao/finbrief/internal/pipeline"
	"github.com/spf13/cobra"
)

var syncSince time.Duration

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch new mail into the local database without summarizing",
	Long:  "Fetch from the configured source, resuming from the stored checkpoint. Without a checkpoint, mail received within --since is fetched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.Config.Validate(); err != nil {
			return err
		}
		conn, err := app.Connector(cmd.Context())
		if err != nil {
			return err
		}
		orch := pipeline.New(pipeline.Deps{Store: app.DB, Connector: conn}, pipeline.Options{}, app.Log)

		since := syncSince
		if since <= 0 {
			since = app.Config.InitialLookback
		}
		if !quietFlag && !jsonOutput {
			display.SubHeader("Fetching from " + conn.Source() + "...")
		}
		res, err := orch.FetchNew(cmd.Context(), time.Now().Add(-since))
		if err != nil {
			return err
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		if !quietFlag {
			mode := "full"
			if res.Incremental {
				mode = "incremental"
			}
			display.SuccessMsg("%d fetched (%s), %d new. Total in DB: %d",
				res.Fetched, mode, res.New, app.DB.MessageCount(cmd.Context()))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().DurationVar(&syncSince, "since", 0, "Window for a fetch without checkpoint (default FB_INITIAL_LOOKBACK)")
	rootCmd.AddCommand(syncCmd)
}
