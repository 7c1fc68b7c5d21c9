package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/daviddao/finbrief/internal/display"
	"github.com/daviddao/finbrief/internal/types"
	"github.com/spf13/cobra"
)

type statusOutput struct {
	Source         string                     `json:"source"`
	Checkpoint     *types.SyncCheckpoint      `json:"checkpoint,omitempty"`
	Classification *types.ClassificationStats `json:"classification"`
	PendingActions int                        `json:"pending_actions"`
	LastDigest     *types.Digest              `json:"last_digest,omitempty"`
	Runs           []*types.PipelineRun       `json:"runs"`
	NextRun        time.Time                  `json:"next_run"`
}

var statusRuns int

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st"},
	Short:   "Show recent runs, message counts and the last digest",
	Long: `Show a snapshot of finbrief state.

Examples:
  fb status            # Overview
  fb status -n 20      # Include the last 20 runs
  fb status --json     # Machine-readable output
  fb st                # Short alias`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := statusOutput{Source: app.Config.Source}

		var err error
		if out.Checkpoint, err = app.DB.GetCheckpoint(ctx, app.Config.Source); err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		if out.Classification, err = app.DB.ClassificationStats(ctx); err != nil {
			return fmt.Errorf("classification stats: %w", err)
		}
		pending, err := app.DB.ListActionItems(ctx, types.ActionPending)
		if err != nil {
			return fmt.Errorf("action items: %w", err)
		}
		out.PendingActions = len(pending)
		digests, err := app.DB.ListDigests(ctx, 1)
		if err != nil {
			return fmt.Errorf("digests: %w", err)
		}
		if len(digests) > 0 {
			out.LastDigest = digests[0]
		}
		if out.Runs, err = app.DB.ListRuns(ctx, statusRuns); err != nil {
			return fmt.Errorf("runs: %w", err)
		}
		if out.Runs == nil {
			out.Runs = []*types.PipelineRun{}
		}
		out.NextRun = app.Config.Schedule.Next(time.Now())

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), out)
		}
		printStatus(out)
		return nil
	},
}

func printStatus(out statusOutput) {
	display.Header("finbrief status")
	fmt.Println()

	display.SubHeader("Mail")
	cs := out.Classification
	sync := "never synced"
	if out.Checkpoint != nil {
		sync = "last sync " + display.TimeAgo(out.Checkpoint.LastFetchedAt)
	}
	fmt.Printf("  %-8s %5d messages  %s\n", out.Source, cs.Messages, display.Dim.Render(sync))
	fmt.Printf("  %-8s %5d classified, %d relevant, %d pending\n", "", cs.Classified, cs.Relevant, cs.Messages-cs.Classified)
	if len(cs.ByCategory) > 0 {
		cats := make([]string, 0, len(cs.ByCategory))
		for c := range cs.ByCategory {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		line := ""
		for _, c := range cats {
			line += fmt.Sprintf("%s %d  ", c, cs.ByCategory[c])
		}
		fmt.Println("  " + display.Dim.Render(line))
	}
	fmt.Println()

	display.SubHeader("Digest")
	if d := out.LastDigest; d != nil {
		fmt.Printf("  %s  %s  %d msgs  %s\n", display.ShortID(d.ID), display.StatusLabel(d.DeliveryStatus),
			d.MessageCount, display.Dim.Render(display.TimeAgo(d.GeneratedAt)))
	} else {
		fmt.Println("  none yet")
	}
	fmt.Printf("  %d pending action item(s)\n", out.PendingActions)
	fmt.Println()

	display.SubHeader("Runs")
	for _, r := range out.Runs {
		msg := ""
		if r.ErrorMessage != "" {
			msg = display.Dim.Render(display.Truncate(r.ErrorMessage, 60))
		}
		fmt.Printf("  %s  %s %-9s %s  %s\n", display.ShortID(r.ID), display.StatusLabel(r.Status), r.Trigger,
			display.Dim.Render(display.TimeAgo(r.StartedAt)), msg)
	}
	if len(out.Runs) == 0 {
		fmt.Println("  none yet")
	}
	fmt.Printf("  next scheduled: %s\n", out.NextRun.Format("Mon Jan 2 15:04 MST"))
}

func init() {
	statusCmd.Flags().IntVarP(&statusRuns, "runs", "n", 5, "Number of recent runs to show")
	rootCmd.AddCommand(statusCmd)
}
