package main

import (
	"fmt"

	"github.com/daviddao/finbrief/internal/display"
	"github.com/daviddao/finbrief/internal/pipeline"
	"github.com/daviddao/finbrief/internal/types"
	"github.com/spf13/cobra"
)

var digestLimit int

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Browse generated digests",
}

var digestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent digests",
	RunE: func(cmd *cobra.Command, args []string) error {
		digests, err := app.DB.ListDigests(cmd.Context(), digestLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			if digests == nil {
				digests = []*types.Digest{}
			}
			return writeJSON(cmd.OutOrStdout(), digests)
		}
		if len(digests) == 0 {
			fmt.Println("No digests yet. Run `fb run` to generate one.")
			return nil
		}
		for _, d := range digests {
			fmt.Printf("%s  %s  %3d msgs  %s  %s\n",
				display.ShortID(d.ID),
				display.StatusLabel(d.DeliveryStatus),
				d.MessageCount,
				display.Period(d.PeriodStart, d.PeriodEnd),
				display.Dim.Render(display.TimeAgo(d.GeneratedAt)))
		}
		return nil
	},
}

type digestOutput struct {
	*types.Digest
	ActionItems []*types.ActionItem `json:"action_items"`
}

var digestShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a digest with its action items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := app.DB.GetDigest(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		items, err := app.DB.DigestActionItems(cmd.Context(), d.ID)
		if err != nil {
			return err
		}
		if jsonOutput {
			if items == nil {
				items = []*types.ActionItem{}
			}
			return writeJSON(cmd.OutOrStdout(), digestOutput{Digest: d, ActionItems: items})
		}

		display.Header(fmt.Sprintf("Digest %s", display.ShortID(d.ID)))
		fmt.Printf("  %s  %d messages  %s\n", display.Period(d.PeriodStart, d.PeriodEnd), d.MessageCount, display.StatusLabel(d.DeliveryStatus))
		fmt.Println(display.Dim.Render(fmt.Sprintf("  %s, %d tokens", d.Model, d.TokensUsed)))
		fmt.Println()
		fmt.Println(d.Content)
		if len(items) > 0 {
			fmt.Println()
			display.SubHeader(fmt.Sprintf("Tracked action items (%d)", len(items)))
			for _, a := range items {
				fmt.Println("  " + display.ActionLine(a))
			}
		}
		return nil
	},
}

var redeliverCmd = &cobra.Command{
	Use:   "redeliver <digest-id>",
	Short: "Send a digest whose delivery failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch := pipeline.New(pipeline.Deps{Store: app.DB, Channel: app.Channel()}, pipeline.Options{}, app.Log)
		d, err := orch.Redeliver(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), d)
		}
		if !quietFlag {
			display.SuccessMsg("Digest %s delivered via %s", display.ShortID(d.ID), d.DeliveryChannel)
		}
		return nil
	},
}

func init() {
	digestListCmd.Flags().IntVarP(&digestLimit, "limit", "n", 10, "Number of digests to list")
	digestCmd.AddCommand(digestListCmd, digestShowCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(redeliverCmd)
}
