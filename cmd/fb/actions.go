package main

import (
	"fmt"

	"github.com/daviddao/finbrief/internal/display"
	"github.com/daviddao/finbrief/internal/types"
	"github.com/spf13/cobra"
)

var actionsAll bool

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List action items extracted from digests",
	Long:  "List pending action items, most urgent first. Use --all to include done and dismissed items.",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := types.ActionPending
		if actionsAll {
			status = ""
		}
		items, err := app.DB.ListActionItems(cmd.Context(), status)
		if err != nil {
			return err
		}
		if jsonOutput {
			if items == nil {
				items = []*types.ActionItem{}
			}
			return writeJSON(cmd.OutOrStdout(), items)
		}
		if len(items) == 0 {
			if !quietFlag {
				display.SuccessMsg("Nothing to do")
			}
			return nil
		}
		for _, a := range items {
			fmt.Println(display.ActionLine(a))
		}
		return nil
	},
}

func setActionStatus(status string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if err := app.DB.UpdateActionStatus(cmd.Context(), id, status); err != nil {
				return err
			}
			if !quietFlag {
				display.SuccessMsg("%s → %s", id, status)
			}
		}
		return nil
	}
}

var actionsDoneCmd = &cobra.Command{
	Use:   "done <id>...",
	Short: "Mark action items as done",
	Args:  cobra.MinimumNArgs(1),
	RunE:  setActionStatus(types.ActionDone),
}

var actionsDismissCmd = &cobra.Command{
	Use:   "dismiss <id>...",
	Short: "Dismiss action items",
	Args:  cobra.MinimumNArgs(1),
	RunE:  setActionStatus(types.ActionDismissed),
}

func init() {
	actionsCmd.Flags().BoolVar(&actionsAll, "all", false, "Include done and dismissed items")
	actionsCmd.AddCommand(actionsDoneCmd, actionsDismissCmd)
	rootCmd.AddCommand(actionsCmd)
}
