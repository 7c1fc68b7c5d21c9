package main

import (
	"fmt"
	"time"

	"github.com/daviddao/finbrief/internal/classify"
	"github.com/daviddao/finbrief/internal/display"
	"github.com/spf13/cobra"
)

var (
	classifyRerun bool
	classifySince time.Duration
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify stored messages with the current rules",
	Long: `Classify every stored message that has no classification yet.

With --rerun, messages received within --since are classified again and their
previous decision is replaced. Use this after approving or ignoring senders.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := app.Classifier()
		var (
			res classify.Result
			err error
		)
		if classifyRerun {
			res, err = svc.Reclassify(cmd.Context(), time.Now().Add(-classifySince))
		} else {
			res, err = svc.ClassifyPending(cmd.Context())
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		if !quietFlag {
			display.SuccessMsg("%d classified: %d relevant, %d not relevant",
				res.Classified, res.Relevant, res.NotRelevant)
			if classifyRerun {
				fmt.Println(display.Dim.Render(fmt.Sprintf("  window: last %s", classifySince)))
			}
		}
		return nil
	},
}

func init() {
	classifyCmd.Flags().BoolVar(&classifyRerun, "rerun", false, "Replace existing classifications")
	classifyCmd.Flags().DurationVar(&classifySince, "since", 72*time.Hour, "Window for --rerun")
	rootCmd.AddCommand(classifyCmd)
}
